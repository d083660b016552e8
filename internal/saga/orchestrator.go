package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/metrics"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/repository"
	"github.com/daniel-wolfson/travel-saga/internal/service"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// Notifier delivers terminal booking events to waiting subscribers
type Notifier interface {
	Publish(ctx context.Context, event *notify.Event)
}

// Result is the outcome of an orchestrator operation as returned to the
// transport layer
type Result struct {
	RequestID    string        `json:"requestId"`
	BookingID    string        `json:"bookingId,omitempty"`
	Status       domain.Status `json:"status"`
	Message      string        `json:"message,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Duplicate    bool          `json:"duplicate,omitempty"`
}

// RecoveryResult reports what a recovery pass did for one saga
type RecoveryResult struct {
	RequestID   string        `json:"requestId"`
	Status      domain.Status `json:"status"`
	Republished []domain.Leg  `json:"republished"`
}

// StuckSaga is one pending-queue entry older than the stuck threshold
type StuckSaga struct {
	RequestID   string        `json:"requestId"`
	AdmittedAt  time.Time     `json:"admittedAt,omitempty"`
	Status      domain.Status `json:"status,omitempty"`
	MissingLegs []domain.Leg  `json:"missingLegs,omitempty"`
}

// SagaDiagnostics combines durable and coordination state for one saga
type SagaDiagnostics struct {
	Record         *domain.SagaRecord `json:"record"`
	ActiveSnapshot bool               `json:"activeSnapshot"`
	LockHeld       bool               `json:"lockHeld"`
	Steps          map[string]string  `json:"steps,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	PendingSince   *time.Time         `json:"pendingSince,omitempty"`
}

// Orchestrator defines the interface for booking saga coordination
type Orchestrator interface {
	// Execute admits a booking request and publishes its three leg requests
	Execute(ctx context.Context, req *domain.BookingRequest) (*Result, error)

	// ExecuteSync books all three legs synchronously, compensating on failure
	ExecuteSync(ctx context.Context, req *domain.BookingRequest) (*Result, error)

	// ConfirmReservation applies an inbound reservation confirmation for one
	// leg, triggering aggregation at the join point
	ConfirmReservation(ctx context.Context, leg domain.Leg, ev *domain.ReservationConfirmedEvent) error

	// Aggregate confirms a saga once all three reservations are present
	Aggregate(ctx context.Context, requestID string) (*Result, error)

	// Status returns the saga identified by request id or booking id
	Status(ctx context.Context, id string) (*domain.SagaRecord, error)

	// UserStats aggregates saga counts per status for one user
	UserStats(ctx context.Context, userID string) (*domain.UserStats, error)

	// Recover republishes the leg requests a PENDING saga is missing
	Recover(ctx context.Context, requestID string) (*RecoveryResult, error)

	// ForceFail transitions a non-terminal saga to FAILED and notifies
	// subscribers
	ForceFail(ctx context.Context, requestID, reason string) (*Result, error)

	// StuckSagas lists pending-queue entries admitted before olderThan
	StuckSagas(ctx context.Context, olderThan time.Time, limit int) ([]*StuckSaga, error)

	// Diagnostics assembles durable and coordination state for one saga
	Diagnostics(ctx context.Context, requestID string) (*SagaDiagnostics, error)

	// DeadLetters lists stored compensation failures
	DeadLetters(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error)

	// ResolveDeadLetter marks a dead letter as handled
	ResolveDeadLetter(ctx context.Context, id int64) error
}

// orchestrator implements Orchestrator
type orchestrator struct {
	repo        repository.SagaRepository
	deadLetters repository.DeadLetterRepository
	coord       repository.CoordinationStore
	publisher   EventPublisher
	services    *service.Services
	notifier    Notifier
	log         *logger.Logger
	adapters    map[domain.Leg]*LegAdapter

	lockTTL   time.Duration
	activeTTL time.Duration
	rateLimit int

	sfGroup singleflight.Group
}

// Config contains configuration for the orchestrator
type Config struct {
	LockTTL         time.Duration
	ActiveTTL       time.Duration
	RateLimitPerMin int
}

// NewOrchestrator creates a new saga orchestrator
func NewOrchestrator(
	repo repository.SagaRepository,
	deadLetters repository.DeadLetterRepository,
	coord repository.CoordinationStore,
	publisher EventPublisher,
	services *service.Services,
	notifier Notifier,
	log *logger.Logger,
	cfg *Config,
) Orchestrator {
	lockTTL := 5 * time.Minute
	activeTTL := time.Hour
	rateLimit := 5
	if cfg != nil {
		if cfg.LockTTL > 0 {
			lockTTL = cfg.LockTTL
		}
		if cfg.ActiveTTL > 0 {
			activeTTL = cfg.ActiveTTL
		}
		if cfg.RateLimitPerMin > 0 {
			rateLimit = cfg.RateLimitPerMin
		}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = logger.Get()
	}
	o := &orchestrator{
		repo:        repo,
		deadLetters: deadLetters,
		coord:       coord,
		publisher:   publisher,
		services:    services,
		notifier:    notifier,
		log:         log,
		lockTTL:     lockTTL,
		activeTTL:   activeTTL,
		rateLimit:   rateLimit,
	}

	aggregate := func(ctx context.Context, requestID string) error {
		_, err := o.Aggregate(ctx, requestID)
		return err
	}
	o.adapters = make(map[domain.Leg]*LegAdapter, 3)
	for _, leg := range domain.AllLegs() {
		var canceller service.Canceller
		if services != nil {
			canceller = services.CancellerFor(leg)
		}
		o.adapters[leg] = NewLegAdapter(leg, repo, coord, publisher, canceller, aggregate, notifier, log)
	}

	return o
}

// ConfirmReservation routes the confirmation to the matching leg adapter
func (o *orchestrator) ConfirmReservation(ctx context.Context, leg domain.Leg, ev *domain.ReservationConfirmedEvent) error {
	adapter, ok := o.adapters[leg]
	if !ok {
		return fmt.Errorf("no adapter for leg %q", leg)
	}
	return adapter.ConfirmReservation(ctx, ev)
}

var _ Orchestrator = (*orchestrator)(nil)

// noopNotifier is used when no notification hub is provided
type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, *notify.Event) {}

// Execute runs the admission pipeline for a booking request. Failures before
// the durable record exists return a FAILED result; failures after it leave
// the saga PENDING with error metadata so confirmations and the sweeper can
// still make progress.
func (o *orchestrator) Execute(ctx context.Context, req *domain.BookingRequest) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.execute")
	defer span.End()

	start := time.Now()

	result, record, err := o.admit(ctx, req, true)
	if record == nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}
	requestID := record.RequestID
	defer o.finishAdmission(ctx, requestID)

	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("user_id", req.UserID),
	)

	if err := o.publishLegs(ctx, req, domain.PublishOrder()); err != nil {
		// The saga stays PENDING: confirmations for published legs may still
		// arrive and the sweeper republishes whatever is missing
		o.recordSagaError(ctx, requestID, err.Error())
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordAdmission(ctx, time.Since(start).Seconds())
		return &Result{
			RequestID:    requestID,
			Status:       domain.StatusPending,
			Message:      "booking request accepted",
			ErrorMessage: err.Error(),
		}, nil
	}

	metrics.RecordAdmission(ctx, time.Since(start).Seconds())
	o.log.InfoContext(ctx, "booking saga admitted",
		zap.String("request_id", requestID),
		zap.String("user_id", req.UserID),
		zap.Float64("total_amount", req.TotalAmount))

	return &Result{
		RequestID: requestID,
		Status:    domain.StatusPending,
		Message:   "booking request accepted",
	}, nil
}

// admit validates, deduplicates and rate-limits the request, then creates the
// PENDING saga record. A nil record means the request was answered or
// rejected without admitting a new saga; in that case the admission lock has
// already been released. On success the caller owns finalisation via
// finishAdmission.
func (o *orchestrator) admit(ctx context.Context, req *domain.BookingRequest, enqueue bool) (*Result, *domain.SagaRecord, error) {
	if req == nil {
		return nil, nil, domain.ErrInvalidUserID
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	// Dedup is client-opt-in: a generated id has no earlier record to match
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	requestID := req.RequestID

	// Durable dedup: an existing record answers the request verbatim
	existing, err := o.repo.FindByRequestID(ctx, requestID)
	if err == nil {
		metrics.RecordDuplicate(ctx)
		o.log.InfoContext(ctx, "duplicate booking request answered from store",
			zap.String("request_id", requestID),
			zap.String("status", existing.Status.String()))
		return duplicateResult(existing, "booking request already processed"), nil, nil
	}
	if !errors.Is(err, domain.ErrSagaNotFound) {
		return failedResult(requestID, "saga store unavailable"), nil,
			fmt.Errorf("failed to check for existing saga: %w", err)
	}

	// Coordination dedup: an active snapshot means another admission for the
	// same request is still running
	snapshot, err := o.coord.GetActiveSaga(ctx, requestID)
	if err != nil {
		o.log.WarnContext(ctx, "active snapshot lookup failed, continuing",
			zap.String("request_id", requestID),
			zap.Error(err))
	} else if snapshot != nil {
		metrics.RecordDuplicate(ctx)
		return duplicateResult(snapshot, "booking request already in progress"), nil, nil
	}

	// The admission lock fails closed: a held lock and a store outage both
	// reject the request
	acquired, err := o.coord.AcquireLock(ctx, requestID, o.lockTTL)
	if err != nil {
		o.log.ErrorContext(ctx, "admission lock store error",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err != nil || !acquired {
		metrics.RecordRejection(ctx, "lock")
		return failedResult(requestID, "booking request is already being processed"), nil,
			domain.ErrLockNotAcquired
	}

	// The rate limit fails open: a coordination outage must not block bookings
	allowed, err := o.coord.CheckRateLimit(ctx, req.UserID, o.rateLimit)
	if err != nil {
		o.log.WarnContext(ctx, "rate limit check failed, allowing request",
			zap.String("user_id", req.UserID),
			zap.Error(err))
		allowed = true
	}
	if !allowed {
		o.finishAdmission(ctx, requestID)
		metrics.RecordRejection(ctx, "rate_limit")
		return failedResult(requestID, "Rate limit exceeded"), nil, domain.ErrRateLimitExceeded
	}

	original, err := json.Marshal(req)
	if err != nil {
		o.finishAdmission(ctx, requestID)
		return failedResult(requestID, "invalid booking request"), nil,
			fmt.Errorf("failed to marshal booking request: %w", err)
	}

	record := domain.NewSagaRecord(requestID, req.UserID, req.TotalAmount, original)
	if err := o.repo.Create(ctx, record); err != nil {
		defer o.finishAdmission(ctx, requestID)
		if errors.Is(err, domain.ErrSagaAlreadyExists) {
			// Lost the create race; the winner's record answers the request
			if winner, findErr := o.repo.FindByRequestID(ctx, requestID); findErr == nil {
				metrics.RecordDuplicate(ctx)
				return duplicateResult(winner, "booking request already processed"), nil, nil
			}
		}
		return failedResult(requestID, "could not create saga"), nil,
			fmt.Errorf("failed to create saga record: %w", err)
	}

	// Both best-effort: the durable record is authoritative
	if err := o.coord.CacheActiveSaga(ctx, record, o.activeTTL); err != nil {
		o.log.WarnContext(ctx, "failed to cache active saga",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if enqueue {
		if err := o.coord.EnqueuePending(ctx, requestID, record.CreatedAt); err != nil {
			o.log.WarnContext(ctx, "failed to enqueue pending saga",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}

	return nil, record, nil
}

// finishAdmission releases the admission lock and clears the active snapshot.
// It runs detached from the request context so finalisation still happens
// when the caller has gone away.
func (o *orchestrator) finishAdmission(ctx context.Context, requestID string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.coord.ReleaseLock(ctx, requestID); err != nil {
		o.log.WarnContext(ctx, "failed to release admission lock",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err := o.coord.ClearActiveSaga(ctx, requestID); err != nil {
		o.log.WarnContext(ctx, "failed to clear active snapshot",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// publishLegs runs MakeReservation for each leg in order. All legs are
// attempted even when one fails; the first error is returned.
func (o *orchestrator) publishLegs(ctx context.Context, req *domain.BookingRequest, legs []domain.Leg) error {
	var firstErr error
	for _, leg := range legs {
		if err := o.adapters[leg].MakeReservation(ctx, req); err != nil {
			o.log.ErrorContext(ctx, "failed to publish leg request",
				zap.String("request_id", req.RequestID),
				zap.String("leg", leg.String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Aggregate confirms the saga with a fresh booking id. It is invoked by
// whichever leg adapter observes the third confirmation; a concurrent
// aggregator losing the confirm race reloads and returns the winner's result.
func (o *orchestrator) Aggregate(ctx context.Context, requestID string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.aggregate")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	record, err := o.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load saga for aggregation: %w", err)
	}

	if !record.AllReservationIDsPresent() {
		o.recordSagaError(ctx, requestID, "incomplete reservation ids")
		span.SetStatus(codes.Error, "incomplete reservation ids")
		return nil, domain.ErrIncompleteReservations
	}

	bookingID := domain.NewBookingID()
	confirmed, err := o.repo.ConfirmWithBookingID(ctx, requestID, bookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingIDTaken) || errors.Is(err, domain.ErrSagaNotPending) {
			// Benign lost race: another aggregator confirmed first
			current, loadErr := o.repo.FindByRequestID(ctx, requestID)
			if loadErr == nil && current.Status == domain.StatusConfirmed {
				o.log.InfoContext(ctx, "aggregation raced, returning existing confirmation",
					zap.String("request_id", requestID),
					zap.String("booking_id", current.BookingID))
				return confirmedResult(current), nil
			}
		}
		o.recordSagaError(ctx, requestID, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to confirm saga: %w", err)
	}

	// Best-effort bookkeeping; the durable record is already CONFIRMED
	if err := o.coord.IncrementStep(ctx, requestID, domain.StepAggregated); err != nil {
		o.log.WarnContext(ctx, "failed to increment aggregated counter",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err := o.coord.RemovePending(ctx, requestID); err != nil {
		o.log.WarnContext(ctx, "failed to remove pending entry",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err := o.coord.Cleanup(ctx, requestID); err != nil {
		o.log.WarnContext(ctx, "failed to clean up coordination keys",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	metrics.RecordConfirmation(ctx, time.Since(confirmed.CreatedAt).Seconds())
	o.log.InfoContext(ctx, "booking saga confirmed",
		zap.String("request_id", requestID),
		zap.String("booking_id", confirmed.BookingID))

	o.notifier.Publish(ctx, notify.Confirmed(confirmed))

	return confirmedResult(confirmed), nil
}

// recordSagaError writes the error to the durable record and mirrors it into
// coordination metadata, both best-effort
func (o *orchestrator) recordSagaError(ctx context.Context, requestID, message string) {
	if err := o.repo.SetError(ctx, requestID, message, ""); err != nil {
		o.log.WarnContext(ctx, "failed to record saga error",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err := o.coord.SetMetadata(ctx, requestID, map[string]string{
		"error":   message,
		"errorAt": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		o.log.WarnContext(ctx, "failed to record saga error metadata",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func failedResult(requestID, message string) *Result {
	return &Result{
		RequestID:    requestID,
		Status:       domain.StatusFailed,
		ErrorMessage: message,
	}
}

func duplicateResult(record *domain.SagaRecord, message string) *Result {
	return &Result{
		RequestID:    record.RequestID,
		BookingID:    record.BookingID,
		Status:       record.Status,
		Message:      message,
		ErrorMessage: record.ErrorMessage,
		Duplicate:    true,
	}
}

func confirmedResult(record *domain.SagaRecord) *Result {
	return &Result{
		RequestID: record.RequestID,
		BookingID: record.BookingID,
		Status:    record.Status,
		Message:   "booking confirmed",
	}
}
