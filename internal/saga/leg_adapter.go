package saga

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/repository"
	"github.com/daniel-wolfson/travel-saga/internal/service"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// AggregateFunc confirms a saga once all three legs are confirmed. Adapters
// receive it as a function value instead of the whole orchestrator.
type AggregateFunc func(ctx context.Context, requestID string) error

// LegAdapter executes one leg's reservation protocol: it publishes the leg's
// requested events, applies inbound confirmations and cancels the downstream
// reservation during compensation.
type LegAdapter struct {
	leg       domain.Leg
	repo      repository.SagaRepository
	coord     repository.CoordinationStore
	publisher EventPublisher
	canceller service.Canceller
	aggregate AggregateFunc
	notifier  Notifier
	log       *logger.Logger
}

// NewLegAdapter creates the adapter for one reservation leg
func NewLegAdapter(
	leg domain.Leg,
	repo repository.SagaRepository,
	coord repository.CoordinationStore,
	publisher EventPublisher,
	canceller service.Canceller,
	aggregate AggregateFunc,
	notifier Notifier,
	log *logger.Logger,
) *LegAdapter {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = logger.Get()
	}
	return &LegAdapter{
		leg:       leg,
		repo:      repo,
		coord:     coord,
		publisher: publisher,
		canceller: canceller,
		aggregate: aggregate,
		notifier:  notifier,
		log:       log,
	}
}

// Leg returns the leg this adapter serves
func (a *LegAdapter) Leg() domain.Leg {
	return a.leg
}

// MakeReservation publishes the leg's reservation request and records the
// requested marker. The marker writes are best-effort; a missed marker only
// means the sweeper may republish the leg.
func (a *LegAdapter) MakeReservation(ctx context.Context, req *domain.BookingRequest) error {
	if err := a.publisher.PublishRequested(ctx, a.leg, req); err != nil {
		return fmt.Errorf("failed to publish %s request: %w", a.leg, err)
	}
	if err := a.repo.AddStep(ctx, req.RequestID, a.leg.RequestedMarker()); err != nil {
		a.log.WarnContext(ctx, "failed to record published leg",
			zap.String("request_id", req.RequestID),
			zap.String("leg", a.leg.String()),
			zap.Error(err))
	}
	if err := a.coord.IncrementStep(ctx, req.RequestID, a.leg.RequestedMarker()); err != nil {
		a.log.WarnContext(ctx, "failed to increment step counter",
			zap.String("request_id", req.RequestID),
			zap.String("leg", a.leg.String()),
			zap.Error(err))
	}
	return nil
}

// CancelReservation cancels the downstream reservation for this leg
func (a *LegAdapter) CancelReservation(ctx context.Context, reservationID string) error {
	if a.canceller == nil {
		return fmt.Errorf("no cancellation client for %s", a.leg)
	}
	if err := a.canceller.Cancel(ctx, reservationID); err != nil {
		return fmt.Errorf("failed to cancel %s reservation %s: %w", a.leg, reservationID, err)
	}
	return nil
}

// ConfirmReservation applies an inbound confirmation: it atomically records
// the reservation id together with the confirmed marker, then tests the join
// point against the post-update steps. The delivery that completes the third
// leg triggers aggregation; duplicates after that resolve benignly inside
// Aggregate. A non-nil return means the delivery must not be committed.
func (a *LegAdapter) ConfirmReservation(ctx context.Context, ev *domain.ReservationConfirmedEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "saga.adapter.confirm_reservation")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", ev.RequestID),
		attribute.String("leg", a.leg.String()),
	)

	if err := ev.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record, err := a.repo.SetReservationID(ctx, a.leg, ev.RequestID, ev.ReservationID, a.leg.ConfirmedMarker())
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			// A confirmation without a saga can never succeed; drop it
			a.log.WarnContext(ctx, "confirmation for unknown saga dropped",
				zap.String("request_id", ev.RequestID),
				zap.String("leg", a.leg.String()),
				zap.String("reservation_id", ev.ReservationID))
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		a.notifyFailure(ctx, ev.RequestID, err)
		return fmt.Errorf("failed to record %s confirmation: %w", a.leg, err)
	}

	if err := a.coord.IncrementStep(ctx, ev.RequestID, a.leg.ConfirmedMarker()); err != nil {
		a.log.WarnContext(ctx, "failed to increment step counter",
			zap.String("request_id", ev.RequestID),
			zap.String("leg", a.leg.String()),
			zap.Error(err))
	}

	a.log.InfoContext(ctx, "reservation confirmed",
		zap.String("request_id", ev.RequestID),
		zap.String("leg", a.leg.String()),
		zap.String("reservation_id", ev.ReservationID))

	if record.Status != domain.StatusPending {
		// The saga already concluded; the late reservation id stays on the
		// record for operators, nothing else happens
		a.log.WarnContext(ctx, "confirmation for concluded saga ignored",
			zap.String("request_id", ev.RequestID),
			zap.String("status", record.Status.String()),
			zap.String("leg", a.leg.String()))
		return nil
	}

	// Join point: decided from the post-update durable steps, never from
	// locally counted deliveries
	if !record.AllLegsConfirmed() {
		return nil
	}

	if err := a.aggregate(ctx, ev.RequestID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		a.notifyFailure(ctx, ev.RequestID, err)
		return fmt.Errorf("failed to aggregate saga: %w", err)
	}
	return nil
}

func (a *LegAdapter) notifyFailure(ctx context.Context, requestID string, cause error) {
	a.notifier.Publish(ctx, notify.Failed(requestID, domain.StatusPending, cause.Error()))
}
