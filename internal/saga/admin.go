package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/metrics"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// Status resolves a saga by request id, falling back to booking id when no
// saga matches. The coordination snapshot is consulted first; concurrent
// lookups for the same id are collapsed through singleflight.
func (o *orchestrator) Status(ctx context.Context, id string) (*domain.SagaRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.ErrSagaNotFound
	}

	v, err, _ := o.sfGroup.Do(id, func() (interface{}, error) {
		if snapshot, err := o.coord.GetActiveSaga(ctx, id); err == nil && snapshot != nil {
			return snapshot, nil
		}
		record, err := o.repo.FindByRequestID(ctx, id)
		if errors.Is(err, domain.ErrSagaNotFound) {
			record, err = o.repo.FindByBookingID(ctx, id)
		}
		return record, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.SagaRecord), nil
}

// UserStats aggregates saga counts per status for one user
func (o *orchestrator) UserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidUserID
	}
	return o.repo.StatsByUser(ctx, userID)
}

// Recover republishes the leg requests a PENDING saga is missing, rebuilding
// the events from the stored original request. Terminal sagas only have their
// leftover queue entry cleared.
func (o *orchestrator) Recover(ctx context.Context, requestID string) (*RecoveryResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.recover")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	record, err := o.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			// Orphaned queue entry: drop it
			if remErr := o.coord.RemovePending(ctx, requestID); remErr != nil {
				o.log.WarnContext(ctx, "failed to remove orphaned pending entry",
					zap.String("request_id", requestID),
					zap.Error(remErr))
			}
		}
		return nil, err
	}

	if record.Status != domain.StatusPending {
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
		return &RecoveryResult{
			RequestID:   requestID,
			Status:      record.Status,
			Republished: []domain.Leg{},
		}, nil
	}

	missing := record.MissingRequestedLegs()
	if len(missing) == 0 {
		return &RecoveryResult{
			RequestID:   requestID,
			Status:      record.Status,
			Republished: []domain.Leg{},
		}, nil
	}

	var req domain.BookingRequest
	if err := json.Unmarshal(record.OriginalRequest, &req); err != nil {
		return nil, fmt.Errorf("failed to decode original request: %w", err)
	}
	req.RequestID = requestID

	if err := o.publishLegs(ctx, &req, missing); err != nil {
		return nil, err
	}

	metrics.RecordRepublish(ctx, int64(len(missing)))
	o.log.InfoContext(ctx, "republished missing leg requests",
		zap.String("request_id", requestID),
		zap.Int("legs", len(missing)))

	return &RecoveryResult{
		RequestID:   requestID,
		Status:      record.Status,
		Republished: missing,
	}, nil
}

// ForceFail transitions a non-terminal saga to FAILED, records the reason and
// notifies subscribers. Terminal sagas are rejected.
func (o *orchestrator) ForceFail(ctx context.Context, requestID, reason string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.force_fail")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	record, err := o.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, domain.ErrInvalidStatusTransition
	}

	if err := o.repo.UpdateStatus(ctx, requestID, domain.StatusFailed); err != nil {
		return nil, fmt.Errorf("failed to fail saga: %w", err)
	}
	o.recordSagaError(ctx, requestID, reason)

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

	metrics.RecordFailure(ctx, "forced")
	o.log.WarnContext(ctx, "saga forced to FAILED",
		zap.String("request_id", requestID),
		zap.String("reason", reason))

	o.notifier.Publish(ctx, notify.Failed(requestID, domain.StatusFailed, reason))

	return &Result{
		RequestID:    requestID,
		Status:       domain.StatusFailed,
		ErrorMessage: reason,
	}, nil
}

// StuckSagas lists pending-queue entries admitted before olderThan, enriched
// with the durable state where it exists
func (o *orchestrator) StuckSagas(ctx context.Context, olderThan time.Time, limit int) ([]*StuckSaga, error) {
	ids, err := o.coord.PendingOlderThan(ctx, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending queue: %w", err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*StuckSaga, 0, len(ids))
	for _, id := range ids {
		stuck := &StuckSaga{RequestID: id}
		if since, err := o.coord.PendingSince(ctx, id); err == nil && since != nil {
			stuck.AdmittedAt = *since
		}
		if record, err := o.repo.FindByRequestID(ctx, id); err == nil {
			stuck.Status = record.Status
			stuck.MissingLegs = record.MissingRequestedLegs()
		}
		out = append(out, stuck)
	}
	return out, nil
}

// Diagnostics assembles the durable record together with the advisory
// coordination state. Coordination reads are best-effort.
func (o *orchestrator) Diagnostics(ctx context.Context, requestID string) (*SagaDiagnostics, error) {
	record, err := o.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	diag := &SagaDiagnostics{Record: record}
	if snapshot, err := o.coord.GetActiveSaga(ctx, requestID); err == nil {
		diag.ActiveSnapshot = snapshot != nil
	}
	if held, err := o.coord.LockHeld(ctx, requestID); err == nil {
		diag.LockHeld = held
	}
	if steps, err := o.coord.GetSteps(ctx, requestID); err == nil && len(steps) > 0 {
		diag.Steps = steps
	}
	if meta, err := o.coord.GetMetadata(ctx, requestID); err == nil && len(meta) > 0 {
		diag.Metadata = meta
	}
	if since, err := o.coord.PendingSince(ctx, requestID); err == nil {
		diag.PendingSince = since
	}
	return diag, nil
}

// DeadLetters lists stored compensation failures, newest first
func (o *orchestrator) DeadLetters(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error) {
	return o.deadLetters.List(ctx, processed, limit)
}

// ResolveDeadLetter marks a dead letter as handled
func (o *orchestrator) ResolveDeadLetter(ctx context.Context, id int64) error {
	return o.deadLetters.MarkProcessed(ctx, id)
}
