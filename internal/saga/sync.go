package saga

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/metrics"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// ExecuteSync books all three legs through direct downstream calls in the
// order flight, hotel, car. On the first failure it compensates the legs
// already held in strict reverse order. Sync sagas finish within the request
// and are never enqueued for the sweeper.
func (o *orchestrator) ExecuteSync(ctx context.Context, req *domain.BookingRequest) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.execute_sync")
	defer span.End()

	start := time.Now()

	result, record, err := o.admit(ctx, req, false)
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

	metrics.RecordAdmission(ctx, time.Since(start).Seconds())

	reservations, resErr := o.reserveSyncLegs(ctx, req)
	if resErr != nil {
		span.SetStatus(codes.Error, resErr.Error())
		return o.compensate(ctx, requestID, reservations, resErr)
	}

	return o.Aggregate(ctx, requestID)
}

// reserveSyncLegs reserves the legs in order, recording each reservation id
// on the durable record as it is obtained. It returns the reservations held
// so far together with the first failure.
func (o *orchestrator) reserveSyncLegs(ctx context.Context, req *domain.BookingRequest) ([]domain.LegReservation, error) {
	reservations := make([]domain.LegReservation, 0, 3)
	for _, leg := range domain.AllLegs() {
		reservationID, err := o.reserveLeg(ctx, leg, req)
		if err != nil {
			return reservations, fmt.Errorf("failed to reserve %s: %w", leg, err)
		}

		held := domain.LegReservation{
			Leg:           leg,
			ReservationID: reservationID,
			Status:        domain.LegStatusConfirmed,
			Amount:        req.LegAmount(leg),
		}

		if _, err := o.repo.SetReservationID(ctx, leg, req.RequestID, reservationID, leg.ConfirmedMarker()); err != nil {
			// The downstream hold exists even though it was not recorded;
			// hand it to compensation
			reservations = append(reservations, held)
			return reservations, fmt.Errorf("failed to record %s reservation: %w", leg, err)
		}

		o.log.InfoContext(ctx, "leg reserved",
			zap.String("request_id", req.RequestID),
			zap.String("leg", leg.String()),
			zap.String("reservation_id", reservationID))
		reservations = append(reservations, held)
	}
	return reservations, nil
}

// reserveLeg calls the downstream service matching the leg
func (o *orchestrator) reserveLeg(ctx context.Context, leg domain.Leg, req *domain.BookingRequest) (string, error) {
	switch ev := domain.RequestedEvent(leg, req).(type) {
	case *domain.FlightRequestedEvent:
		return o.services.Flight.Reserve(ctx, ev)
	case *domain.HotelRequestedEvent:
		return o.services.Hotel.Reserve(ctx, ev)
	case *domain.CarRequestedEvent:
		return o.services.Car.Reserve(ctx, ev)
	}
	return "", fmt.Errorf("unknown leg %q", leg)
}

// compensate cancels the held reservations in strict reverse order. Each
// cancellation is independent: failures are dead-lettered and the saga still
// reaches COMPENSATED once every attempted leg is finalised.
func (o *orchestrator) compensate(ctx context.Context, requestID string, reservations []domain.LegReservation, cause error) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.orchestrator.compensate")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("reservations", len(reservations)),
	)

	held := make(map[domain.Leg]string, len(reservations))
	for _, r := range reservations {
		if r.ReservationID != "" {
			held[r.Leg] = r.ReservationID
		}
	}

	if len(held) == 0 {
		// Nothing to unwind; the saga fails outright
		if err := o.repo.UpdateStatus(ctx, requestID, domain.StatusFailed); err != nil {
			o.log.ErrorContext(ctx, "failed to mark saga failed",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
		o.recordSagaError(ctx, requestID, cause.Error())
		metrics.RecordFailure(ctx, "sync_reservation")
		o.notifier.Publish(ctx, notify.Failed(requestID, domain.StatusFailed, cause.Error()))
		return &Result{
			RequestID:    requestID,
			Status:       domain.StatusFailed,
			ErrorMessage: cause.Error(),
		}, nil
	}

	o.log.WarnContext(ctx, "compensating booking saga",
		zap.String("request_id", requestID),
		zap.Int("reservations", len(held)),
		zap.Error(cause))

	if err := o.repo.UpdateStatus(ctx, requestID, domain.StatusCompensating); err != nil {
		// Compensation could not be initiated
		o.recordSagaError(ctx, requestID, cause.Error())
		if failErr := o.repo.UpdateStatus(ctx, requestID, domain.StatusFailed); failErr != nil {
			o.log.ErrorContext(ctx, "failed to mark saga failed after compensation init error",
				zap.String("request_id", requestID),
				zap.Error(failErr))
		}
		metrics.RecordFailure(ctx, "compensation_init")
		span.SetStatus(codes.Error, err.Error())
		o.notifier.Publish(ctx, notify.Failed(requestID, domain.StatusFailed, cause.Error()))
		result := &Result{
			RequestID:    requestID,
			Status:       domain.StatusFailed,
			ErrorMessage: cause.Error(),
		}
		return result, fmt.Errorf("failed to start compensation: %w", err)
	}

	metrics.RecordCompensation(ctx)

	for _, leg := range domain.CompensationOrder() {
		reservationID, ok := held[leg]
		if !ok {
			continue
		}
		if err := o.adapters[leg].CancelReservation(ctx, reservationID); err != nil {
			o.deadLetterCancellation(ctx, requestID, leg, reservationID, err)
			continue
		}
		o.log.InfoContext(ctx, "reservation cancelled",
			zap.String("request_id", requestID),
			zap.String("leg", leg.String()),
			zap.String("reservation_id", reservationID))
	}

	if err := o.repo.UpdateStatus(ctx, requestID, domain.StatusCompensated); err != nil {
		o.log.ErrorContext(ctx, "failed to mark saga compensated",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	o.recordSagaError(ctx, requestID, cause.Error())
	if err := o.coord.Cleanup(ctx, requestID); err != nil {
		o.log.WarnContext(ctx, "failed to clean up coordination keys",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	metrics.RecordFailure(ctx, "compensated")
	o.notifier.Publish(ctx, notify.Failed(requestID, domain.StatusCompensated, cause.Error()))

	return &Result{
		RequestID:    requestID,
		Status:       domain.StatusCompensated,
		ErrorMessage: cause.Error(),
	}, nil
}

// deadLetterCancellation stores a failed cancellation durably and mirrors it
// onto the compensation.failed topic for external consumers
func (o *orchestrator) deadLetterCancellation(ctx context.Context, requestID string, leg domain.Leg, reservationID string, cause error) {
	o.log.ErrorContext(ctx, "compensation failed, dead-lettering",
		zap.String("request_id", requestID),
		zap.String("leg", leg.String()),
		zap.String("reservation_id", reservationID),
		zap.Error(cause))

	letter := domain.NewDeadLetter(requestID, leg, reservationID, cause.Error(), "")
	if err := o.deadLetters.Insert(ctx, letter); err != nil {
		o.log.ErrorContext(ctx, "failed to store dead letter",
			zap.String("request_id", requestID),
			zap.String("leg", leg.String()),
			zap.Error(err))
	}
	if err := o.publisher.PublishCompensationFailed(ctx, letter.Event()); err != nil {
		o.log.ErrorContext(ctx, "failed to publish compensation failure",
			zap.String("request_id", requestID),
			zap.String("leg", leg.String()),
			zap.Error(err))
	}

	metrics.RecordCompensationFailure(ctx, leg.String())
	metrics.RecordDeadLetter(ctx, leg.String())
}
