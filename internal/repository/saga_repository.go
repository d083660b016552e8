package repository

import (
	"context"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// SagaRepository defines the durable saga store. Postgres is the source of
// truth; the coordination store never overrides it.
type SagaRepository interface {
	// Create inserts a new PENDING saga record. A duplicate requestId returns
	// domain.ErrSagaAlreadyExists.
	Create(ctx context.Context, record *domain.SagaRecord) error

	// FindByRequestID loads a saga by its requestId
	FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error)

	// FindByBookingID loads a saga by its assigned bookingId
	FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error)

	// UpdateStatus transitions the saga, enforcing the state machine in the
	// store. Illegal transitions return domain.ErrInvalidStatusTransition.
	UpdateStatus(ctx context.Context, requestID string, status domain.Status) error

	// AddStep appends a marker to completedSteps if absent. Used for the
	// _requested markers the sweeper consults; idempotent.
	AddStep(ctx context.Context, requestID, marker string) error

	// SetReservationID sets the leg's reservation id and appends the marker in
	// one atomic statement. Idempotent. Returns the post-update record so the
	// caller can inspect completedSteps for the join point.
	SetReservationID(ctx context.Context, leg domain.Leg, requestID, reservationID, marker string) (*domain.SagaRecord, error)

	// ConfirmWithBookingID atomically assigns the bookingId, moves the saga to
	// CONFIRMED and appends the aggregated marker. A bookingId collision
	// returns domain.ErrBookingIDTaken; a saga no longer PENDING returns
	// domain.ErrSagaNotPending. Both mean another aggregator won the race.
	ConfirmWithBookingID(ctx context.Context, requestID, bookingID string) (*domain.SagaRecord, error)

	// SetError records error metadata without changing status
	SetError(ctx context.Context, requestID, errMessage, errStack string) error

	// FindPending returns PENDING sagas created before olderThan, oldest first
	FindPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SagaRecord, error)

	// StatsByUser aggregates saga counts per status for one user
	StatsByUser(ctx context.Context, userID string) (*domain.UserStats, error)
}

// DeadLetterRepository stores compensation failures for manual intervention
type DeadLetterRepository interface {
	// Insert stores a dead letter and fills in its assigned id
	Insert(ctx context.Context, letter *domain.DeadLetter) error

	// List returns dead letters filtered by processed flag, newest first
	List(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error)

	// MarkProcessed flags a dead letter as handled
	MarkProcessed(ctx context.Context, id int64) error
}
