package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

const sagaColumns = `
	request_id, booking_id, user_id, total_amount, original_request, status,
	flight_reservation_id, hotel_reservation_id, car_reservation_id,
	completed_steps, error_message, error_stack, created_at, updated_at`

// PostgresSagaRepository implements SagaRepository using PostgreSQL with pgxpool
type PostgresSagaRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(pool *pgxpool.Pool) *PostgresSagaRepository {
	return &PostgresSagaRepository{pool: pool}
}

// Create inserts a new saga record
func (r *PostgresSagaRepository) Create(ctx context.Context, record *domain.SagaRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", record.RequestID),
		attribute.String("user_id", record.UserID),
	)

	query := `
		INSERT INTO saga_records (
			request_id, user_id, total_amount, original_request, status,
			completed_steps, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		record.RequestID,
		record.UserID,
		record.TotalAmount,
		record.OriginalRequest,
		record.Status.String(),
		record.CompletedSteps,
		record.CreatedAt,
		record.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "duplicate request_id")
			return domain.ErrSagaAlreadyExists
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create saga record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// FindByRequestID retrieves a saga by its request id
func (r *PostgresSagaRepository) FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.find_by_request_id")
	defer span.End()

	span.SetAttributes(attribute.String("request_id", requestID))

	query := `SELECT` + sagaColumns + ` FROM saga_records WHERE request_id = $1`

	record, err := scanSaga(r.pool.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find saga by request id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// FindByBookingID retrieves a saga by its assigned booking id
func (r *PostgresSagaRepository) FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.find_by_booking_id")
	defer span.End()

	span.SetAttributes(attribute.String("booking_id", bookingID))

	query := `SELECT` + sagaColumns + ` FROM saga_records WHERE booking_id = $1`

	record, err := scanSaga(r.pool.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find saga by booking id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// UpdateStatus transitions the saga status, enforcing legal transitions at
// the store so concurrent writers cannot resurrect a terminal saga
func (r *PostgresSagaRepository) UpdateStatus(ctx context.Context, requestID string, status domain.Status) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.update_status")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("status", status.String()),
	)

	query := `
		UPDATE saga_records
		SET status = $2, updated_at = NOW()
		WHERE request_id = $1 AND status = ANY($3)
	`

	tag, err := r.pool.Exec(ctx, query, requestID, status.String(), transitionSources(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update saga status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing saga from an illegal transition
		if _, findErr := r.FindByRequestID(ctx, requestID); findErr != nil {
			span.SetStatus(codes.Error, "not found")
			return domain.ErrSagaNotFound
		}
		span.SetStatus(codes.Error, "invalid transition")
		return domain.ErrInvalidStatusTransition
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// AddStep appends a marker to completedSteps if absent
func (r *PostgresSagaRepository) AddStep(ctx context.Context, requestID, marker string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.add_step")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("marker", marker),
	)

	query := `
		UPDATE saga_records
		SET completed_steps = CASE
				WHEN $2 = ANY(completed_steps) THEN completed_steps
				ELSE array_append(completed_steps, $2)
			END,
			updated_at = NOW()
		WHERE request_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, requestID, marker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to add step marker: %w", err)
	}

	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return domain.ErrSagaNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// SetReservationID sets the leg's reservation id column and appends the step
// marker in a single statement. Re-applying the same confirmation leaves the
// record unchanged. The returned record carries the post-update steps.
func (r *PostgresSagaRepository) SetReservationID(ctx context.Context, leg domain.Leg, requestID, reservationID, marker string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.set_reservation_id")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("leg", leg.String()),
		attribute.String("marker", marker),
	)

	column, err := reservationColumn(leg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE saga_records
		SET %s = $2,
			completed_steps = CASE
				WHEN $3 = ANY(completed_steps) THEN completed_steps
				ELSE array_append(completed_steps, $3)
			END,
			updated_at = NOW()
		WHERE request_id = $1
		RETURNING`+sagaColumns, column)

	record, err := scanSaga(r.pool.QueryRow(ctx, query, requestID, reservationID, marker))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to set reservation id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// ConfirmWithBookingID assigns the booking id, moves the saga to CONFIRMED
// and appends the aggregated marker atomically. The partial unique index on
// booking_id serialises concurrent aggregators: the loser sees either a
// unique violation or zero rows, both reported distinctly as a lost race.
func (r *PostgresSagaRepository) ConfirmWithBookingID(ctx context.Context, requestID, bookingID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.confirm_with_booking_id")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("booking_id", bookingID),
	)

	query := `
		UPDATE saga_records
		SET booking_id = $2,
			status = $3,
			completed_steps = CASE
				WHEN $4 = ANY(completed_steps) THEN completed_steps
				ELSE array_append(completed_steps, $4)
			END,
			updated_at = NOW()
		WHERE request_id = $1 AND status = $5
		RETURNING` + sagaColumns

	record, err := scanSaga(r.pool.QueryRow(ctx, query,
		requestID,
		bookingID,
		domain.StatusConfirmed.String(),
		domain.StepAggregated,
		domain.StatusPending.String(),
	))

	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "booking id taken")
			return nil, domain.ErrBookingIDTaken
		}
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not pending")
			return nil, domain.ErrSagaNotPending
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to confirm saga: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// SetError records error metadata on the saga without changing its status
func (r *PostgresSagaRepository) SetError(ctx context.Context, requestID, errMessage, errStack string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.set_error")
	defer span.End()

	span.SetAttributes(attribute.String("request_id", requestID))

	query := `
		UPDATE saga_records
		SET error_message = $2, error_stack = $3, updated_at = NOW()
		WHERE request_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, requestID, errMessage, nullString(errStack))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set saga error: %w", err)
	}

	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return domain.ErrSagaNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// FindPending returns PENDING sagas created before olderThan, oldest first
func (r *PostgresSagaRepository) FindPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.find_pending")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := `
		SELECT` + sagaColumns + `
		FROM saga_records
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, domain.StatusPending.String(), olderThan, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find pending sagas: %w", err)
	}
	defer rows.Close()

	var records []*domain.SagaRecord
	for rows.Next() {
		record, err := scanSaga(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan pending saga: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to iterate pending sagas: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("count", len(records)))
	return records, nil
}

// StatsByUser aggregates saga counts per status for one user
func (r *PostgresSagaRepository) StatsByUser(ctx context.Context, userID string) (*domain.UserStats, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.stats_by_user")
	defer span.End()

	span.SetAttributes(attribute.String("user_id", userID))

	query := `
		SELECT status, COUNT(*)
		FROM saga_records
		WHERE user_id = $1
		GROUP BY status
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to aggregate user stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.UserStats{
		UserID: userID,
		Counts: make(map[domain.Status]int64),
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan user stats: %w", err)
		}
		stats.Counts[domain.Status(status)] = count
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to iterate user stats: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return stats, nil
}

// scanSaga scans one saga row. Works for both QueryRow and Query results.
func scanSaga(row pgx.Row) (*domain.SagaRecord, error) {
	record := &domain.SagaRecord{}
	var (
		bookingID    *string
		flightResID  *string
		hotelResID   *string
		carResID     *string
		errorMessage *string
		errorStack   *string
		status       string
	)

	err := row.Scan(
		&record.RequestID,
		&bookingID,
		&record.UserID,
		&record.TotalAmount,
		&record.OriginalRequest,
		&status,
		&flightResID,
		&hotelResID,
		&carResID,
		&record.CompletedSteps,
		&errorMessage,
		&errorStack,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = domain.Status(status)
	if bookingID != nil {
		record.BookingID = *bookingID
	}
	if flightResID != nil {
		record.FlightReservationID = *flightResID
	}
	if hotelResID != nil {
		record.HotelReservationID = *hotelResID
	}
	if carResID != nil {
		record.CarReservationID = *carResID
	}
	if errorMessage != nil {
		record.ErrorMessage = *errorMessage
	}
	if errorStack != nil {
		record.ErrorStack = *errorStack
	}
	if record.CompletedSteps == nil {
		record.CompletedSteps = []string{}
	}

	return record, nil
}

// reservationColumn maps a leg to its reservation id column
func reservationColumn(leg domain.Leg) (string, error) {
	switch leg {
	case domain.LegFlight:
		return "flight_reservation_id", nil
	case domain.LegHotel:
		return "hotel_reservation_id", nil
	case domain.LegCar:
		return "car_reservation_id", nil
	}
	return "", fmt.Errorf("unknown leg: %s", leg)
}

// transitionSources returns the statuses allowed to transition into target
func transitionSources(target domain.Status) []string {
	all := []domain.Status{
		domain.StatusPending,
		domain.StatusConfirmed,
		domain.StatusCompensating,
		domain.StatusCompensated,
		domain.StatusFailed,
	}

	var sources []string
	for _, from := range all {
		if from.CanTransitionTo(target) {
			sources = append(sources, from.String())
		}
	}
	return sources
}

// isUniqueViolation checks for a Postgres unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullString converts empty strings to nil for nullable columns
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
