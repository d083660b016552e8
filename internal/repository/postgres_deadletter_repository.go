package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// PostgresDeadLetterRepository implements DeadLetterRepository using PostgreSQL
type PostgresDeadLetterRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetterRepository creates a new PostgresDeadLetterRepository
func NewPostgresDeadLetterRepository(pool *pgxpool.Pool) *PostgresDeadLetterRepository {
	return &PostgresDeadLetterRepository{pool: pool}
}

// Insert stores a dead letter and fills in its assigned id
func (r *PostgresDeadLetterRepository) Insert(ctx context.Context, letter *domain.DeadLetter) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.deadletter.insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("request_id", letter.RequestID),
		attribute.String("leg", letter.Leg.String()),
	)

	query := `
		INSERT INTO dead_letters (
			request_id, leg, reservation_id, error_message, error_stack,
			retry_count, processed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		letter.RequestID,
		letter.Leg.String(),
		letter.ReservationID,
		letter.ErrorMessage,
		nullString(letter.ErrorStack),
		letter.RetryCount,
		letter.Processed,
		letter.CreatedAt,
	).Scan(&letter.ID)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// List returns dead letters filtered by processed flag, newest first
func (r *PostgresDeadLetterRepository) List(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.deadletter.list")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("processed", processed),
		attribute.Int("limit", limit),
	)

	query := `
		SELECT id, request_id, leg, reservation_id, error_message, error_stack,
			retry_count, processed, created_at
		FROM dead_letters
		WHERE processed = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, processed, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*domain.DeadLetter
	for rows.Next() {
		letter := &domain.DeadLetter{}
		var leg string
		var errorStack *string
		if err := rows.Scan(
			&letter.ID,
			&letter.RequestID,
			&leg,
			&letter.ReservationID,
			&letter.ErrorMessage,
			&errorStack,
			&letter.RetryCount,
			&letter.Processed,
			&letter.CreatedAt,
		); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letter.Leg = domain.Leg(leg)
		if errorStack != nil {
			letter.ErrorStack = *errorStack
		}
		letters = append(letters, letter)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("count", len(letters)))
	return letters, nil
}

// MarkProcessed flags a dead letter as handled
func (r *PostgresDeadLetterRepository) MarkProcessed(ctx context.Context, id int64) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.deadletter.mark_processed")
	defer span.End()

	span.SetAttributes(attribute.Int64("dead_letter_id", id))

	query := `UPDATE dead_letters SET processed = TRUE WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dead letter processed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return domain.ErrDeadLetterNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
