package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

func skipIfNoIntegration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run.")
	}
}

func getPostgresPool(t *testing.T) *pgxpool.Pool {
	skipIfNoIntegration(t)

	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("TEST_POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("TEST_POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("TEST_POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("TEST_POSTGRES_DB")
	if dbname == "" {
		dbname = "travel_saga_test"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, dbname)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping PostgreSQL: %v", err)
	}

	createTestSchema(t, pool)
	return pool
}

func createTestSchema(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saga_records (
			request_id VARCHAR(64) PRIMARY KEY,
			booking_id VARCHAR(32),
			user_id VARCHAR(64) NOT NULL,
			total_amount DECIMAL(12,2) NOT NULL,
			original_request JSONB,
			status VARCHAR(20) NOT NULL,
			flight_reservation_id VARCHAR(64),
			hotel_reservation_id VARCHAR(64),
			car_reservation_id VARCHAR(64),
			completed_steps TEXT[] NOT NULL DEFAULT '{}',
			error_message TEXT,
			error_stack TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create saga_records table: %v", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_records_booking_id
		ON saga_records (booking_id) WHERE booking_id IS NOT NULL
	`)
	if err != nil {
		t.Fatalf("Failed to create booking_id index: %v", err)
	}
}

func newTestRecord(t *testing.T) *domain.SagaRecord {
	t.Helper()
	requestID := "test-" + uuid.NewString()
	return domain.NewSagaRecord(requestID, "test-user", 1000, []byte(`{"userId":"test-user"}`))
}

func TestPostgresSagaRepository_CreateAndFind(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	record := newTestRecord(t)
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Duplicate create must report the conflict sentinel
	if err := repo.Create(ctx, record); !errors.Is(err, domain.ErrSagaAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrSagaAlreadyExists", err)
	}

	got, err := repo.FindByRequestID(ctx, record.RequestID)
	if err != nil {
		t.Fatalf("FindByRequestID() error = %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("Status = %s, want %s", got.Status, domain.StatusPending)
	}
	if len(got.CompletedSteps) != 0 {
		t.Errorf("CompletedSteps = %v, want empty", got.CompletedSteps)
	}
}

func TestPostgresSagaRepository_FindByRequestID_NotFound(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)

	_, err := repo.FindByRequestID(context.Background(), "test-missing-"+uuid.NewString())
	if !errors.Is(err, domain.ErrSagaNotFound) {
		t.Errorf("FindByRequestID() error = %v, want ErrSagaNotFound", err)
	}
}

func TestPostgresSagaRepository_AddStep(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	record := newTestRecord(t)
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.AddStep(ctx, record.RequestID, "hotel_requested"); err != nil {
		t.Fatalf("AddStep() error = %v", err)
	}
	// Re-applying the same marker must not duplicate it
	if err := repo.AddStep(ctx, record.RequestID, "hotel_requested"); err != nil {
		t.Fatalf("AddStep() repeat error = %v", err)
	}

	got, err := repo.FindByRequestID(ctx, record.RequestID)
	if err != nil {
		t.Fatalf("FindByRequestID() error = %v", err)
	}
	if len(got.CompletedSteps) != 1 || got.CompletedSteps[0] != "hotel_requested" {
		t.Errorf("CompletedSteps = %v, want [hotel_requested]", got.CompletedSteps)
	}

	if err := repo.AddStep(ctx, "test-missing-"+uuid.NewString(), "hotel_requested"); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Errorf("AddStep() on missing saga error = %v, want ErrSagaNotFound", err)
	}
}

func TestPostgresSagaRepository_SetReservationID(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	record := newTestRecord(t)
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := repo.SetReservationID(ctx, domain.LegFlight, record.RequestID, "FL-123", "flight_confirmed")
	if err != nil {
		t.Fatalf("SetReservationID() error = %v", err)
	}
	if updated.FlightReservationID != "FL-123" {
		t.Errorf("FlightReservationID = %q, want %q", updated.FlightReservationID, "FL-123")
	}
	if !updated.HasStep("flight_confirmed") {
		t.Errorf("CompletedSteps = %v, want flight_confirmed present", updated.CompletedSteps)
	}

	// Redelivery of the same confirmation must not duplicate the marker
	again, err := repo.SetReservationID(ctx, domain.LegFlight, record.RequestID, "FL-123", "flight_confirmed")
	if err != nil {
		t.Fatalf("SetReservationID() redelivery error = %v", err)
	}
	if len(again.CompletedSteps) != len(updated.CompletedSteps) {
		t.Errorf("redelivery appended a duplicate marker: %v", again.CompletedSteps)
	}
}

func TestPostgresSagaRepository_ConfirmWithBookingID(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	record := newTestRecord(t)
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	bookingID := domain.NewBookingID()
	confirmed, err := repo.ConfirmWithBookingID(ctx, record.RequestID, bookingID)
	if err != nil {
		t.Fatalf("ConfirmWithBookingID() error = %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Errorf("Status = %s, want %s", confirmed.Status, domain.StatusConfirmed)
	}
	if confirmed.BookingID != bookingID {
		t.Errorf("BookingID = %q, want %q", confirmed.BookingID, bookingID)
	}
	if !confirmed.HasStep(domain.StepAggregated) {
		t.Errorf("CompletedSteps = %v, want aggregated present", confirmed.CompletedSteps)
	}

	// Losing aggregator: saga no longer PENDING
	_, err = repo.ConfirmWithBookingID(ctx, record.RequestID, domain.NewBookingID())
	if !errors.Is(err, domain.ErrSagaNotPending) {
		t.Errorf("second ConfirmWithBookingID() error = %v, want ErrSagaNotPending", err)
	}

	// Losing aggregator: booking id collision on another pending saga
	other := newTestRecord(t)
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = repo.ConfirmWithBookingID(ctx, other.RequestID, bookingID)
	if !errors.Is(err, domain.ErrBookingIDTaken) {
		t.Errorf("colliding ConfirmWithBookingID() error = %v, want ErrBookingIDTaken", err)
	}
}

func TestPostgresSagaRepository_UpdateStatus(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	record := newTestRecord(t)
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateStatus(ctx, record.RequestID, domain.StatusCompensating); err != nil {
		t.Fatalf("UpdateStatus(COMPENSATING) error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, record.RequestID, domain.StatusCompensated); err != nil {
		t.Fatalf("UpdateStatus(COMPENSATED) error = %v", err)
	}

	// Terminal state must absorb further transitions
	err := repo.UpdateStatus(ctx, record.RequestID, domain.StatusConfirmed)
	if !errors.Is(err, domain.ErrInvalidStatusTransition) {
		t.Errorf("UpdateStatus() from terminal = %v, want ErrInvalidStatusTransition", err)
	}

	err = repo.UpdateStatus(ctx, "test-missing-"+uuid.NewString(), domain.StatusFailed)
	if !errors.Is(err, domain.ErrSagaNotFound) {
		t.Errorf("UpdateStatus() missing saga = %v, want ErrSagaNotFound", err)
	}
}

func TestPostgresSagaRepository_StatsByUser(t *testing.T) {
	pool := getPostgresPool(t)
	defer pool.Close()

	repo := NewPostgresSagaRepository(pool)
	ctx := context.Background()

	userID := "test-stats-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		record := domain.NewSagaRecord("test-"+uuid.NewString(), userID, 500, nil)
		if err := repo.Create(ctx, record); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	stats, err := repo.StatsByUser(ctx, userID)
	if err != nil {
		t.Fatalf("StatsByUser() error = %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Counts[domain.StatusPending] != 3 {
		t.Errorf("Counts[PENDING] = %d, want 3", stats.Counts[domain.StatusPending])
	}
}

func TestReservationColumn(t *testing.T) {
	tests := []struct {
		leg    domain.Leg
		column string
		ok     bool
	}{
		{domain.LegFlight, "flight_reservation_id", true},
		{domain.LegHotel, "hotel_reservation_id", true},
		{domain.LegCar, "car_reservation_id", true},
		{domain.Leg("train"), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.leg), func(t *testing.T) {
			column, err := reservationColumn(tt.leg)
			if tt.ok && err != nil {
				t.Errorf("reservationColumn() error = %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("reservationColumn() expected error for unknown leg")
			}
			if column != tt.column {
				t.Errorf("reservationColumn() = %q, want %q", column, tt.column)
			}
		})
	}
}

func TestTransitionSources(t *testing.T) {
	tests := []struct {
		target  domain.Status
		sources []string
	}{
		{domain.StatusConfirmed, []string{"PENDING"}},
		{domain.StatusCompensating, []string{"PENDING"}},
		{domain.StatusCompensated, []string{"COMPENSATING"}},
		{domain.StatusFailed, []string{"PENDING", "COMPENSATING"}},
		{domain.StatusPending, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			got := transitionSources(tt.target)
			if len(got) != len(tt.sources) {
				t.Fatalf("transitionSources(%s) = %v, want %v", tt.target, got, tt.sources)
			}
			for i := range tt.sources {
				if got[i] != tt.sources[i] {
					t.Errorf("transitionSources(%s)[%d] = %q, want %q", tt.target, i, got[i], tt.sources[i])
				}
			}
		})
	}
}
