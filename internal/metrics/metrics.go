package metrics

import (
	"context"
	"sync"

	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Admission counters
	SagasAdmitted  *telemetry.Counter
	SagasDuplicate *telemetry.Counter
	SagasRejected  *telemetry.Counter
	SagasConfirmed *telemetry.Counter
	SagasFailed    *telemetry.Counter

	// Compensation counters
	CompensationsStarted *telemetry.Counter
	CompensationFailures *telemetry.Counter
	DeadLettersTotal     *telemetry.Counter

	// Recovery counters
	LegsRepublished *telemetry.Counter
	SweeperFailures *telemetry.Counter

	// Histograms
	AdmissionDuration   *telemetry.Histogram
	ConfirmationLatency *telemetry.Histogram

	// Gauges
	ActiveSagas *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all saga metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	SagasAdmitted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_admissions_total",
		Description: "Total number of booking sagas admitted",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasDuplicate, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_duplicate_requests_total",
		Description: "Total number of duplicate booking requests answered from the store",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasRejected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_admission_rejections_total",
		Description: "Total number of booking requests rejected before a saga was created",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasConfirmed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_confirmations_total",
		Description: "Total number of sagas aggregated to CONFIRMED",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_failures_total",
		Description: "Total number of sagas that reached FAILED",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationsStarted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensations_total",
		Description: "Total number of compensation runs started",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationFailures, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensation_failures_total",
		Description: "Total number of leg cancellations that failed during compensation",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	DeadLettersTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_dead_letters_total",
		Description: "Total number of dead letters recorded",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	LegsRepublished, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_republished_legs_total",
		Description: "Total number of leg requests republished during recovery",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SweeperFailures, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "sweeper_failed_sagas_total",
		Description: "Total number of stuck sagas the sweeper moved to FAILED",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Admission latency for p50/p90/p99 tracking
	AdmissionDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_admission_duration_seconds",
		Description: "Duration of the admission pipeline in seconds",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}) // 5ms to 10s
	if err != nil {
		return err
	}

	ConfirmationLatency, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_confirmation_latency_seconds",
		Description: "Time from saga creation to CONFIRMED",
		Unit:        "s",
	}, []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600}) // 100ms to 10min
	if err != nil {
		return err
	}

	ActiveSagas, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_active_pending",
		Description: "Current number of sagas in PENDING",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordAdmission records a successfully admitted saga
func RecordAdmission(ctx context.Context, durationSeconds float64) {
	if SagasAdmitted != nil {
		SagasAdmitted.Inc(ctx)
	}
	if AdmissionDuration != nil {
		AdmissionDuration.Record(ctx, durationSeconds)
	}
	if ActiveSagas != nil {
		ActiveSagas.Inc(ctx)
	}
}

// RecordDuplicate records a request answered from an existing saga record
func RecordDuplicate(ctx context.Context) {
	if SagasDuplicate != nil {
		SagasDuplicate.Inc(ctx)
	}
}

// RecordRejection records an admission rejected before a saga was created
func RecordRejection(ctx context.Context, reason string) {
	if SagasRejected != nil {
		SagasRejected.Inc(ctx,
			attribute.String("reason", reason),
		)
	}
}

// RecordConfirmation records a saga aggregated to CONFIRMED
func RecordConfirmation(ctx context.Context, latencySeconds float64) {
	if SagasConfirmed != nil {
		SagasConfirmed.Inc(ctx)
	}
	if ConfirmationLatency != nil {
		ConfirmationLatency.Record(ctx, latencySeconds)
	}
	if ActiveSagas != nil {
		ActiveSagas.Dec(ctx)
	}
}

// RecordFailure records a saga that reached FAILED
func RecordFailure(ctx context.Context, reason string) {
	if SagasFailed != nil {
		SagasFailed.Inc(ctx,
			attribute.String("reason", reason),
		)
	}
	if ActiveSagas != nil {
		ActiveSagas.Dec(ctx)
	}
}

// RecordCompensation records a compensation run
func RecordCompensation(ctx context.Context) {
	if CompensationsStarted != nil {
		CompensationsStarted.Inc(ctx)
	}
}

// RecordCompensationFailure records a failed leg cancellation
func RecordCompensationFailure(ctx context.Context, leg string) {
	if CompensationFailures != nil {
		CompensationFailures.Inc(ctx,
			attribute.String("leg", leg),
		)
	}
}

// RecordDeadLetter records a dead letter insert
func RecordDeadLetter(ctx context.Context, leg string) {
	if DeadLettersTotal != nil {
		DeadLettersTotal.Inc(ctx,
			attribute.String("leg", leg),
		)
	}
}

// RecordRepublish records leg requests republished for a stuck saga
func RecordRepublish(ctx context.Context, count int64) {
	if LegsRepublished != nil && count > 0 {
		LegsRepublished.Add(ctx, count)
	}
}

// RecordSweeperFailure records a stuck saga the sweeper gave up on
func RecordSweeperFailure(ctx context.Context) {
	if SweeperFailures != nil {
		SweeperFailures.Inc(ctx)
	}
}
