package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/metrics"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
)

// SweeperWorkerConfig contains configuration for the stuck-saga sweeper
type SweeperWorkerConfig struct {
	// ScanInterval is the interval between scans of the pending queue
	ScanInterval time.Duration
	// StuckThreshold is how long a saga may stay PENDING before the sweeper
	// acts on it
	StuckThreshold time.Duration
	// BatchSize is the maximum number of stuck sagas handled per scan
	BatchSize int
	// RecoveryPerSecond paces recovery actions so a large backlog does not
	// flood the broker
	RecoveryPerSecond float64
	// RecoveryBurst is the token bucket burst for recovery pacing
	RecoveryBurst int
}

// DefaultSweeperWorkerConfig returns default configuration
func DefaultSweeperWorkerConfig() *SweeperWorkerConfig {
	return &SweeperWorkerConfig{
		ScanInterval:      time.Minute,
		StuckThreshold:    30 * time.Minute,
		BatchSize:         100,
		RecoveryPerSecond: 10,
		RecoveryBurst:     5,
	}
}

// SweeperWorker periodically scans the pending queue for sagas that stopped
// making progress. Legs whose reservation request was never published are
// republished; sagas that stay PENDING with nothing left to republish are
// forced to FAILED.
type SweeperWorker struct {
	orchestrator saga.Orchestrator
	config       *SweeperWorkerConfig
	limiter      *rate.Limiter
	log          *logger.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool

	// Stats
	totalRepublished int64
	totalFailed      int64
	lastScanTime     time.Time
	lastStuckCount   int
}

// NewSweeperWorker creates a new stuck-saga sweeper
func NewSweeperWorker(orchestrator saga.Orchestrator, config *SweeperWorkerConfig, log *logger.Logger) *SweeperWorker {
	if config == nil {
		config = DefaultSweeperWorkerConfig()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Minute
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = 30 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.RecoveryPerSecond <= 0 {
		config.RecoveryPerSecond = 10
	}
	if config.RecoveryBurst <= 0 {
		config.RecoveryBurst = 5
	}
	if log == nil {
		log = logger.Get()
	}

	return &SweeperWorker{
		orchestrator: orchestrator,
		config:       config,
		limiter:      rate.NewLimiter(rate.Limit(config.RecoveryPerSecond), config.RecoveryBurst),
		log:          log,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the sweeper
func (w *SweeperWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.InfoContext(ctx, "starting stuck-saga sweeper",
		zap.Duration("scan_interval", w.config.ScanInterval),
		zap.Duration("stuck_threshold", w.config.StuckThreshold))

	w.wg.Add(1)
	go w.run(ctx)

	return nil
}

// Stop stops the sweeper and waits for the current scan to finish
func (w *SweeperWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("stuck-saga sweeper stopped")
}

// run scans immediately on start, then on every tick
func (w *SweeperWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweeperWorker) sweep(ctx context.Context) {
	republished, failed, err := w.SweepOnce(ctx)
	if err != nil {
		w.log.ErrorContext(ctx, "sweep failed", zap.Error(err))
		return
	}
	if republished > 0 || failed > 0 {
		w.log.InfoContext(ctx, "sweep finished",
			zap.Int("republished_sagas", republished),
			zap.Int("failed_sagas", failed))
	}
}

// SweepOnce runs a single scan over the stuck sagas. For each one it first
// republishes legs whose reservation request never made it out; a saga that
// is still PENDING with nothing to republish has been waiting on
// confirmations past the threshold and is forced to FAILED. Returns how many
// sagas had legs republished and how many were failed.
func (w *SweeperWorker) SweepOnce(ctx context.Context) (int, int, error) {
	cutoff := time.Now().Add(-w.config.StuckThreshold)
	stuck, err := w.orchestrator.StuckSagas(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stuck sagas: %w", err)
	}

	w.mu.Lock()
	w.lastScanTime = time.Now()
	w.lastStuckCount = len(stuck)
	w.mu.Unlock()

	if len(stuck) == 0 {
		return 0, 0, nil
	}

	w.log.WarnContext(ctx, "found stuck sagas",
		zap.Int("count", len(stuck)),
		zap.Duration("threshold", w.config.StuckThreshold))

	var republished, failed int
	for _, s := range stuck {
		if err := w.limiter.Wait(ctx); err != nil {
			return republished, failed, err
		}

		recovered, err := w.orchestrator.Recover(ctx, s.RequestID)
		if err != nil {
			if errors.Is(err, domain.ErrSagaNotFound) {
				// Recover already dropped the orphaned queue entry
				continue
			}
			w.log.ErrorContext(ctx, "failed to recover stuck saga",
				zap.String("request_id", s.RequestID),
				zap.Error(err))
			continue
		}

		if len(recovered.Republished) > 0 {
			republished++
			w.mu.Lock()
			w.totalRepublished++
			w.mu.Unlock()
			continue
		}
		if recovered.Status != domain.StatusPending {
			// Concluded elsewhere; Recover cleared its queue entry
			continue
		}

		reason := fmt.Sprintf("stuck in PENDING since %s", s.AdmittedAt.UTC().Format(time.RFC3339))
		if _, err := w.orchestrator.ForceFail(ctx, s.RequestID, reason); err != nil {
			w.log.ErrorContext(ctx, "failed to fail stuck saga",
				zap.String("request_id", s.RequestID),
				zap.Error(err))
			continue
		}
		metrics.RecordSweeperFailure(ctx)
		failed++
		w.mu.Lock()
		w.totalFailed++
		w.mu.Unlock()
	}

	return republished, failed, nil
}

// GetStats returns sweeper statistics
func (w *SweeperWorker) GetStats() *SweeperWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &SweeperWorkerStats{
		IsRunning:        w.running,
		TotalRepublished: w.totalRepublished,
		TotalFailed:      w.totalFailed,
		LastScanTime:     w.lastScanTime,
		LastStuckCount:   w.lastStuckCount,
	}
}

// SweeperWorkerStats contains sweeper statistics
type SweeperWorkerStats struct {
	IsRunning        bool      `json:"is_running"`
	TotalRepublished int64     `json:"total_republished"`
	TotalFailed      int64     `json:"total_failed"`
	LastScanTime     time.Time `json:"last_scan_time"`
	LastStuckCount   int       `json:"last_stuck_count"`
}
