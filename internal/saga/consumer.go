package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/pkg/kafka"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
)

// ConfirmationConsumerConfig holds configuration for ConfirmationConsumer
type ConfirmationConsumerConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	PollBackoff      time.Duration
	Logger           *logger.Logger

	// Quarantine receives records that can never succeed (malformed or
	// invalid payloads). Optional; without it such records are dropped.
	Quarantine *kafka.Quarantine
}

// ConfirmationConsumer consumes reservation confirmations from the three
// confirmed topics and feeds them to the leg adapters. Records are applied
// in order; a record that fails is left uncommitted so the broker redelivers
// it, which the join point tolerates.
type ConfirmationConsumer struct {
	consumer     *kafka.Consumer
	orchestrator Orchestrator
	quarantine   *kafka.Quarantine
	log          *logger.Logger
	backoff      time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewConfirmationConsumer creates a new confirmation consumer subscribed to
// all three confirmed topics
func NewConfirmationConsumer(ctx context.Context, orch Orchestrator, cfg *ConfirmationConsumerConfig) (*ConfirmationConsumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("consumer config is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	backoff := cfg.PollBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:          cfg.Brokers,
		GroupID:          cfg.GroupID,
		Topics:           domain.ConfirmedTopics(),
		ClientID:         cfg.ClientID,
		SessionTimeout:   cfg.SessionTimeout,
		RebalanceTimeout: cfg.RebalanceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation consumer: %w", err)
	}

	return &ConfirmationConsumer{
		consumer:     consumer,
		orchestrator: orch,
		quarantine:   cfg.Quarantine,
		log:          log,
		backoff:      backoff,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start consumes confirmations until the context is cancelled or Stop is
// called. It blocks and is meant to run in its own goroutine.
func (c *ConfirmationConsumer) Start(ctx context.Context) error {
	c.log.InfoContext(ctx, "confirmation consumer started",
		zap.Strings("topics", domain.ConfirmedTopics()))

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		records, err := c.consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, kafka.ErrClientClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.ErrorContext(ctx, "failed to poll confirmations", zap.Error(err))
			c.sleep(ctx)
			continue
		}

		processed := make([]*kafka.Record, 0, len(records))
		var failed bool
		for _, record := range records {
			if err := c.handleRecord(ctx, record); err != nil {
				c.log.ErrorContext(ctx, "failed to process confirmation",
					zap.String("topic", record.Topic),
					zap.Int32("partition", record.Partition),
					zap.Int64("offset", record.Offset),
					zap.Error(err))
				failed = true
				break
			}
			processed = append(processed, record)
		}

		if len(processed) > 0 {
			if err := c.consumer.CommitRecords(ctx, processed); err != nil {
				c.log.ErrorContext(ctx, "failed to commit confirmations", zap.Error(err))
			}
		}
		if failed {
			c.sleep(ctx)
		}
	}
}

// Stop halts consumption and closes the underlying client. Closing the
// client unblocks a poll in flight.
func (c *ConfirmationConsumer) Stop() {
	close(c.stopCh)
	c.consumer.Close()
	c.wg.Wait()
}

// handleRecord decodes one confirmation and routes it to its leg adapter.
// Malformed payloads can never succeed; they are parked on the quarantine
// topic so the partition can advance without losing the bytes.
func (c *ConfirmationConsumer) handleRecord(ctx context.Context, record *kafka.Record) error {
	leg, ok := domain.LegFromConfirmedTopic(record.Topic)
	if !ok {
		c.log.WarnContext(ctx, "record from unexpected topic dropped",
			zap.String("topic", record.Topic))
		return nil
	}

	var ev domain.ReservationConfirmedEvent
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		c.park(ctx, record, fmt.Sprintf("undecodable confirmation: %v", err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.park(ctx, record, fmt.Sprintf("invalid confirmation: %v", err))
		return nil
	}

	return c.orchestrator.ConfirmReservation(ctx, leg, &ev)
}

// park moves a poison record to the quarantine topic. Quarantine failures
// only log; holding the partition hostage for a record that can never be
// processed would stall every saga behind it.
func (c *ConfirmationConsumer) park(ctx context.Context, record *kafka.Record, reason string) {
	if c.quarantine == nil {
		c.log.ErrorContext(ctx, "poison confirmation dropped (no quarantine configured)",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.String("reason", reason))
		return
	}
	if err := c.quarantine.Park(ctx, record, reason); err != nil {
		c.log.ErrorContext(ctx, "failed to quarantine poison confirmation",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	c.log.WarnContext(ctx, "poison confirmation quarantined",
		zap.String("topic", record.Topic),
		zap.Int64("offset", record.Offset),
		zap.String("reason", reason))
}

func (c *ConfirmationConsumer) sleep(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-timer.C:
	}
}
