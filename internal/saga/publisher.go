package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/pkg/kafka"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"

	"go.uber.org/zap"
)

// EventPublisher publishes saga messages to the broker
type EventPublisher interface {
	// PublishRequested publishes the reservation request for one leg
	PublishRequested(ctx context.Context, leg domain.Leg, req *domain.BookingRequest) error

	// PublishCompensationFailed reports a cancellation that needs manual
	// intervention
	PublishCompensationFailed(ctx context.Context, event *domain.CompensationFailedEvent) error

	// Close flushes and releases the underlying producer
	Close() error
}

// KafkaEventPublisherConfig holds configuration for the Kafka publisher
type KafkaEventPublisherConfig struct {
	Brokers       []string
	ClientID      string
	MaxRetries    int
	RetryInterval time.Duration
	Logger        *logger.Logger
}

// KafkaEventPublisher implements EventPublisher over Kafka
type KafkaEventPublisher struct {
	producer *kafka.Producer
	log      *logger.Logger
}

// NewKafkaEventPublisher creates a Kafka publisher and verifies broker
// connectivity
func NewKafkaEventPublisher(ctx context.Context, cfg *KafkaEventPublisherConfig) (*KafkaEventPublisher, error) {
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      cfg.ClientID,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	return &KafkaEventPublisher{
		producer: producer,
		log:      log,
	}, nil
}

// PublishRequested publishes the reservation request for one leg, keyed by
// requestId so all messages of a saga land on one partition.
func (p *KafkaEventPublisher) PublishRequested(ctx context.Context, leg domain.Leg, req *domain.BookingRequest) error {
	topic := domain.RequestedTopic(leg)
	payload := domain.RequestedEvent(leg, req)
	if payload == nil {
		return fmt.Errorf("unknown leg: %s", leg)
	}

	headers := map[string]string{
		"requestId": req.RequestID,
		"leg":       string(leg),
		"eventType": "reservation.requested",
	}

	if err := p.producer.ProduceJSON(ctx, topic, req.RequestID, payload, headers); err != nil {
		p.log.ErrorContext(ctx, "failed to publish reservation request",
			zap.String("request_id", req.RequestID),
			zap.String("leg", string(leg)),
			zap.String("topic", topic),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s request: %w", leg, err)
	}

	p.log.DebugContext(ctx, "reservation request published",
		zap.String("request_id", req.RequestID),
		zap.String("leg", string(leg)),
		zap.String("topic", topic))

	return nil
}

// PublishCompensationFailed publishes a failed cancellation for manual
// follow-up
func (p *KafkaEventPublisher) PublishCompensationFailed(ctx context.Context, event *domain.CompensationFailedEvent) error {
	headers := map[string]string{
		"requestId": event.RequestID,
		"leg":       string(event.Leg),
		"eventType": domain.TopicCompensationFailed,
	}

	if err := p.producer.ProduceJSON(ctx, domain.TopicCompensationFailed, event.RequestID, event, headers); err != nil {
		p.log.ErrorContext(ctx, "failed to publish compensation failure",
			zap.String("request_id", event.RequestID),
			zap.String("leg", string(event.Leg)),
			zap.Error(err))
		return fmt.Errorf("failed to publish compensation failure: %w", err)
	}

	p.log.WarnContext(ctx, "compensation failure published",
		zap.String("request_id", event.RequestID),
		zap.String("leg", string(event.Leg)),
		zap.String("reservation_id", event.ReservationID))

	return nil
}

// Ping verifies broker connectivity
func (p *KafkaEventPublisher) Ping(ctx context.Context) error {
	return p.producer.Ping(ctx)
}

// Producer exposes the underlying producer so other broker surfaces (the
// consumer's quarantine) can share one connection.
func (p *KafkaEventPublisher) Producer() *kafka.Producer {
	return p.producer
}

// Close flushes pending messages and closes the producer
func (p *KafkaEventPublisher) Close() error {
	p.producer.Close()
	return nil
}

// MockEventPublisher is a mock implementation for testing
type MockEventPublisher struct {
	RequestedLegs        []domain.Leg
	RequestedPayloads    []any
	CompensationFailures []*domain.CompensationFailedEvent
	ShouldFail           bool
	FailureError         error

	// FailLegs makes only the listed legs fail, leaving the rest publishable
	FailLegs map[domain.Leg]bool
}

// NewMockEventPublisher creates a new mock publisher
func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{
		FailLegs: make(map[domain.Leg]bool),
	}
}

func (m *MockEventPublisher) PublishRequested(ctx context.Context, leg domain.Leg, req *domain.BookingRequest) error {
	if m.ShouldFail || m.FailLegs[leg] {
		if m.FailureError != nil {
			return m.FailureError
		}
		return fmt.Errorf("mock publisher failure")
	}
	m.RequestedLegs = append(m.RequestedLegs, leg)
	m.RequestedPayloads = append(m.RequestedPayloads, domain.RequestedEvent(leg, req))
	return nil
}

func (m *MockEventPublisher) PublishCompensationFailed(ctx context.Context, event *domain.CompensationFailedEvent) error {
	if m.ShouldFail {
		if m.FailureError != nil {
			return m.FailureError
		}
		return fmt.Errorf("mock publisher failure")
	}
	m.CompensationFailures = append(m.CompensationFailures, event)
	return nil
}

func (m *MockEventPublisher) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ EventPublisher = (*KafkaEventPublisher)(nil)
	_ EventPublisher = (*MockEventPublisher)(nil)
)
