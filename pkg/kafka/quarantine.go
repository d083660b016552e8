package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PoisonRecord is a consumed record that can never be processed successfully
// (malformed payload, failed validation). It carries the raw bytes untouched
// so an operator can inspect and replay it.
type PoisonRecord struct {
	Topic         string          `json:"topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	Source        string          `json:"source"`
	QuarantinedAt time.Time       `json:"quarantinedAt"`
}

// QuarantineConfig configures where poison records are parked
type QuarantineConfig struct {
	// TopicSuffix is appended to the source topic (default ".dlq")
	TopicSuffix string
	// Source names the consumer that parked the record
	Source string
}

type jsonProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error
}

// Quarantine parks poison records on a parallel dead-letter topic so the
// source partition can advance past them. Redelivery cannot fix a record
// that fails to decode; parking it is the alternative to dropping it.
type Quarantine struct {
	producer jsonProducer
	suffix   string
	source   string
}

// NewQuarantine creates a quarantine publisher over an existing producer
func NewQuarantine(producer jsonProducer, cfg *QuarantineConfig) *Quarantine {
	suffix := ".dlq"
	source := "unknown"
	if cfg != nil {
		if cfg.TopicSuffix != "" {
			suffix = cfg.TopicSuffix
		}
		if cfg.Source != "" {
			source = cfg.Source
		}
	}
	return &Quarantine{
		producer: producer,
		suffix:   suffix,
		source:   source,
	}
}

// Topic returns the quarantine topic for a source topic
func (q *Quarantine) Topic(original string) string {
	return original + q.suffix
}

// Park publishes the record to its quarantine topic, keyed like the
// original so related poison records stay together.
func (q *Quarantine) Park(ctx context.Context, rec *Record, reason string) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	poison := &PoisonRecord{
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           string(rec.Key),
		Payload:       json.RawMessage(rec.Value),
		Reason:        reason,
		Source:        q.source,
		QuarantinedAt: time.Now().UTC(),
	}
	if !json.Valid(rec.Value) {
		// Raw bytes that are not valid JSON would corrupt the envelope;
		// re-encode them as a JSON string instead.
		quoted, err := json.Marshal(string(rec.Value))
		if err != nil {
			return fmt.Errorf("failed to encode poison payload: %w", err)
		}
		poison.Payload = quoted
	}

	headers := map[string]string{
		"sourceTopic": rec.Topic,
		"reason":      reason,
		"source":      q.source,
	}

	if err := q.producer.ProduceJSON(ctx, q.Topic(rec.Topic), poison.Key, poison, headers); err != nil {
		return fmt.Errorf("failed to quarantine record from %s/%d@%d: %w",
			rec.Topic, rec.Partition, rec.Offset, err)
	}
	return nil
}
