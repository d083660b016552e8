// Package kafka wraps franz-go with a small producer/consumer API used by the
// broker gateway. Producers publish JSON payloads; consumers poll records and
// commit offsets explicitly, which gives the at-least-once semantics the saga
// relies on.
package kafka

import (
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents an outbound message
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Record represents a consumed message
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	raw *kgo.Record
}

func newRecord(r *kgo.Record) *Record {
	return &Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		raw:       r,
	}
}

func toKgoRecord(m *Message) *kgo.Record {
	record := &kgo.Record{
		Topic: m.Topic,
		Key:   m.Key,
		Value: m.Value,
	}
	for k, v := range m.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}
	return record
}
