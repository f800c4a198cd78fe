package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // default 10ms
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes envelopes to one topic. Messages with the same partition
// key land on the same partition, so per-transaction order survives the broker.
type Producer struct {
	w messageWriter
}

func NewProducer(c ProducerConfig) (*Producer, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errors.New("kafka producer: brokers and topic are required")
	}
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	return &Producer{w: &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: bt,
		// retries belong to the outbox, which persists attempts and backoff
		MaxAttempts: 1,
	}}, nil
}

// Publish blocks until every in-sync replica acknowledged the message or ctx ends.
func (p *Producer) Publish(ctx context.Context, partitionKey, idempotencyKey, eventType string, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(idempotencyKey)},
			{Key: HeaderEventType, Value: []byte(eventType)},
		},
	})
}

func (p *Producer) Close() error { return p.w.Close() }
