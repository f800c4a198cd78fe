package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/txbus/internal/dispatcher"
	"github.com/jmehdipour/txbus/internal/kafka"
	"github.com/jmehdipour/txbus/internal/model"
	"go.uber.org/zap"
)

// DecoderHandler is the quarantine handler name for messages that are not envelopes.
const DecoderHandler = "decoder"

// MessageReader is the consumer-group side of the Kafka client.
type MessageReader interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// EventDispatcher routes one envelope to handlers.
type EventDispatcher interface {
	OnEvent(ctx context.Context, env model.EventEnvelope) dispatcher.Result
}

// Consumer reads the event topic one message at a time so per-partition
// order (and therefore per-transaction order) reaches the handlers intact.
// An offset is committed only after the dispatcher acked or quarantined the
// message; a RetryAfter holds the partition until the handler succeeds.
type Consumer struct {
	Reader     MessageReader
	Dispatch   EventDispatcher
	Quarantine dispatcher.Quarantine
	Log        *zap.Logger

	// RetryCap bounds a single RetryAfter wait.
	RetryCap time.Duration
	// FetchBackoff is the pause after a failed fetch and the shortest
	// RetryAfter wait.
	FetchBackoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewConsumer(r MessageReader, d EventDispatcher, q dispatcher.Quarantine, log *zap.Logger) *Consumer {
	return &Consumer{
		Reader:       r,
		Dispatch:     d,
		Quarantine:   q,
		Log:          log,
		RetryCap:     time.Minute,
		FetchBackoff: 200 * time.Millisecond,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// Run consumes until ctx is cancelled. A message interrupted by shutdown is
// left uncommitted and will be redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Reader == nil || c.Dispatch == nil || c.Quarantine == nil {
		return errors.New("consumer: reader, dispatcher and quarantine are required")
	}
	c.setDefaults()
	c.Log.Info("consumer started")

	for {
		m, err := c.Reader.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Log.Info("consumer stopped")
				return nil
			}
			c.Log.Warn("kafka fetch failed", zap.Error(err))
			if serr := c.sleep(ctx, c.FetchBackoff); serr != nil {
				return nil
			}
			continue
		}

		if err := c.Process(ctx, m); err != nil {
			if ctx.Err() != nil {
				c.Log.Info("consumer stopped", zap.Int64("uncommitted_offset", m.Offset))
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) setDefaults() {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 200 * time.Millisecond
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Process dispatches one message until it is acked or quarantined, then
// commits its offset. It returns an error only when ctx ends first or the
// commit fails.
func (c *Consumer) Process(ctx context.Context, m kafka.Message) error {
	c.setDefaults()

	env, err := decodeMessage(m)
	if err != nil {
		if err := c.quarantineUndecodable(ctx, m, err); err != nil {
			return err
		}
		return c.commit(ctx, m)
	}

	for {
		res := c.Dispatch.OnEvent(ctx, env)
		if res.Outcome != dispatcher.OutcomeRetry {
			break
		}
		delay := min(max(res.Delay, c.FetchBackoff), c.RetryCap)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) error {
	if err := c.Reader.Commit(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d/%d: %w", m.Partition, m.Offset, err)
	}
	return nil
}

func (c *Consumer) quarantineUndecodable(ctx context.Context, m kafka.Message, cause error) error {
	id := kafka.Header(m, kafka.HeaderEventID)
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	entry := model.QuarantineEntry{
		EventID:   id,
		Handler:   DecoderHandler,
		EventType: kafka.Header(m, kafka.HeaderEventType),
		Reason:    cause.Error(),
		Envelope:  m.Value,
		CreatedAt: c.now().UTC(),
	}
	for {
		err := dispatcher.WriteQuarantine(ctx, c.Quarantine, c.Log, entry)
		if err == nil {
			return nil
		}
		c.Log.Error("quarantine write failed", zap.String("event_id", id), zap.Error(err))
		if serr := c.sleep(ctx, min(time.Second, c.RetryCap)); serr != nil {
			return serr
		}
	}
}

func decodeMessage(m kafka.Message) (model.EventEnvelope, error) {
	var env model.EventEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return model.EventEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" || env.TransactionID == "" {
		return model.EventEnvelope{}, errors.New("decode envelope: missing event_id, event_type or transaction_id")
	}
	if h := kafka.Header(m, kafka.HeaderEventID); h != "" && h != env.EventID {
		return model.EventEnvelope{}, fmt.Errorf("decode envelope: header event-id %q does not match body %q", h, env.EventID)
	}
	return env, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
