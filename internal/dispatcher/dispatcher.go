package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/jmehdipour/txbus/internal/model"
	"go.uber.org/zap"
)

// Handler processes one event type family. Handle must be safe to call again
// for the same event after a RetryAfter.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env model.EventEnvelope) Result
}

// Deduper remembers which (handler, event id) pairs were already processed.
type Deduper interface {
	Seen(ctx context.Context, handler, eventID string) (bool, error)
	MarkSeen(ctx context.Context, handler, eventID string) error
}

// Quarantine stores events a handler gave up on.
type Quarantine interface {
	Insert(ctx context.Context, e model.QuarantineEntry) error
}

type subscription struct {
	h     Handler
	types []string // empty = every type
}

func (s subscription) matches(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Dispatcher fans one event out to the registered handlers, in registration order.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []subscription

	dedup      Deduper
	quarantine Quarantine
	log        *zap.Logger

	// StoreRetry is the delay returned when dedup or quarantine storage fails.
	StoreRetry time.Duration

	now func() time.Time
}

func New(dedup Deduper, quarantine Quarantine, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		dedup:      dedup,
		quarantine: quarantine,
		log:        log,
		StoreRetry: 2 * time.Second,
		now:        time.Now,
	}
}

// Register subscribes h to eventTypes; no types means all of them.
func (d *Dispatcher) Register(h Handler, eventTypes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{h: h, types: slices.Clone(eventTypes)})
}

// Handlers returns the names of handlers subscribed to eventType.
func (d *Dispatcher) Handlers(eventType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, s := range d.subs {
		if s.matches(eventType) {
			out = append(out, s.h.Name())
		}
	}
	return out
}

// OnEvent runs every matching handler that has not processed env yet.
//
// A RetryAfter stops the fan-out and is returned as is; handlers that already
// acked are skipped on the next delivery. A PermanentFailure is quarantined
// and the remaining handlers still run. The returned result is Ack unless some
// handler asked to retry or failed permanently.
func (d *Dispatcher) OnEvent(ctx context.Context, env model.EventEnvelope) Result {
	d.mu.RLock()
	subs := slices.Clone(d.subs)
	d.mu.RUnlock()

	final := Ack()
	for _, s := range subs {
		if !s.matches(env.EventType) {
			continue
		}
		name := s.h.Name()

		seen, err := d.dedup.Seen(ctx, name, env.EventID)
		if err != nil {
			d.log.Warn("dedup lookup failed", zap.String("handler", name), zap.String("event_id", env.EventID), zap.Error(err))
			return RetryAfter(d.StoreRetry)
		}
		if seen {
			metrics.DispatchTotal.WithLabelValues(name, "duplicate").Inc()
			continue
		}

		res := d.call(ctx, s.h, env)
		metrics.DispatchTotal.WithLabelValues(name, res.Outcome.String()).Inc()

		switch res.Outcome {
		case OutcomeRetry:
			d.log.Info("handler asked to retry",
				zap.String("handler", name),
				zap.String("event_id", env.EventID),
				zap.Duration("delay", res.Delay),
			)
			return res

		case OutcomePermanentFailure:
			if err := d.toQuarantine(ctx, name, env, res.Reason); err != nil {
				d.log.Error("quarantine write failed", zap.String("handler", name), zap.String("event_id", env.EventID), zap.Error(err))
				return RetryAfter(d.StoreRetry)
			}
			final = res
		}

		if err := d.dedup.MarkSeen(ctx, name, env.EventID); err != nil {
			// redelivery of this event would run the handler again
			d.log.Warn("dedup mark failed", zap.String("handler", name), zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return final
}

func (d *Dispatcher) call(ctx context.Context, h Handler, env model.EventEnvelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = PermanentFailure(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, env)
}

func (d *Dispatcher) toQuarantine(ctx context.Context, handler string, env model.EventEnvelope, reason string) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return WriteQuarantine(ctx, d.quarantine, d.log, model.QuarantineEntry{
		EventID:       env.EventID,
		Handler:       handler,
		EventType:     env.EventType,
		TransactionID: env.TransactionID,
		Reason:        reason,
		Envelope:      raw,
		CreatedAt:     d.now().UTC(),
	})
}

// WriteQuarantine stores e and counts it. The consumer worker also uses it
// for messages that never decoded into an envelope.
func WriteQuarantine(ctx context.Context, q Quarantine, log *zap.Logger, e model.QuarantineEntry) error {
	if len(e.Reason) > 1024 {
		e.Reason = e.Reason[:1024]
	}
	if err := q.Insert(ctx, e); err != nil {
		return err
	}
	metrics.QuarantinedTotal.WithLabelValues(e.Handler).Inc()
	log.Error("event quarantined",
		zap.String("handler", e.Handler),
		zap.String("event_id", e.EventID),
		zap.String("transaction_id", e.TransactionID),
		zap.String("reason", e.Reason),
	)
	return nil
}
