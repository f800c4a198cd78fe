package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmehdipour/txbus/internal/repository"
	"go.uber.org/zap"
)

// OutboxStore is the part of the outbox repository the publisher needs.
type OutboxStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, owner string) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, owner string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, owner string, at, nextRetryAt time.Time, cause string) error
	Release(ctx context.Context, id int64, owner string) error
	FlagStale(ctx context.Context, olderThan, at time.Time) (int64, error)
	Stats(ctx context.Context) (model.OutboxStats, error)
}

// Broker publishes one message and returns nil only on a durable ack.
type Broker interface {
	Publish(ctx context.Context, partitionKey, idempotencyKey, eventType string, payload []byte) error
}

// PublishError is a failed broker call for one outbox row. It is always retried.
type PublishError struct {
	EventID string
	Attempt int
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (attempt %d): %v", e.EventID, e.Attempt, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Backoff computes Base*2^(attempts-1) with +/- Jitter, clamped to Cap and
// floored at Base/2.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the wait after the attempts-th failure. r is uniform in [0,1).
func (b Backoff) Delay(attempts int, r float64) time.Duration {
	d := b.Base
	for i := 1; i < attempts && d < b.Cap; i++ {
		d *= 2
	}
	if b.Jitter > 0 {
		d = time.Duration(float64(min(d, b.Cap)) * (1 + b.Jitter*(2*r-1)))
	}
	d = min(d, b.Cap)
	if floor := b.Base / 2; d < floor {
		d = floor
	}
	return d
}

// Publisher drains the outbox into a broker:
// - claims due rows (head of line per correlation key) under a lease,
// - publishes them concurrently, one in-flight row per key,
// - records ack or failure with backoff,
// - flags rows that stay unpublished longer than MaxAge.
type Publisher struct {
	Store  OutboxStore
	Broker Broker
	Log    *zap.Logger

	// ID identifies this process in locked_by.
	ID string
	// Wake, when set, interrupts the poll wait (Redis notification).
	Wake <-chan struct{}

	Workers            int
	BatchSize          int
	PollInterval       time.Duration
	PublishTimeout     time.Duration
	Lease              time.Duration
	ShutdownGrace      time.Duration
	MaxAge             time.Duration
	StaleCheckInterval time.Duration
	Backoff            Backoff

	now  func() time.Time
	rand func() float64
}

// NewPublisher builds a publisher with sane defaults.
func NewPublisher(store OutboxStore, broker Broker, log *zap.Logger) *Publisher {
	return &Publisher{
		Store:              store,
		Broker:             broker,
		Log:                log,
		ID:                 NewWorkerID(),
		Workers:            16,
		BatchSize:          100,
		PollInterval:       500 * time.Millisecond,
		PublishTimeout:     5 * time.Second,
		Lease:              30 * time.Second,
		ShutdownGrace:      10 * time.Second,
		MaxAge:             15 * time.Minute,
		StaleCheckInterval: 30 * time.Second,
		Backoff:            Backoff{Base: time.Second, Cap: 5 * time.Minute, Jitter: 0.2},
		now:                time.Now,
		rand:               rand.Float64,
	}
}

// NewWorkerID returns host-pid-random, unique per process start.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "publisher"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Run starts the publisher and blocks until ctx is cancelled. In-flight
// publishes get up to ShutdownGrace to finish after cancellation.
func (p *Publisher) Run(ctx context.Context) error {
	if p.Store == nil || p.Broker == nil {
		return errors.New("publisher: store and broker are required")
	}
	p.setDefaults()
	if p.Lease <= p.PublishTimeout {
		return fmt.Errorf("publisher: lease (%s) must exceed publish timeout (%s)", p.Lease, p.PublishTimeout)
	}

	p.Log.Info("publisher started",
		zap.String("worker_id", p.ID),
		zap.Int("workers", p.Workers),
		zap.Int("batch_size", p.BatchSize),
	)

	wake := p.Wake
	var lastStaleCheck time.Time
	for {
		if ctx.Err() != nil {
			p.Log.Info("publisher stopped", zap.String("worker_id", p.ID))
			return nil
		}

		if p.now().Sub(lastStaleCheck) >= p.StaleCheckInterval {
			p.CheckStale(ctx)
			lastStaleCheck = p.now()
		}

		claimed, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.Log.Warn("outbox claim failed", zap.Error(err))
		}
		// a full claim means there is probably more waiting
		if err == nil && claimed >= p.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.PollInterval):
		case _, ok := <-wake:
			if !ok {
				// subscription gone, fall back to plain polling
				wake = nil
			}
		}
	}
}

func (p *Publisher) setDefaults() {
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Workers <= 0 {
		p.Workers = 16
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = 5 * time.Second
	}
	if p.Lease <= 0 {
		p.Lease = 30 * time.Second
	}
	if p.ShutdownGrace <= 0 {
		p.ShutdownGrace = 10 * time.Second
	}
	if p.StaleCheckInterval <= 0 {
		p.StaleCheckInterval = 30 * time.Second
	}
	if p.ID == "" {
		p.ID = NewWorkerID()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
}

// RunOnce claims one batch and publishes it. It returns the number of rows
// claimed. Rows not started before ctx is cancelled are released.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	p.setDefaults()

	rows, err := p.Store.ClaimDue(ctx, p.now(), p.BatchSize, p.Lease, p.ID)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	workCtx, cancel := graceContext(ctx, p.ShutdownGrace)
	defer cancel()

	sem := make(chan struct{}, p.Workers)
	var wg sync.WaitGroup
	for _, row := range rows {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			p.release(workCtx, row)
			continue
		}

		wg.Add(1)
		go func(row model.OutboxEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishOne(workCtx, row)
		}(row)
	}
	wg.Wait()

	return len(rows), nil
}

func (p *Publisher) publishOne(ctx context.Context, row model.OutboxEvent) {
	env := row.Envelope()
	body, err := json.Marshal(env)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
		start := time.Now()
		err = p.Broker.Publish(pctx, env.CorrelationKey, env.EventID, env.EventType, body)
		metrics.PublishDuration.Observe(time.Since(start).Seconds())
		cancel()
	}

	sctx, cancel := storeContext(ctx, p.PublishTimeout)
	defer cancel()

	if err == nil {
		p.markPublished(sctx, row)
		return
	}

	// grace period ran out: nobody acked, give the row back without an attempt
	if ctx.Err() != nil {
		p.release(sctx, row)
		return
	}

	perr := &PublishError{EventID: env.EventID, Attempt: row.PublishAttempts + 1, Err: err}
	now := p.now()
	next := now.Add(p.Backoff.Delay(perr.Attempt, p.rand()))
	if merr := p.Store.MarkFailed(sctx, row.ID, p.ID, now, next, perr.Error()); merr != nil {
		p.leaseError("mark failed", row, merr)
		return
	}
	metrics.PublishTotal.WithLabelValues("failed").Inc()
	p.Log.Warn("outbox publish failed",
		zap.Error(perr),
		zap.String("transaction_id", env.TransactionID),
		zap.Time("next_retry_at", next),
	)
}

func (p *Publisher) markPublished(ctx context.Context, row model.OutboxEvent) {
	if err := p.Store.MarkPublished(ctx, row.ID, p.ID, p.now()); err != nil {
		// the broker has the message; the row goes out again and consumers dedup it
		p.leaseError("mark published", row, err)
		return
	}
	metrics.PublishTotal.WithLabelValues("published").Inc()
	p.Log.Debug("outbox event published",
		zap.String("event_id", row.EventID),
		zap.String("event_type", row.EventType),
	)
}

func (p *Publisher) release(ctx context.Context, row model.OutboxEvent) {
	sctx, cancel := storeContext(ctx, p.PublishTimeout)
	defer cancel()
	if err := p.Store.Release(sctx, row.ID, p.ID); err != nil {
		p.leaseError("release", row, err)
		return
	}
	metrics.PublishTotal.WithLabelValues("aborted").Inc()
}

func (p *Publisher) leaseError(op string, row model.OutboxEvent, err error) {
	if errors.Is(err, repository.ErrLeaseLost) {
		metrics.PublishTotal.WithLabelValues("lease_lost").Inc()
		p.Log.Warn("outbox lease lost", zap.String("op", op), zap.String("event_id", row.EventID))
		return
	}
	p.Log.Error("outbox bookkeeping failed",
		zap.String("op", op),
		zap.String("event_id", row.EventID),
		zap.Error(err),
	)
}

// CheckStale flags rows older than MaxAge and refreshes the backlog gauges.
func (p *Publisher) CheckStale(ctx context.Context) {
	p.setDefaults()
	now := p.now()
	if p.MaxAge > 0 {
		n, err := p.Store.FlagStale(ctx, now.Add(-p.MaxAge), now)
		if err != nil {
			p.Log.Warn("outbox stale check failed", zap.Error(err))
		} else if n > 0 {
			p.Log.Error("outbox events exceeded max age",
				zap.Int64("newly_flagged", n),
				zap.Duration("max_age", p.MaxAge),
			)
		}
	}

	st, err := p.Store.Stats(ctx)
	if err != nil {
		p.Log.Warn("outbox stats failed", zap.Error(err))
		return
	}
	metrics.OutboxPending.Set(float64(st.Pending))
	metrics.OutboxFlagged.Set(float64(st.Flagged))
	age := 0.0
	if st.OldestAt != nil {
		age = now.Sub(*st.OldestAt).Seconds()
	}
	metrics.OutboxOldestAge.Set(age)
}

// graceContext survives cancellation of parent for up to grace.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// storeContext keeps bookkeeping writes alive even when ctx is already done.
func storeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
