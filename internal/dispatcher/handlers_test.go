package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/txbus/internal/dispatcher"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNotifyHandler_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   dispatcher.Outcome
	}{
		{"ok", http.StatusNoContent, dispatcher.OutcomeAck},
		{"bad request", http.StatusBadRequest, dispatcher.OutcomePermanentFailure},
		{"gone", http.StatusGone, dispatcher.OutcomePermanentFailure},
		{"too many requests", http.StatusTooManyRequests, dispatcher.OutcomeRetry},
		{"server error", http.StatusInternalServerError, dispatcher.OutcomeRetry},
		{"unavailable", http.StatusServiceUnavailable, dispatcher.OutcomeRetry},
	}

	env := buildEnvelope(t, model.StatusPending, model.StatusProcessing)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Idempotency-Key") != env.EventID {
					t.Errorf("expected Idempotency-Key %s, got %q", env.EventID, r.Header.Get("Idempotency-Key"))
				}
				var got model.EventEnvelope
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil || got.EventID != env.EventID {
					t.Errorf("unexpected body: %+v (%v)", got, err)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			h := dispatcher.NewNotifyHandler(srv.URL, 1000, 5, 1000)
			if res := h.Handle(context.Background(), env); res.Outcome != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res)
			}
		})
	}
}

func TestNotifyHandler_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := dispatcher.NewNotifyHandler(srv.URL, 1000, 2, 60_000)
	h.Retry = 500 * time.Millisecond
	env := buildEnvelope(t, model.StatusPending, model.StatusProcessing)

	for i := 0; i < 2; i++ {
		if res := h.Handle(context.Background(), env); res.Outcome != dispatcher.OutcomeRetry {
			t.Fatalf("call %d: expected retry, got %s", i, res)
		}
	}

	res := h.Handle(context.Background(), env)
	if res.Outcome != dispatcher.OutcomeRetry {
		t.Fatalf("expected retry while open, got %s", res)
	}
	if res.Delay < 30*time.Second {
		t.Fatalf("expected delay close to the open window, got %s", res.Delay)
	}
	if hits.Load() != 2 {
		t.Fatalf("open breaker must not call the webhook, got %d hits", hits.Load())
	}
}

func TestNotifyHandler_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := dispatcher.NewNotifyHandler(url, 200, 3, 1000)
	if res := h.Handle(context.Background(), buildEnvelope(t, model.StatusPending, model.StatusProcessing)); res.Outcome != dispatcher.OutcomeRetry {
		t.Fatalf("expected retry, got %s", res)
	}
}

type mockAuditStore struct {
	insert func(ctx context.Context, env model.EventEnvelope, consumedAt time.Time) error
}

func (m *mockAuditStore) Insert(ctx context.Context, env model.EventEnvelope, consumedAt time.Time) error {
	return m.insert(ctx, env, consumedAt)
}

func TestAuditHandler(t *testing.T) {
	env := buildEnvelope(t, model.StatusProcessing, model.StatusFailed)

	var stored model.EventEnvelope
	ok := dispatcher.NewAuditHandler(&mockAuditStore{insert: func(ctx context.Context, e model.EventEnvelope, at time.Time) error {
		stored = e
		return nil
	}}, zap.NewNop())
	if res := ok.Handle(context.Background(), env); res.Outcome != dispatcher.OutcomeAck {
		t.Fatalf("expected ack, got %s", res)
	}
	if stored.EventID != env.EventID {
		t.Fatalf("expected %s stored, got %s", env.EventID, stored.EventID)
	}

	down := dispatcher.NewAuditHandler(&mockAuditStore{insert: func(ctx context.Context, e model.EventEnvelope, at time.Time) error {
		return errors.New("clickhouse: i/o timeout")
	}}, zap.NewNop())
	if res := down.Handle(context.Background(), env); res.Outcome != dispatcher.OutcomeRetry {
		t.Fatalf("expected retry, got %s", res)
	}
}

func newFraud(t *testing.T, threshold string, limit int) (*dispatcher.FraudHandler, *observer.ObservedLogs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core, logs := observer.New(zap.WarnLevel)
	h := dispatcher.NewFraudHandler(rdb, decimal.RequireFromString(threshold), limit, time.Hour, zap.New(core))
	return h, logs, mr
}

func TestFraudHandler_AmountThreshold(t *testing.T) {
	h, logs, _ := newFraud(t, "100", 0)

	// buildEnvelope uses 125.50
	res := h.Handle(context.Background(), buildEnvelope(t, model.StatusPending, model.StatusProcessing))
	if res.Outcome != dispatcher.OutcomeAck {
		t.Fatalf("fraud handler always acks, got %s", res)
	}
	alerts := logs.FilterMessage("fraud alert").All()
	if len(alerts) != 1 || alerts[0].ContextMap()["rule"] != "amount" {
		t.Fatalf("expected one amount alert, got %+v", alerts)
	}
}

func TestFraudHandler_Velocity(t *testing.T) {
	h, logs, _ := newFraud(t, "1000000", 2)

	for i := 0; i < 3; i++ {
		h.Handle(context.Background(), buildEnvelope(t, model.StatusPending, model.StatusProcessing))
	}
	alerts := logs.FilterMessage("fraud alert").All()
	if len(alerts) != 1 || alerts[0].ContextMap()["rule"] != "velocity" {
		t.Fatalf("expected one velocity alert on the third event, got %+v", alerts)
	}
}

func TestFraudHandler_IgnoresOtherEvents(t *testing.T) {
	h, logs, _ := newFraud(t, "1", 1)

	res := h.Handle(context.Background(), buildEnvelope(t, model.StatusSettlementInProgress, model.StatusCompleted))
	if res.Outcome != dispatcher.OutcomeAck || logs.Len() != 0 {
		t.Fatalf("expected silent ack, got %s with %d logs", res, logs.Len())
	}
}

func TestFraudHandler_RedisDownStillAcks(t *testing.T) {
	h, logs, mr := newFraud(t, "1000000", 1)
	mr.Close()

	res := h.Handle(context.Background(), buildEnvelope(t, model.StatusPending, model.StatusProcessing))
	if res.Outcome != dispatcher.OutcomeAck {
		t.Fatalf("expected ack, got %s", res)
	}
	if logs.FilterMessage("fraud velocity check failed").Len() != 1 {
		t.Fatal("expected velocity failure to be logged")
	}
}

func TestFraudHandler_BadPayload(t *testing.T) {
	h, _, _ := newFraud(t, "1", 1)
	env := buildEnvelope(t, model.StatusPending, model.StatusProcessing)
	env.Payload = []byte(`{"transaction":{}}`)

	if res := h.Handle(context.Background(), env); res.Outcome != dispatcher.OutcomePermanentFailure {
		t.Fatalf("expected permanent failure, got %s", res)
	}
}

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := dispatcher.NewRedisDeduper(rdb, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "audit", "e1")
	if err != nil || seen {
		t.Fatalf("expected unseen, got %v (%v)", seen, err)
	}
	if err := d.MarkSeen(ctx, "audit", "e1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if seen, _ := d.Seen(ctx, "audit", "e1"); !seen {
		t.Fatal("expected seen after mark")
	}
	if seen, _ := d.Seen(ctx, "notify", "e1"); seen {
		t.Fatal("dedup is per handler")
	}
	if ttl := mr.TTL("txbus:seen:audit:e1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if seen, _ := d.Seen(ctx, "audit", "e1"); seen {
		t.Fatal("expected key to expire")
	}
}

func TestMemoryDeduper_EvictsOldest(t *testing.T) {
	d := dispatcher.NewMemoryDeduper(2)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		_ = d.MarkSeen(ctx, "audit", id)
	}
	if d.Len() != 2 {
		t.Fatalf("expected window of 2, got %d", d.Len())
	}
	if seen, _ := d.Seen(ctx, "audit", "e1"); seen {
		t.Fatal("expected e1 evicted")
	}
	for _, id := range []string{"e2", "e3"} {
		if seen, _ := d.Seen(ctx, "audit", id); !seen {
			t.Fatalf("expected %s to be remembered", id)
		}
	}
}

func TestMemoryDeduper_RemarkDoesNotRefresh(t *testing.T) {
	d := dispatcher.NewMemoryDeduper(2)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e1", "e3"} {
		_ = d.MarkSeen(ctx, "audit", id)
	}
	if seen, _ := d.Seen(ctx, "audit", "e1"); seen {
		t.Fatal("expected e1 evicted in first-seen order")
	}
	if seen, _ := d.Seen(ctx, "notify", "e3"); seen {
		t.Fatal("pairs are per handler")
	}
}
