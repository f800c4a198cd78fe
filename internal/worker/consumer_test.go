package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/txbus/internal/dispatcher"
	"github.com/jmehdipour/txbus/internal/kafka"
	"github.com/jmehdipour/txbus/internal/model"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type mockReader struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits []kafka.Message
}

func (m *mockReader) Fetch(ctx context.Context) (kafka.Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *mockReader) Commit(_ context.Context, msg kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, msg)
	return nil
}

func (m *mockReader) committed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.commits))
	for _, c := range m.commits {
		out = append(out, c.Offset)
	}
	return out
}

type mockDispatcher struct {
	onEvent func(ctx context.Context, env model.EventEnvelope) dispatcher.Result
}

func (m *mockDispatcher) OnEvent(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
	return m.onEvent(ctx, env)
}

type recordingQuarantine struct {
	mu      sync.Mutex
	entries []model.QuarantineEntry
}

func (q *recordingQuarantine) Insert(_ context.Context, e model.QuarantineEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func envelopeMessage(t *testing.T, offset int64, eventID, txID string) kafka.Message {
	t.Helper()
	env := model.EventEnvelope{
		EventID:        eventID,
		EventType:      "TRANSACTION_PROCESSING",
		TransactionID:  txID,
		FromStatus:     model.StatusPending,
		ToStatus:       model.StatusProcessing,
		CorrelationKey: txID,
		OccurredAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Payload:        json.RawMessage(`{"schema_version":1}`),
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{
		Topic:  "txbus.transaction-events",
		Offset: offset,
		Key:    []byte(txID),
		Value:  b,
		Headers: []kafkago.Header{
			{Key: kafka.HeaderEventID, Value: []byte(eventID)},
			{Key: kafka.HeaderEventType, Value: []byte(env.EventType)},
		},
	}
}

func TestConsumer_RetryHoldsMessageUntilAck(t *testing.T) {
	reader := &mockReader{}
	var calls int
	d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
		calls++
		if calls < 3 {
			return dispatcher.RetryAfter(10 * time.Minute)
		}
		return dispatcher.Ack()
	}}
	c := NewConsumer(reader, d, &recordingQuarantine{}, zap.NewNop())
	c.RetryCap = time.Minute
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Process(context.Background(), envelopeMessage(t, 7, "e1", "T1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 dispatches, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != time.Minute || slept[1] != time.Minute {
		t.Fatalf("expected two waits capped at 1m, got %v", slept)
	}
	if got := reader.committed(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected offset 7 committed once, got %v", got)
	}
}

func TestConsumer_ZeroRetryDelayStillPauses(t *testing.T) {
	reader := &mockReader{}
	var calls int
	d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
		calls++
		if calls < 3 {
			return dispatcher.RetryAfter(0)
		}
		return dispatcher.Ack()
	}}
	c := NewConsumer(reader, d, &recordingQuarantine{}, zap.NewNop())
	c.FetchBackoff = 250 * time.Millisecond
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Process(context.Background(), envelopeMessage(t, 3, "e1", "T1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(slept) != 2 || slept[0] != 250*time.Millisecond || slept[1] != 250*time.Millisecond {
		t.Fatalf("expected two 250ms pauses, got %v", slept)
	}
}

func TestConsumer_ShutdownDuringRetryLeavesOffset(t *testing.T) {
	reader := &mockReader{}
	d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
		return dispatcher.RetryAfter(time.Second)
	}}
	c := NewConsumer(reader, d, &recordingQuarantine{}, zap.NewNop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	err := c.Process(context.Background(), envelopeMessage(t, 1, "e1", "T1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reader.committed()) != 0 {
		t.Fatal("offset must not be committed while the handler still wants a retry")
	}
}

func TestConsumer_PermanentFailureCommits(t *testing.T) {
	reader := &mockReader{}
	d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
		return dispatcher.PermanentFailure("webhook rejected event: status 422")
	}}
	c := NewConsumer(reader, d, &recordingQuarantine{}, zap.NewNop())

	if err := c.Process(context.Background(), envelopeMessage(t, 3, "e1", "T1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(reader.committed()) != 1 {
		t.Fatal("quarantined message must be committed")
	}
}

func TestConsumer_UndecodableIsQuarantined(t *testing.T) {
	cases := map[string]kafka.Message{}
	cases["not json"] = kafka.Message{Topic: "txbus.transaction-events", Partition: 2, Offset: 11, Value: []byte("{oops")}
	cases["missing ids"] = kafka.Message{Topic: "txbus.transaction-events", Partition: 2, Offset: 12, Value: []byte(`{"event_type":"TRANSACTION_FAILED"}`)}
	mismatch := envelopeMessage(t, 13, "e1", "T1")
	mismatch.Headers[0].Value = []byte("e2")
	cases["header mismatch"] = mismatch

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			reader := &mockReader{}
			q := &recordingQuarantine{}
			d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
				t.Fatal("undecodable message must not reach handlers")
				return dispatcher.Ack()
			}}
			c := NewConsumer(reader, d, q, zap.NewNop())

			if err := c.Process(context.Background(), msg); err != nil {
				t.Fatalf("process: %v", err)
			}
			if len(q.entries) != 1 || q.entries[0].Handler != DecoderHandler {
				t.Fatalf("expected one decoder quarantine entry, got %+v", q.entries)
			}
			if string(q.entries[0].Envelope) != string(msg.Value) {
				t.Fatal("quarantine must keep the raw message")
			}
			if len(reader.committed()) != 1 {
				t.Fatal("expected offset committed")
			}
		})
	}
}

func TestConsumer_RunKeepsPartitionOrder(t *testing.T) {
	reader := &mockReader{queue: []kafka.Message{
		envelopeMessage(t, 1, "e1", "T1"),
		envelopeMessage(t, 2, "e2", "T1"),
		envelopeMessage(t, 3, "e3", "T1"),
	}}

	var (
		mu   sync.Mutex
		seen []string
	)
	retried := false
	d := &mockDispatcher{onEvent: func(ctx context.Context, env model.EventEnvelope) dispatcher.Result {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.EventID)
		if env.EventID == "e2" && !retried {
			retried = true
			return dispatcher.RetryAfter(time.Millisecond)
		}
		return dispatcher.Ack()
	}}
	c := NewConsumer(reader, d, &recordingQuarantine{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(reader.committed()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, committed %v", reader.committed())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"e1", "e2", "e2", "e3"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
	if got := reader.committed(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected offsets committed in order, got %v", got)
	}
}
