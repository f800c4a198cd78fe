package envelope_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/txbus/internal/envelope"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/shopspring/decimal"
)

func newTx(updatedAt time.Time) *model.Transaction {
	return &model.Transaction{
		ID:        "01J0000000000000000000TX01",
		Amount:    decimal.RequireFromString("125.50"),
		Currency:  "EUR",
		Status:    model.StatusSettlementInProgress,
		Version:   4,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuild_Fields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	b := envelope.NewBuilder().
		WithClock(fixedClock(now)).
		WithIDGenerator(func() string { return "evt-1" })

	tx := newTx(now.Add(-time.Minute))
	env, err := b.Build(tx, model.StatusSettlementInProgress, model.StatusCompleted)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if env.EventID != "evt-1" {
		t.Fatalf("expected event id evt-1, got %s", env.EventID)
	}
	if env.EventType != "TRANSACTION_COMPLETED" {
		t.Fatalf("expected TRANSACTION_COMPLETED, got %s", env.EventType)
	}
	if env.CorrelationKey != tx.ID || env.TransactionID != tx.ID {
		t.Fatalf("expected correlation key and transaction id %s, got %s / %s", tx.ID, env.CorrelationKey, env.TransactionID)
	}
	if !env.OccurredAt.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("expected occurred_at %s, got %s", now.Truncate(time.Millisecond), env.OccurredAt)
	}
	if tx.Status != model.StatusSettlementInProgress || tx.Version != 4 {
		t.Fatal("Build must not mutate the input transaction")
	}

	snap, err := envelope.Decode(env.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if snap.SchemaVersion != model.SnapshotSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", model.SnapshotSchemaVersion, snap.SchemaVersion)
	}
	if snap.Transaction.Status != model.StatusCompleted || snap.Transaction.Version != 5 {
		t.Fatalf("snapshot should reflect post-transition state, got %s v%d", snap.Transaction.Status, snap.Transaction.Version)
	}
	if !snap.Transaction.Amount.Equal(decimal.RequireFromString("125.5")) {
		t.Fatalf("amount lost precision: %s", snap.Transaction.Amount)
	}
	if snap.FromStatus != model.StatusSettlementInProgress || snap.ToStatus != model.StatusCompleted {
		t.Fatalf("unexpected statuses in snapshot: %s -> %s", snap.FromStatus, snap.ToStatus)
	}
}

func TestBuild_OccurredAtStrictlyIncreasing(t *testing.T) {
	prev := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)

	// clock behind the previous event (skew) and equal to it
	for _, now := range []time.Time{prev.Add(-2 * time.Second), prev, prev.Add(300 * time.Microsecond)} {
		b := envelope.NewBuilder().WithClock(fixedClock(now))
		env, err := b.Build(newTx(prev), model.StatusSettlementInProgress, model.StatusFailed)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if !env.OccurredAt.After(prev) {
			t.Fatalf("clock %s: occurred_at %s not after previous %s", now, env.OccurredAt, prev)
		}
	}
}

func TestBuild_UniqueIDs(t *testing.T) {
	b := envelope.NewBuilder()
	tx := newTx(time.Now().Add(-time.Second))

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		env, err := b.Build(tx, model.StatusSettlementInProgress, model.StatusCompleted)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if _, dup := seen[env.EventID]; dup {
			t.Fatalf("duplicate event id %s", env.EventID)
		}
		seen[env.EventID] = struct{}{}
	}
}

func TestBuild_InvalidInput(t *testing.T) {
	b := envelope.NewBuilder()

	if _, err := b.Build(nil, model.StatusPending, model.StatusProcessing); !errors.Is(err, envelope.ErrNilTransaction) {
		t.Fatalf("expected ErrNilTransaction, got %v", err)
	}
	for _, to := range []model.Status{model.StatusPending, "", "SETTLED"} {
		if _, err := b.Build(newTx(time.Now()), model.StatusProcessing, to); !errors.Is(err, envelope.ErrUnmappedStatus) {
			t.Fatalf("to=%q: expected ErrUnmappedStatus, got %v", to, err)
		}
	}
}

func TestEventTypes(t *testing.T) {
	types := envelope.EventTypes()
	if len(types) != len(model.AllStatuses)-1 {
		t.Fatalf("expected %d event types, got %d", len(model.AllStatuses)-1, len(types))
	}
	for _, et := range types {
		if et == "TRANSACTION_PENDING" {
			t.Fatal("PENDING must not have an event type")
		}
	}
}

func TestDecode_ForwardCompatible(t *testing.T) {
	payload := []byte(`{
		"schema_version": 2,
		"transaction": {"id": "tx-1", "amount": "10.00", "currency": "USD", "status": "COMPLETED", "risk_score": 0.2},
		"from_status": "SETTLEMENT_IN_PROGRESS",
		"to_status": "COMPLETED",
		"channel": "mobile"
	}`)

	snap, err := envelope.Decode(payload)
	if err != nil {
		t.Fatalf("expected newer schema to decode, got: %v", err)
	}
	if snap.Transaction.ID != "tx-1" || snap.ToStatus != model.StatusCompleted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestDecode_MissingSchema(t *testing.T) {
	if _, err := envelope.Decode([]byte(`{"transaction":{"id":"tx-1"}}`)); !errors.Is(err, envelope.ErrNoSchema) {
		t.Fatalf("expected ErrNoSchema, got %v", err)
	}
}
