// Package envelope turns a validated status transition into an immutable
// EventEnvelope. It performs no I/O.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/txbus/internal/model"
)

var (
	ErrNilTransaction = errors.New("envelope: nil transaction")
	ErrUnmappedStatus = errors.New("envelope: no event type for status")
	ErrNoSchema       = errors.New("envelope: payload has no schema_version")
)

// Builder creates envelopes. The zero value is not usable; call NewBuilder.
type Builder struct {
	now   func() time.Time
	newID func() string
}

func NewBuilder() *Builder {
	return &Builder{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock replaces the time source (tests).
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithIDGenerator replaces the event id source (tests).
func (b *Builder) WithIDGenerator(fn func() string) *Builder {
	b.newID = fn
	return b
}

// EventType maps a target status to its event tag, e.g. COMPLETED -> TRANSACTION_COMPLETED.
// PENDING is only ever an initial status, so it has no event type.
func EventType(to model.Status) (string, error) {
	if !to.Valid() || to == model.StatusPending {
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, to)
	}
	return "TRANSACTION_" + to.String(), nil
}

// EventTypes lists every event tag the builder can produce.
func EventTypes() []string {
	out := make([]string, 0, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		if et, err := EventType(s); err == nil {
			out = append(out, et)
		}
	}
	return out
}

// Build produces the envelope for tx moving from -> to. The snapshot in the
// payload reflects tx after the transition (status, version, updated_at).
//
// occurred_at is strictly greater than tx.UpdatedAt, which is the previous
// envelope's occurred_at for the same transaction.
func (b *Builder) Build(tx *model.Transaction, from, to model.Status) (model.EventEnvelope, error) {
	if tx == nil {
		return model.EventEnvelope{}, ErrNilTransaction
	}
	eventType, err := EventType(to)
	if err != nil {
		return model.EventEnvelope{}, err
	}

	occurredAt := b.now().UTC().Truncate(time.Millisecond)
	if floor := tx.UpdatedAt.UTC().Truncate(time.Millisecond); !occurredAt.After(floor) {
		occurredAt = floor.Add(time.Millisecond)
	}

	next := *tx
	next.Status = to
	next.Version = tx.Version + 1
	next.UpdatedAt = occurredAt

	payload, err := json.Marshal(model.TransactionSnapshot{
		SchemaVersion: model.SnapshotSchemaVersion,
		Transaction:   next,
		FromStatus:    from,
		ToStatus:      to,
	})
	if err != nil {
		return model.EventEnvelope{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	return model.EventEnvelope{
		EventID:        b.newID(),
		OccurredAt:     occurredAt,
		EventType:      eventType,
		TransactionID:  tx.ID,
		FromStatus:     from,
		ToStatus:       to,
		CorrelationKey: tx.ID,
		Payload:        payload,
	}, nil
}

// Decode parses a payload. Unknown fields are ignored so consumers keep
// working when newer schema versions add fields.
func Decode(payload []byte) (model.TransactionSnapshot, error) {
	var snap model.TransactionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return model.TransactionSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SchemaVersion < 1 {
		return model.TransactionSnapshot{}, ErrNoSchema
	}
	return snap, nil
}
