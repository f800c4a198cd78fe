package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmoiron/sqlx"
)

// AuditEvent is one consumed envelope as stored in ClickHouse.
type AuditEvent struct {
	EventID       string    `db:"event_id"       json:"event_id"`
	EventType     string    `db:"event_type"     json:"event_type"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	FromStatus    string    `db:"from_status"    json:"from_status"`
	ToStatus      string    `db:"to_status"      json:"to_status"`
	OccurredAt    time.Time `db:"occurred_at"    json:"occurred_at"`
	Payload       string    `db:"payload"        json:"payload"`
	ConsumedAt    time.Time `db:"consumed_at"    json:"consumed_at"`
}

type AuditFilter struct {
	TransactionID string
	EventType     string
	Limit         int
	Offset        int
}

// CHEventsRepository appends and lists audit events (ReplacingMergeTree on event_id).
type CHEventsRepository interface {
	Insert(ctx context.Context, env model.EventEnvelope, consumedAt time.Time) error
	List(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) Insert(ctx context.Context, env model.EventEnvelope, consumedAt time.Time) error {
	_, err := r.ch.ExecContext(ctx, `
		INSERT INTO txbus.transaction_events
		    (event_id, event_type, transaction_id, from_status, to_status, occurred_at, payload, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, env.EventID, env.EventType, env.TransactionID, env.FromStatus.String(), env.ToStatus.String(),
		env.OccurredAt, string(env.Payload), consumedAt)
	return err
}

func (r *chEventsRepository) List(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT event_id, event_type, transaction_id, from_status, to_status, occurred_at, payload, consumed_at
		FROM txbus.transaction_events FINAL
		WHERE 1 = 1
	`
	var args []any

	if f.TransactionID != "" {
		q += " AND transaction_id = ?"
		args = append(args, f.TransactionID)
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []AuditEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
