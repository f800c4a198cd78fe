package repository

import (
	"context"

	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmoiron/sqlx"
)

// QuarantineRepository stores events a handler gave up on, for manual review.
type QuarantineRepository interface {
	Insert(ctx context.Context, e model.QuarantineEntry) error
	List(ctx context.Context, limit, offset int) ([]model.QuarantineEntry, error)
}

type quarantineRepo struct {
	db *sqlx.DB
}

func NewQuarantineRepository(db *sqlx.DB) QuarantineRepository { return &quarantineRepo{db: db} }

// Insert is idempotent per (event_id, handler): a redelivered event that fails
// the same way again keeps the first entry.
func (r *quarantineRepo) Insert(ctx context.Context, e model.QuarantineEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quarantine (event_id, handler, event_type, transaction_id, reason, envelope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, e.Handler, e.EventType, e.TransactionID, e.Reason, e.Envelope, e.CreatedAt)
	if db.IsDuplicateKey(err) {
		return nil
	}
	return err
}

func (r *quarantineRepo) List(ctx context.Context, limit, offset int) ([]model.QuarantineEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.QuarantineEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, handler, event_type, transaction_id, reason, envelope, created_at
		  FROM quarantine
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
