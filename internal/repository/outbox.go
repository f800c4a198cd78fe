package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrLeaseLost means the row is no longer claimed by the caller: its lease
// expired and another publisher took it, or it was already published.
var ErrLeaseLost = errors.New("outbox: lease lost")

// OutboxRepository defines persistence methods for the outbox table.
// Insert is the only write of the transactional path; everything else belongs
// to the publisher worker.
type OutboxRepository interface {
	// Insert writes the envelope in the caller's transaction.
	Insert(ctx context.Context, tx *sqlx.Tx, env model.EventEnvelope) error
	ListByTransaction(ctx context.Context, transactionID string) ([]model.OutboxEvent, error)

	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, owner string) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, owner string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, owner string, at, nextRetryAt time.Time, cause string) error
	Release(ctx context.Context, id int64, owner string) error
	FlagStale(ctx context.Context, olderThan, at time.Time) (int64, error)
	Stats(ctx context.Context) (model.OutboxStats, error)
}

// OutboxRepositoryImpl is a sqlx-backed (MySQL 8) implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `id, event_id, event_type, transaction_id, from_status, to_status, correlation_key, payload,
	occurred_at, publish_attempts, last_attempt_at, last_error, published_at, next_retry_at,
	locked_until, locked_by, flagged_at`

// Insert adds the envelope as a due row (next_retry_at = occurred_at).
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, env model.EventEnvelope) error {
	const q = `
		INSERT INTO outbox
		    (event_id, event_type, transaction_id, from_status, to_status, correlation_key, payload,
		     occurred_at, publish_attempts, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := tx.ExecContext(ctx, q,
		env.EventID, env.EventType, env.TransactionID, env.FromStatus.String(), env.ToStatus.String(),
		env.CorrelationKey, []byte(env.Payload), env.OccurredAt, env.OccurredAt,
	)
	return err
}

func (r *OutboxRepositoryImpl) ListByTransaction(ctx context.Context, transactionID string) ([]model.OutboxEvent, error) {
	var rows []model.OutboxEvent
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+outboxColumns+` FROM outbox WHERE correlation_key = ? ORDER BY occurred_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ClaimDue leases up to limit due rows to owner. Only the oldest unpublished
// row of each correlation key is eligible, so rows of one key are never in
// flight at the same time and are published in commit order. SKIP LOCKED lets
// concurrent publishers claim disjoint sets.
func (r *OutboxRepositoryImpl) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, owner string) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []model.OutboxEvent
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox o
		 WHERE o.published_at IS NULL
		   AND o.next_retry_at <= ?
		   AND (o.locked_until IS NULL OR o.locked_until <= ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox p
		        WHERE p.correlation_key = o.correlation_key
		          AND p.published_at IS NULL
		          AND (p.occurred_at < o.occurred_at OR (p.occurred_at = o.occurred_at AND p.id < o.id))
		   )
		 ORDER BY o.occurred_at, o.id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, now, now, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	until := now.Add(lease)
	query, args, err := sqlx.In(`UPDATE outbox SET locked_until = ?, locked_by = ? WHERE id IN (?)`, until, owner, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i].LockedUntil = &until
		rows[i].LockedBy = &owner
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id int64, owner string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET published_at = ?, locked_until = NULL, locked_by = NULL
		 WHERE id = ? AND locked_by = ? AND published_at IS NULL
	`, at, id, owner)
	return leaseResult(res, err)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id int64, owner string, at, nextRetryAt time.Time, cause string) error {
	if len(cause) > 1024 {
		cause = cause[:1024]
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET publish_attempts = publish_attempts + 1,
		       last_attempt_at = ?, last_error = ?, next_retry_at = ?,
		       locked_until = NULL, locked_by = NULL
		 WHERE id = ? AND locked_by = ? AND published_at IS NULL
	`, at, cause, nextRetryAt, id, owner)
	return leaseResult(res, err)
}

// Release drops the lease without counting an attempt (shutdown before the
// broker answered).
func (r *OutboxRepositoryImpl) Release(ctx context.Context, id int64, owner string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET locked_until = NULL, locked_by = NULL
		 WHERE id = ? AND locked_by = ? AND published_at IS NULL
	`, id, owner)
	return leaseResult(res, err)
}

// FlagStale marks unpublished rows older than olderThan for operator attention.
// Flagged rows stay eligible for publishing.
func (r *OutboxRepositoryImpl) FlagStale(ctx context.Context, olderThan, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET flagged_at = ?
		 WHERE published_at IS NULL AND flagged_at IS NULL AND occurred_at < ?
	`, at, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) Stats(ctx context.Context) (model.OutboxStats, error) {
	var st model.OutboxStats
	err := r.db.GetContext(ctx, &st, `
		SELECT COUNT(*)                                    AS pending,
		       COALESCE(SUM(flagged_at IS NOT NULL), 0)    AS flagged,
		       MIN(occurred_at)                            AS oldest_at,
		       COALESCE(MAX(publish_attempts), 0)          AS max_attempts
		  FROM outbox
		 WHERE published_at IS NULL
	`)
	return st, err
}

func leaseResult(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
