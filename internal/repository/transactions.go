package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmoiron/sqlx"
)

// TransactionsRepository defines persistence for the transactions table.
// Writes always run inside the caller's *sqlx.Tx so the outbox row commits with them.
type TransactionsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, t model.Transaction) error
	// GetByID returns (nil, nil) when the row does not exist.
	GetByID(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Transaction, error)
	// UpdateStatus applies an optimistic-concurrency update. It reports false
	// when the row no longer has expectVersion/from (someone else moved it).
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, expectVersion int64, from, to model.Status, updatedAt time.Time) (bool, error)
}

type TransactionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewTransactionsRepository(db *sqlx.DB) *TransactionsRepositoryImpl {
	return &TransactionsRepositoryImpl{db: db}
}

var _ TransactionsRepository = (*TransactionsRepositoryImpl)(nil)

const transactionColumns = `id, amount, currency, status, counterparty_account_id, version, created_at, updated_at`

func (r *TransactionsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, t model.Transaction) error {
	const q = `
		INSERT INTO transactions
		    (id, amount, currency, status, counterparty_account_id, version, created_at, updated_at)
		VALUES
		    (?,  ?,      ?,        ?,      ?,                       ?,       ?,          ?)
	`
	_, err := tx.ExecContext(ctx, q,
		t.ID, t.Amount, t.Currency, t.Status.String(), t.CounterpartyAccountID, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *TransactionsRepositoryImpl) GetByID(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Transaction, error) {
	if q == nil {
		q = r.db
	}
	var t model.Transaction
	err := sqlx.GetContext(ctx, q, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionsRepositoryImpl) UpdateStatus(
	ctx context.Context,
	tx *sqlx.Tx,
	id string,
	expectVersion int64,
	from, to model.Status,
	updatedAt time.Time,
) (bool, error) {
	const q = `
		UPDATE transactions
		   SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status = ?
	`
	res, err := tx.ExecContext(ctx, q, to.String(), updatedAt, id, expectVersion, from.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
