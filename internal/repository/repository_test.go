package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	return sqlx.NewDb(mockDB, "mysql"), mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var outboxCols = []string{
	"id", "event_id", "event_type", "transaction_id", "from_status", "to_status", "correlation_key", "payload",
	"occurred_at", "publish_attempts", "last_attempt_at", "last_error", "published_at", "next_retry_at",
	"locked_until", "locked_by", "flagged_at",
}

func TestTransactions_GetByID_NotFound(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewTransactionsRepository(dbx)

	mock.ExpectQuery(`SELECT .* FROM transactions WHERE id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "currency", "status", "counterparty_account_id", "version", "created_at", "updated_at"}))

	got, err := repo.GetByID(context.Background(), nil, "missing")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil transaction, got %+v", got)
	}
	verify(t, mock)
}

func TestTransactions_GetByID_Scans(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewTransactionsRepository(dbx)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM transactions WHERE id = \?`).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "currency", "status", "counterparty_account_id", "version", "created_at", "updated_at"}).
			AddRow("tx-1", []byte("99.9900"), "USD", "PROCESSING", nil, int64(2), now, now))

	got, err := repo.GetByID(context.Background(), nil, "tx-1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got.Status != model.StatusProcessing || got.Version != 2 || got.Amount.String() != "99.99" {
		t.Fatalf("unexpected scan result: %+v", got)
	}
	if got.CounterpartyAccountID != nil {
		t.Fatalf("expected nil counterparty, got %v", *got.CounterpartyAccountID)
	}
	verify(t, mock)
}

func TestTransactions_UpdateStatus(t *testing.T) {
	for _, tc := range []struct {
		name     string
		affected int64
		want     bool
	}{
		{"applied", 1, true},
		{"version moved", 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dbx, mock := newMock(t)
			repo := NewTransactionsRepository(dbx)
			at := time.Now().UTC()

			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE transactions SET status = \?, version = version \+ 1, updated_at = \? WHERE id = \? AND version = \? AND status = \?`).
				WithArgs("REJECTED", at, "tx-1", int64(3), "PENDING").
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			mock.ExpectRollback()

			tx, err := dbx.Beginx()
			if err != nil {
				t.Fatal(err)
			}
			ok, err := repo.UpdateStatus(context.Background(), tx, "tx-1", 3, model.StatusPending, model.StatusRejected, at)
			_ = tx.Rollback()
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, ok)
			}
			verify(t, mock)
		})
	}
}

func TestOutbox_ClaimDue_LeasesRows(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lease := 30 * time.Second

	rows := sqlmock.NewRows(outboxCols).
		AddRow(int64(1), "e-1", "TRANSACTION_PROCESSING", "tx-1", "PENDING", "PROCESSING", "tx-1", []byte(`{}`),
			now, 0, nil, nil, nil, now, nil, nil, nil).
		AddRow(int64(2), "e-2", "TRANSACTION_REJECTED", "tx-2", "PENDING", "REJECTED", "tx-2", []byte(`{}`),
			now, 3, now, "broker down", nil, now, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox o WHERE o.published_at IS NULL .* NOT EXISTS .* FOR UPDATE SKIP LOCKED`).
		WithArgs(now, now, 10).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox SET locked_until = \?, locked_by = \? WHERE id IN \(\?, \?\)`).
		WithArgs(now.Add(lease), "worker-a", int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	got, err := repo.ClaimDue(context.Background(), now, 10, lease, "worker-a")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[1].PublishAttempts != 3 || got[1].LastError == nil || *got[1].LastError != "broker down" {
		t.Fatalf("unexpected bookkeeping on row 2: %+v", got[1])
	}
	for _, r := range got {
		if r.LockedBy == nil || *r.LockedBy != "worker-a" || r.LockedUntil == nil || !r.LockedUntil.Equal(now.Add(lease)) {
			t.Fatalf("row %d not leased: %+v", r.ID, r)
		}
	}
	verify(t, mock)
}

func TestOutbox_ClaimDue_Empty(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM outbox o`).WillReturnRows(sqlmock.NewRows(outboxCols))
	mock.ExpectRollback()

	got, err := repo.ClaimDue(context.Background(), now, 10, time.Second, "w")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
	verify(t, mock)
}

func TestOutbox_MarkPublished_LeaseLost(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	at := time.Now()

	mock.ExpectExec(`UPDATE outbox SET published_at = \?`).
		WithArgs(at, int64(7), "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.MarkPublished(context.Background(), 7, "worker-a", at); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	verify(t, mock)
}

func TestOutbox_MarkFailed(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	at := time.Now()
	next := at.Add(4 * time.Second)

	mock.ExpectExec(`UPDATE outbox SET publish_attempts = publish_attempts \+ 1`).
		WithArgs(at, "timeout", next, int64(7), "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(context.Background(), 7, "worker-a", at, next, "timeout"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	verify(t, mock)
}

func TestOutbox_FlagStale(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	at := time.Now()
	cutoff := at.Add(-15 * time.Minute)

	mock.ExpectExec(`UPDATE outbox SET flagged_at = \? WHERE published_at IS NULL AND flagged_at IS NULL AND occurred_at < \?`).
		WithArgs(at, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.FlagStale(context.Background(), cutoff, at)
	if err != nil || n != 4 {
		t.Fatalf("expected (4, nil), got (%d, %v)", n, err)
	}
	verify(t, mock)
}

func TestOutbox_Insert(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	at := time.Now().UTC()
	env := model.EventEnvelope{
		EventID: "e-1", EventType: "TRANSACTION_PROCESSING", TransactionID: "tx-1",
		FromStatus: model.StatusPending, ToStatus: model.StatusProcessing, CorrelationKey: "tx-1",
		OccurredAt: at, Payload: []byte(`{"schema_version":1}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs("e-1", "TRANSACTION_PROCESSING", "tx-1", "PENDING", "PROCESSING", "tx-1", []byte(`{"schema_version":1}`), at, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := dbx.Beginx()
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Insert(context.Background(), tx, env); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	verify(t, mock)
}
