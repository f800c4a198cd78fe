package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/envelope"
	"github.com/jmehdipour/txbus/internal/lifecycle"
	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier receives a hint after every committed transition.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Service is the only writer of transaction status. Every status change is
// committed together with its outbox row in one MySQL transaction.
type Service struct {
	db      *sqlx.DB
	txs     repository.TransactionsRepository
	outbox  repository.OutboxRepository
	builder *envelope.Builder
	log     *zap.Logger

	// CommitTimeout bounds one unit of work, including lock waits.
	CommitTimeout time.Duration
	// Notifier is optional.
	Notifier Notifier

	now func() time.Time
}

// New constructs the transition service.
func New(
	db *sqlx.DB,
	txRepo repository.TransactionsRepository,
	outboxRepo repository.OutboxRepository,
	builder *envelope.Builder,
	log *zap.Logger,
) *Service {
	return &Service{
		db:            db,
		txs:           txRepo,
		outbox:        outboxRepo,
		builder:       builder,
		log:           log,
		CommitTimeout: 5 * time.Second,
		now:           time.Now,
	}
}

type CreateInput struct {
	Amount                decimal.Decimal
	Currency              string
	CounterpartyAccountID *string
}

// Create stores a new PENDING transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	currency, ok := util.NormalizeCurrency(in.Currency)
	if !ok {
		return nil, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	}
	if in.CounterpartyAccountID != nil && *in.CounterpartyAccountID == "" {
		in.CounterpartyAccountID = nil
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	t := model.Transaction{
		ID:                    util.NewID(),
		Amount:                in.Amount,
		Currency:              currency,
		Status:                model.StatusPending,
		CounterpartyAccountID: in.CounterpartyAccountID,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	ctx, cancel := context.WithTimeout(ctx, s.CommitTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorageFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.txs.Insert(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("%w: insert transaction: %v", ErrStorageFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrStorageFailure, err)
	}
	return &t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := s.txs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// Events lists the outbox rows of one transaction in commit order.
func (s *Service) Events(ctx context.Context, id string) ([]model.OutboxEvent, error) {
	rows, err := s.outbox.ListByTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return rows, nil
}

// RequestTransition moves the transaction from whatever status it has now to
// target. It is the entry point for API callers.
func (s *Service) RequestTransition(ctx context.Context, id string, target model.Status) (model.EventEnvelope, error) {
	return s.commit(ctx, id, nil, target)
}

// CommitTransition moves the transaction from -> to. If the stored status is
// not from, or the row changes between read and write, it fails with
// KindConflict and the caller must retry from a fresh read.
func (s *Service) CommitTransition(ctx context.Context, id string, from, to model.Status) (model.EventEnvelope, error) {
	return s.commit(ctx, id, &from, to)
}

func (s *Service) commit(ctx context.Context, id string, expectFrom *model.Status, to model.Status) (env model.EventEnvelope, err error) {
	defer func() {
		result := "committed"
		var ce *CommitError
		if err != nil {
			result = "error"
			if errors.As(err, &ce) {
				result = ce.Kind.String()
			}
		}
		metrics.TransitionsTotal.WithLabelValues(to.String(), result).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.CommitTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.EventEnvelope{}, storageFailure(id, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.txs.GetByID(ctx, tx, id)
	if err != nil {
		return model.EventEnvelope{}, storageFailure(id, "load", err)
	}
	if cur == nil {
		return model.EventEnvelope{}, &CommitError{Kind: KindNotFound, TransactionID: id, Err: ErrNotFound}
	}

	from := cur.Status
	if expectFrom != nil && *expectFrom != from {
		return model.EventEnvelope{}, &CommitError{
			Kind:          KindConflict,
			TransactionID: id,
			Err:           fmt.Errorf("status is %s, expected %s", from, *expectFrom),
		}
	}

	if _, err := lifecycle.Transition(from, to); err != nil {
		return model.EventEnvelope{}, &CommitError{Kind: KindInvalidTransition, TransactionID: id, Err: err}
	}

	env, err = s.builder.Build(cur, from, to)
	if err != nil {
		return model.EventEnvelope{}, &CommitError{Kind: KindInvalidTransition, TransactionID: id, Err: err}
	}

	applied, err := s.txs.UpdateStatus(ctx, tx, id, cur.Version, from, to, env.OccurredAt)
	if err != nil {
		return model.EventEnvelope{}, storageFailure(id, "update status", err)
	}
	if !applied {
		return model.EventEnvelope{}, &CommitError{
			Kind:          KindConflict,
			TransactionID: id,
			Err:           fmt.Errorf("version %d is no longer current", cur.Version),
		}
	}

	if err := s.outbox.Insert(ctx, tx, env); err != nil {
		return model.EventEnvelope{}, storageFailure(id, "insert outbox", err)
	}

	if err := tx.Commit(); err != nil {
		return model.EventEnvelope{}, storageFailure(id, "commit", err)
	}

	s.log.Info("transition committed",
		zap.String("transaction_id", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("event_id", env.EventID),
	)

	if s.Notifier != nil {
		if nerr := s.Notifier.Notify(ctx); nerr != nil {
			s.log.Warn("outbox wakeup failed", zap.Error(nerr))
		}
	}

	return env, nil
}

func storageFailure(id, op string, err error) *CommitError {
	if db.IsLockContention(err) {
		op += " (lock contention)"
	}
	return &CommitError{Kind: KindStorageFailure, TransactionID: id, Err: fmt.Errorf("%s: %w", op, err)}
}
