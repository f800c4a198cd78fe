package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusAwaitingApproval     Status = "AWAITING_APPROVAL"
	StatusSettlementInProgress Status = "SETTLEMENT_IN_PROGRESS"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusRejected             Status = "REJECTED"
	StatusCancelled            Status = "CANCELLED"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusAwaitingApproval,
	StatusSettlementInProgress,
	StatusCompleted,
	StatusFailed,
	StatusRejected,
	StatusCancelled,
}

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// ParseStatus normalizes input (case, surrounding spaces, dashes).
// Returns (value, true) if valid; otherwise ("", false).
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "_"))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// Transaction is the DB entity persisted in transactions table.
type Transaction struct {
	ID                    string          `db:"id"                      json:"id"`
	Amount                decimal.Decimal `db:"amount"                  json:"amount"`
	Currency              string          `db:"currency"                json:"currency"`
	Status                Status          `db:"status"                  json:"status"`
	CounterpartyAccountID *string         `db:"counterparty_account_id" json:"counterparty_account_id,omitempty"`
	Version               int64           `db:"version"                 json:"version"`
	CreatedAt             time.Time       `db:"created_at"              json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"              json:"updated_at"`
}
