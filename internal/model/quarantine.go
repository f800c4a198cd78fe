package model

import "time"

// QuarantineEntry records an event a handler could not process permanently.
// Rows are reviewed by operators; nothing deletes them automatically.
type QuarantineEntry struct {
	ID            int64     `db:"id"             json:"id"`
	EventID       string    `db:"event_id"       json:"event_id"`
	Handler       string    `db:"handler"        json:"handler"`
	EventType     string    `db:"event_type"     json:"event_type"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	Reason        string    `db:"reason"         json:"reason"`
	Envelope      []byte    `db:"envelope"       json:"-"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
}
