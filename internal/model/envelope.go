package model

import (
	"encoding/json"
	"time"
)

// SnapshotSchemaVersion is embedded into every payload.
const SnapshotSchemaVersion = 1

// EventEnvelope is the immutable record of one status transition.
// It is what the outbox stores and what brokers carry.
type EventEnvelope struct {
	EventID        string          `json:"event_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	EventType      string          `json:"event_type"`
	TransactionID  string          `json:"transaction_id"`
	FromStatus     Status          `json:"from_status"`
	ToStatus       Status          `json:"to_status"`
	CorrelationKey string          `json:"correlation_key"`
	Payload        json.RawMessage `json:"payload"`
}

// TransactionSnapshot is the payload schema (version 1).
type TransactionSnapshot struct {
	SchemaVersion int         `json:"schema_version"`
	Transaction   Transaction `json:"transaction"`
	FromStatus    Status      `json:"from_status"`
	ToStatus      Status      `json:"to_status"`
}
