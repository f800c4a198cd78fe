package model

import "time"

// OutboxEvent pairs an envelope with publication bookkeeping (outbox table).
type OutboxEvent struct {
	ID              int64      `db:"id"`
	EventID         string     `db:"event_id"`
	EventType       string     `db:"event_type"`
	TransactionID   string     `db:"transaction_id"`
	FromStatus      Status     `db:"from_status"`
	ToStatus        Status     `db:"to_status"`
	CorrelationKey  string     `db:"correlation_key"`
	Payload         []byte     `db:"payload"`
	OccurredAt      time.Time  `db:"occurred_at"`
	PublishAttempts int        `db:"publish_attempts"`
	LastAttemptAt   *time.Time `db:"last_attempt_at"`
	LastError       *string    `db:"last_error"`
	PublishedAt     *time.Time `db:"published_at"`
	NextRetryAt     time.Time  `db:"next_retry_at"`
	LockedUntil     *time.Time `db:"locked_until"`
	LockedBy        *string    `db:"locked_by"`
	FlaggedAt       *time.Time `db:"flagged_at"`
}

// Envelope rebuilds the immutable part of the row.
func (o OutboxEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		EventID:        o.EventID,
		OccurredAt:     o.OccurredAt,
		EventType:      o.EventType,
		TransactionID:  o.TransactionID,
		FromStatus:     o.FromStatus,
		ToStatus:       o.ToStatus,
		CorrelationKey: o.CorrelationKey,
		Payload:        o.Payload,
	}
}

// OutboxStats summarizes the unpublished backlog.
type OutboxStats struct {
	Pending     int64      `db:"pending"      json:"pending"`
	Flagged     int64      `db:"flagged"      json:"flagged"`
	OldestAt    *time.Time `db:"oldest_at"    json:"oldest_at,omitempty"`
	MaxAttempts int64      `db:"max_attempts" json:"max_attempts"`
}
