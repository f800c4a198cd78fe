package dispatcher

import (
	"context"
	"time"

	"github.com/jmehdipour/txbus/internal/model"
	"go.uber.org/zap"
)

// AuditStore appends consumed events to the audit trail.
type AuditStore interface {
	Insert(ctx context.Context, env model.EventEnvelope, consumedAt time.Time) error
}

// AuditHandler copies every envelope into ClickHouse. The table collapses
// duplicates on event_id, so a replay after a crash is harmless.
type AuditHandler struct {
	store AuditStore
	log   *zap.Logger

	Retry time.Duration
	now   func() time.Time
}

func NewAuditHandler(store AuditStore, log *zap.Logger) *AuditHandler {
	return &AuditHandler{store: store, log: log, Retry: 5 * time.Second, now: time.Now}
}

func (h *AuditHandler) Name() string { return "audit" }

func (h *AuditHandler) Handle(ctx context.Context, env model.EventEnvelope) Result {
	if err := h.store.Insert(ctx, env, h.now().UTC()); err != nil {
		h.log.Warn("audit insert failed", zap.String("event_id", env.EventID), zap.Error(err))
		return RetryAfter(h.Retry)
	}
	return Ack()
}
