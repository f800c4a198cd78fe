package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/txbus/internal/envelope"
	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const FraudEventType = "TRANSACTION_PROCESSING"

// FraudHandler raises alerts for transactions entering PROCESSING:
//   - amount at or above the threshold,
//   - more than velocityLimit transactions to one counterparty within a
//     fixed window (counted in Redis).
//
// Alerts are logged and counted, the event is always acked: fraud review
// happens out of band and must not hold the partition.
type FraudHandler struct {
	rdb       *redis.Client
	threshold decimal.Decimal
	limit     int64
	window    time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewFraudHandler(rdb *redis.Client, threshold decimal.Decimal, velocityLimit int, window time.Duration, log *zap.Logger) *FraudHandler {
	if window <= 0 {
		window = time.Hour
	}
	return &FraudHandler{
		rdb:       rdb,
		threshold: threshold,
		limit:     int64(velocityLimit),
		window:    window,
		log:       log,
		now:       time.Now,
	}
}

func (h *FraudHandler) Name() string { return "fraud" }

func (h *FraudHandler) Handle(ctx context.Context, env model.EventEnvelope) Result {
	if env.EventType != FraudEventType {
		return Ack()
	}
	snap, err := envelope.Decode(env.Payload)
	if err != nil {
		return PermanentFailure(err.Error())
	}
	tx := snap.Transaction

	if h.threshold.IsPositive() && tx.Amount.GreaterThanOrEqual(h.threshold) {
		h.alert("amount", env, zap.String("amount", tx.Amount.String()), zap.String("threshold", h.threshold.String()))
	}

	if h.rdb != nil && h.limit > 0 && tx.CounterpartyAccountID != nil {
		n, err := h.countVelocity(ctx, *tx.CounterpartyAccountID)
		if err != nil {
			h.log.Warn("fraud velocity check failed", zap.String("event_id", env.EventID), zap.Error(err))
		} else if n > h.limit {
			h.alert("velocity", env, zap.String("counterparty_account_id", *tx.CounterpartyAccountID), zap.Int64("count", n))
		}
	}
	return Ack()
}

// countVelocity increments the counterparty's counter for the current window.
func (h *FraudHandler) countVelocity(ctx context.Context, counterparty string) (int64, error) {
	secs := max(int64(h.window/time.Second), 1)
	bucket := h.now().Unix() / secs
	key := fmt.Sprintf("txbus:velocity:%s:%d", counterparty, bucket)

	pipe := h.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, h.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (h *FraudHandler) alert(rule string, env model.EventEnvelope, fields ...zap.Field) {
	metrics.FraudAlertsTotal.WithLabelValues(rule).Inc()
	h.log.Warn("fraud alert", append([]zap.Field{
		zap.String("rule", rule),
		zap.String("transaction_id", env.TransactionID),
		zap.String("event_id", env.EventID),
	}, fields...)...)
}
