package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/txbus/internal/lifecycle"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmehdipour/txbus/internal/service/transition"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type createReq struct {
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	CounterpartyAccountID *string         `json:"counterparty_account_id"`
}

type transitionReq struct {
	TargetStatus string `json:"target_status"`
}

// eventView is an outbox row as the API shows it (payload inline, not base64).
type eventView struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	FromStatus      model.Status    `json:"from_status"`
	ToStatus        model.Status    `json:"to_status"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Payload         json.RawMessage `json:"payload"`
	PublishAttempts int             `json:"publish_attempts"`
	LastError       *string         `json:"last_error,omitempty"`
	NextRetryAt     time.Time       `json:"next_retry_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	FlaggedAt       *time.Time      `json:"flagged_at,omitempty"`
}

func createTransactionHandler(svc TransactionService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if req.CounterpartyAccountID != nil {
			cp := strings.TrimSpace(*req.CounterpartyAccountID)
			req.CounterpartyAccountID = &cp
		}

		tx, err := svc.Create(c.Request().Context(), transition.CreateInput{
			Amount:                req.Amount,
			Currency:              req.Currency,
			CounterpartyAccountID: req.CounterpartyAccountID,
		})
		if err != nil {
			if errors.Is(err, transition.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			log.Error("create transaction failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		}

		return c.JSON(http.StatusCreated, tx)
	}
}

func getTransactionHandler(svc TransactionService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tx, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, transition.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
			}
			log.Error("get transaction failed", zap.String("transaction_id", c.Param("id")), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		}
		return c.JSON(http.StatusOK, tx)
	}
}

func requestTransitionHandler(svc TransactionService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req transitionReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		target, ok := model.ParseStatus(req.TargetStatus)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid target_status"})
		}

		id := c.Param("id")
		env, err := svc.RequestTransition(c.Request().Context(), id, target)
		if err == nil {
			return c.JSON(http.StatusCreated, env)
		}

		var ite *lifecycle.InvalidTransitionError
		switch {
		case errors.As(err, &ite):
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{
				"error":   "invalid_transition",
				"current": ite.Current.String(),
				"target":  ite.Target.String(),
				"reason":  ite.Reason,
			})
		case errors.Is(err, transition.ErrInvalidTransition):
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid_transition"})
		case errors.Is(err, transition.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
		case errors.Is(err, transition.ErrConflict):
			return c.JSON(http.StatusConflict, map[string]string{
				"error":       "conflict",
				"description": "transaction changed concurrently; re-read and retry",
			})
		default:
			log.Error("transition failed", zap.String("transaction_id", id), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		}
	}
}

func listTransactionEventsHandler(svc TransactionService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		rows, err := svc.Events(ctx, id)
		if err != nil {
			log.Error("list events failed", zap.String("transaction_id", id), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		}
		if len(rows) == 0 {
			// a created transaction has no events yet; tell that apart from an unknown id
			if _, err := svc.Get(ctx, id); errors.Is(err, transition.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
			}
		}

		out := make([]eventView, 0, len(rows))
		for _, r := range rows {
			out = append(out, eventView{
				EventID:         r.EventID,
				EventType:       r.EventType,
				FromStatus:      r.FromStatus,
				ToStatus:        r.ToStatus,
				OccurredAt:      r.OccurredAt,
				Payload:         r.Payload,
				PublishAttempts: r.PublishAttempts,
				LastError:       r.LastError,
				NextRetryAt:     r.NextRetryAt,
				PublishedAt:     r.PublishedAt,
				FlaggedAt:       r.FlaggedAt,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"transaction_id": id,
			"count":          len(out),
			"results":        out,
		})
	}
}
