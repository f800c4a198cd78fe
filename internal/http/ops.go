package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func outboxStatsHandler(outbox OutboxStatsReader, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := outbox.Stats(c.Request().Context())
		if err != nil {
			log.Error("outbox stats failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		}
		return c.JSON(http.StatusOK, st)
	}
}

func listQuarantineHandler(q QuarantineLister, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)
		rows, err := q.List(c.Request().Context(), limit, offset)
		if err != nil {
			log.Error("quarantine list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

// pageParams reads limit (1..1000, default 50) and offset (>= 0).
func pageParams(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
