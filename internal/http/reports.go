package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/txbus/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// listEventsReportHandler serves the consumed-events audit trail from ClickHouse.
func listEventsReportHandler(reports EventReports, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)

		rows, err := reports.List(c.Request().Context(), repository.AuditFilter{
			TransactionID: strings.TrimSpace(c.QueryParam("transaction_id")),
			EventType:     strings.ToUpper(strings.TrimSpace(c.QueryParam("event_type"))),
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))

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
