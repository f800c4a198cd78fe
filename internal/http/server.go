package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/http/middleware"
	"github.com/jmehdipour/txbus/internal/logger"
	"github.com/jmehdipour/txbus/internal/metrics"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/service/transition"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TransactionService is the command side served under /v1/transactions.
type TransactionService interface {
	Create(ctx context.Context, in transition.CreateInput) (*model.Transaction, error)
	Get(ctx context.Context, id string) (*model.Transaction, error)
	Events(ctx context.Context, id string) ([]model.OutboxEvent, error)
	RequestTransition(ctx context.Context, id string, target model.Status) (model.EventEnvelope, error)
}

type OutboxStatsReader interface {
	Stats(ctx context.Context) (model.OutboxStats, error)
}

type QuarantineLister interface {
	List(ctx context.Context, limit, offset int) ([]model.QuarantineEntry, error)
}

type EventReports interface {
	List(ctx context.Context, f repository.AuditFilter) ([]repository.AuditEvent, error)
}

// Deps are the collaborators of the HTTP API. Reports and Redis are optional.
type Deps struct {
	Transactions TransactionService
	Outbox       OutboxStatsReader
	Quarantine   QuarantineLister
	Reports      EventReports
	Redis        *redis.Client
	Log          *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		Burst:          cfg.RateLimit.Burst,
		KeyPrefix:      "txbus:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
		Log:            d.Log.Named("ratelimit"),
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/transactions", createTransactionHandler(d.Transactions, d.Log))
	v1.GET("/transactions/:id", getTransactionHandler(d.Transactions, d.Log))
	v1.POST("/transactions/:id/transitions", requestTransitionHandler(d.Transactions, d.Log))
	v1.GET("/transactions/:id/events", listTransactionEventsHandler(d.Transactions, d.Log))
	v1.GET("/outbox/stats", outboxStatsHandler(d.Outbox, d.Log))
	v1.GET("/quarantine", listQuarantineHandler(d.Quarantine, d.Log))
	if d.Reports != nil {
		v1.GET("/reports/events", listEventsReportHandler(d.Reports, d.Log))
	}

	return &Server{e: e, log: d.Log}
}

// Handler exposes the router (tests, custom listeners).
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch logger.ParseLevel(level) {
	case zapcore.DebugLevel:
		return log.DEBUG
	case zapcore.WarnLevel:
		return log.WARN
	case zapcore.ErrorLevel:
		return log.ERROR
	default:
		return log.INFO
	}
}
