package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/envelope"
	httpSrv "github.com/jmehdipour/txbus/internal/http"
	"github.com/jmehdipour/txbus/internal/logger"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/service/transition"
	"github.com/jmehdipour/txbus/internal/wakeup"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if len(cfg.HTTP.APIKeys) == 0 {
			return errors.New("http.api_keys is empty: configure at least one key (TXBUS_HTTP_API_KEYS)")
		}

		log, err := logger.New(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		// the audit report endpoint is optional; the command path works without ClickHouse
		var reports httpSrv.EventReports
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.OptsFrom(cfg.ClickHouse))
		if err != nil {
			log.Warn("clickhouse unavailable, /v1/reports/events disabled", zap.Error(err))
		} else {
			defer func() { _ = chDB.Close() }()
			reports = repository.NewCHEventsRepository(chDB)
		}

		outboxRepo := repository.NewOutboxRepository(mysqlDB)
		svc := transition.New(
			mysqlDB,
			repository.NewTransactionsRepository(mysqlDB),
			outboxRepo,
			envelope.NewBuilder(),
			log.Named("transition"),
		)
		svc.CommitTimeout = cfg.Transition.CommitTimeout
		svc.Notifier = wakeup.NewNotifier(redisClient, cfg.Outbox.NotifyChannel)

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Transactions: svc,
			Outbox:       outboxRepo,
			Quarantine:   repository.NewQuarantineRepository(mysqlDB),
			Reports:      reports,
			Redis:        redisClient,
			Log:          log.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
