package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/dispatcher"
	"github.com/jmehdipour/txbus/internal/kafka"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Consume transaction events from kafka and dispatch them to handlers",
	RunE:  runConsumer,
}

func runConsumer(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Broker.Kind != config.BrokerKafka {
		return errors.New("consumer reads from kafka only; set broker.kind=kafka")
	}

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	rdb, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.OptsFrom(cfg.ClickHouse))
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer func() { _ = chDB.Close() }()

	quarantine := repository.NewQuarantineRepository(dbx)
	disp, err := newDispatcher(cfg, rdb, quarantine, repository.NewCHEventsRepository(chDB), log)
	if err != nil {
		return err
	}

	reader := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        cfg.Kafka.GroupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer reader.Close()

	c := worker.NewConsumer(reader, disp, quarantine, log.Named("consumer"))
	if cfg.Consumer.RetryCap > 0 {
		c.RetryCap = cfg.Consumer.RetryCap
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("consumer starting",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.String("dedup", cfg.Consumer.Dedup.Store),
	)
	return c.Run(ctx)
}

func newDispatcher(
	cfg config.Config,
	rdb *redis.Client,
	quarantine dispatcher.Quarantine,
	audit dispatcher.AuditStore,
	log *zap.Logger,
) (*dispatcher.Dispatcher, error) {
	cc := cfg.Consumer

	var dedup dispatcher.Deduper
	if cc.Dedup.Store == "memory" {
		dedup = dispatcher.NewMemoryDeduper(cc.Dedup.Window)
	} else {
		dedup = dispatcher.NewRedisDeduper(rdb, cc.Dedup.TTL)
	}

	threshold, err := decimal.NewFromString(cc.Fraud.AmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("consumer.fraud.amount_threshold: %w", err)
	}

	d := dispatcher.New(dedup, quarantine, log.Named("dispatcher"))
	d.Register(dispatcher.NewAuditHandler(audit, log.Named("audit")))
	if cc.Notify.Enabled {
		d.Register(
			dispatcher.NewNotifyHandler(cc.Notify.URL, cc.Notify.TimeoutMs, cc.Notify.Breaker.FailThreshold, cc.Notify.Breaker.OpenForMs),
			cc.EventTypes...,
		)
	}
	d.Register(
		dispatcher.NewFraudHandler(rdb, threshold, cc.Fraud.VelocityLimit, cc.Fraud.VelocityWindow, log.Named("fraud")),
		dispatcher.FraudEventType,
	)
	return d, nil
}
