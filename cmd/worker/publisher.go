package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/kafka"
	"github.com/jmehdipour/txbus/internal/rabbitmq"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/wakeup"
	"github.com/jmehdipour/txbus/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Relay committed outbox events to the broker (kafka | rabbitmq)",
	RunE:  runPublisher,
}

type closingBroker interface {
	worker.Broker
	io.Closer
}

func newBroker(cfg config.Config) (closingBroker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	case config.BrokerKafka:
		return kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func runPublisher(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() { _ = log.Sync() }()

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	broker, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := worker.NewPublisher(repository.NewOutboxRepository(dbx), broker, log.Named("publisher"))

	// wake-ups are a latency optimization; polling still runs without Redis
	if rdb, err := db.NewRedisClient(cfg.Redis); err != nil {
		log.Warn("redis unavailable, polling only", zap.Error(err))
	} else {
		defer func() { _ = rdb.Close() }()
		p.Wake = wakeup.Subscribe(ctx, rdb, cfg.Outbox.NotifyChannel, log.Named("wakeup"))
	}

	pc := cfg.Publisher
	if pc.Workers > 0 {
		p.Workers = pc.Workers
	}
	if pc.BatchSize > 0 {
		p.BatchSize = pc.BatchSize
	}
	p.PollInterval = pc.PollInterval
	p.PublishTimeout = pc.PublishTimeout
	p.Lease = pc.Lease
	p.ShutdownGrace = pc.ShutdownGrace
	p.MaxAge = pc.MaxAge
	p.StaleCheckInterval = pc.StaleCheckInterval
	p.Backoff = worker.Backoff{Base: pc.Backoff.Base, Cap: pc.Backoff.Cap, Jitter: pc.Backoff.Jitter}

	log.Info("publisher starting",
		zap.String("id", p.ID),
		zap.String("broker", cfg.Broker.Kind),
		zap.Int("workers", p.Workers),
		zap.Int("batch_size", p.BatchSize),
		zap.Duration("lease", p.Lease),
	)
	return p.Run(ctx)
}
