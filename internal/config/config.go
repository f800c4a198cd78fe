package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Transition TransitionConfig `mapstructure:"transition"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

type BrokerConfig struct {
	Kind string `mapstructure:"kind"` // kafka | rabbitmq
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type TransitionConfig struct {
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

type OutboxConfig struct {
	NotifyChannel string `mapstructure:"notify_channel"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Cap    time.Duration `mapstructure:"cap"`
	Jitter float64       `mapstructure:"jitter"`
}

type PublisherConfig struct {
	Workers            int           `mapstructure:"workers"`
	BatchSize          int           `mapstructure:"batch_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	Lease              time.Duration `mapstructure:"lease"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	Backoff            BackoffConfig `mapstructure:"backoff"`
	MaxAge             time.Duration `mapstructure:"max_age"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
}

type DedupConfig struct {
	Store  string        `mapstructure:"store"` // redis | memory
	TTL    time.Duration `mapstructure:"ttl"`
	Window int           `mapstructure:"window"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type NotifyConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type FraudConfig struct {
	AmountThreshold string        `mapstructure:"amount_threshold"`
	VelocityLimit   int           `mapstructure:"velocity_limit"`
	VelocityWindow  time.Duration `mapstructure:"velocity_window"`
}

type ConsumerConfig struct {
	EventTypes []string      `mapstructure:"event_types"`
	RetryCap   time.Duration `mapstructure:"retry_cap"`
	Dedup      DedupConfig   `mapstructure:"dedup"`
	Notify     NotifyConfig  `mapstructure:"notify"`
	Fraud      FraudConfig   `mapstructure:"fraud"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (TXBUS_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	// env override (TXBUS_*), nested keys use "_" (TXBUS_PUBLISHER_WORKERS)
	v.SetEnvPrefix("TXBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields every command relies on.
func (c Config) Validate() error {
	var errs []error

	switch c.Broker.Kind {
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka: brokers and topic are required"))
		}
	case BrokerRabbitMQ:
		if c.RabbitMQ.URL == "" || c.RabbitMQ.Exchange == "" {
			errs = append(errs, errors.New("rabbitmq: url and exchange are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind: unknown %q", c.Broker.Kind))
	}

	if c.Transition.CommitTimeout <= 0 {
		errs = append(errs, errors.New("transition.commit_timeout must be positive"))
	}

	p := c.Publisher
	if p.PublishTimeout <= 0 || p.PollInterval <= 0 || p.Lease <= 0 {
		errs = append(errs, errors.New("publisher: publish_timeout, poll_interval and lease must be positive"))
	}
	if p.Lease <= p.PublishTimeout {
		errs = append(errs, fmt.Errorf("publisher.lease (%s) must exceed publish_timeout (%s)", p.Lease, p.PublishTimeout))
	}
	if p.Backoff.Base <= 0 || p.Backoff.Cap < p.Backoff.Base {
		errs = append(errs, fmt.Errorf("publisher.backoff: need 0 < base (%s) <= cap (%s)", p.Backoff.Base, p.Backoff.Cap))
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("publisher.backoff.jitter must be in [0,1), got %v", p.Backoff.Jitter))
	}

	switch c.Consumer.Dedup.Store {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("consumer.dedup.store: unknown %q", c.Consumer.Dedup.Store))
	}
	if c.Consumer.Notify.Enabled && c.Consumer.Notify.URL == "" {
		errs = append(errs, errors.New("consumer.notify.url is required when notify is enabled"))
	}

	return errors.Join(errs...)
}
