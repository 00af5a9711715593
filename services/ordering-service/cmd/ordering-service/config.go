package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventorder/libs/config"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"ordering-service"`
	Port        string `env:"PORT" envDefault:"8090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"ordering.db"`

	KafkaBrokers           string        `env:"KAFKA_BROKERS"`
	KafkaGroupID           string        `env:"KAFKA_GROUP_ID" envDefault:"ordering-service"`
	KafkaConsumeTopic      string        `env:"KAFKA_CONSUME_TOPIC" envDefault:"order-events"`
	KafkaDLTTopic          string        `env:"KAFKA_DLT_TOPIC"`
	KafkaRetryAttempts     uint          `env:"KAFKA_RETRY_ATTEMPTS" envDefault:"3"`
	KafkaBackoffInitial    time.Duration `env:"KAFKA_BACKOFF_INITIAL" envDefault:"1s"`
	KafkaBackoffMultiplier float64       `env:"KAFKA_BACKOFF_MULTIPLIER" envDefault:"2"`

	MaxConflictRetries int           `env:"ORDERING_MAX_CONFLICT_RETRIES" envDefault:"3"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	SweepLeaseTTL      time.Duration `env:"SWEEP_LEASE_TTL" envDefault:"30s"`
	RedisAddr          string        `env:"REDIS_ADDR"`

	OutboxEnabled   bool          `env:"OUTBOX_ENABLED" envDefault:"true"`
	OutboxPollEvery time.Duration `env:"OUTBOX_POLL_EVERY" envDefault:"2s"`
	OutboxBatchSize int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
}

// loadConfig reads the configuration from environ, or from the process environment when nil.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := config.ParseFrom(&cfg, environ); err != nil {
		return Config{}, err
	}
	port, err := config.Port("PORT", cfg.Port)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	switch cfg.StoreDriver {
	case driverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case driverSQLite:
		if cfg.SQLitePath == "" {
			return Config{}, errors.New("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	case driverMemory:
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory (got %q)", cfg.StoreDriver)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", cfg.SweepInterval)
	}
	if cfg.KafkaBackoffMultiplier < 1 {
		return Config{}, fmt.Errorf("KAFKA_BACKOFF_MULTIPLIER must be at least 1 (got %v)", cfg.KafkaBackoffMultiplier)
	}
	return cfg, nil
}
