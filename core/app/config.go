package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory = "memory"
	StoreBbolt  = "bbolt"
	StoreNats   = "nats"
)

// Config selects the backends and tunes the engine. All fields are read
// from the environment with the CQRS_ prefix, e.g. CQRS_STORE=nats.
type Config struct {
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Store is the event store backend: memory, bbolt or nats.
	Store     string `env:"STORE" envDefault:"memory"`
	BboltPath string `env:"BBOLT_PATH" envDefault:"cqrs.db"`

	NatsURL          string `env:"NATS_URL"`
	NatsStream       string `env:"NATS_STREAM" envDefault:"CQRS_ES"`
	SnapshotBucket   string `env:"SNAPSHOT_BUCKET" envDefault:"cqrs_snapshots"`
	CheckpointBucket string `env:"CHECKPOINT_BUCKET" envDefault:"cqrs_checkpoints"`
	CommandBucket    string `env:"COMMAND_BUCKET" envDefault:"cqrs_commands"`

	// RedisAddr enables Redis-backed read models, checkpoints and
	// idempotency records. Empty keeps them in process.
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"cqrs:"`

	SnapshotEvery       uint64        `env:"SNAPSHOT_EVERY" envDefault:"100"`
	CommandMaxAttempts  int           `env:"COMMAND_MAX_ATTEMPTS" envDefault:"5"`
	CommandBackoff      time.Duration `env:"COMMAND_BACKOFF" envDefault:"25ms"`
	IdempotencyTTL      time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	PollInterval        time.Duration `env:"PROJECTION_POLL_INTERVAL" envDefault:"500ms"`
	ProjectionBatchSize int           `env:"PROJECTION_BATCH_SIZE" envDefault:"256"`

	// Metrics registers Prometheus collectors on the default registerer.
	Metrics bool `env:"METRICS"`
}

func (c Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreBbolt, StoreNats:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	return nil
}

// ParseConfig reads the configuration from CQRS_-prefixed environment
// variables.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CQRS_"}); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}
