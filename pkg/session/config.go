package session

import (
	"context"
	"fmt"
	"time"
)

// Config holds session persistence configuration from YAML.
type Config struct {
	// Store selects the backend: "dynamodb", "redis" or "file".
	// Default: "file"
	Store string `yaml:"store"`

	// TTL is how long a session survives without activity (e.g. "24h").
	TTL string `yaml:"ttl"`

	// BaseDir is the base directory for file-based storage.
	BaseDir string `yaml:"base_dir"`

	// SweepSchedule is a cron expression for index pruning. Empty disables it.
	SweepSchedule string `yaml:"sweep_schedule"`

	// MaxConcurrentFetches caps parallel history reads when listing a user's
	// sessions. Zero means unbounded.
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`

	Redis    RedisConfig    `yaml:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:         "file",
		TTL:           DefaultTTL.String(),
		BaseDir:       "./data/sessions",
		SweepSchedule: "@every 10m",
		Redis: RedisConfig{
			Prefix: "reportlens:",
		},
		DynamoDB: DynamoDBConfig{
			SessionsTable:  "Sessions",
			HistoryTable:   "ChatHistory",
			UserIndex:      "UserIdIndex",
			ConsistentRead: true,
		},
	}
}

// ParsedTTL returns the TTL as a duration, falling back to DefaultTTL.
func (c Config) ParsedTTL() (time.Duration, error) {
	if c.TTL == "" {
		return DefaultTTL, nil
	}
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid session ttl %q: %w", c.TTL, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("session ttl must be positive, got %s", d)
	}
	return d, nil
}

// NewBackend opens the backend selected by cfg.
func NewBackend(ctx context.Context, cfg Config) (StorageBackend, error) {
	ttl, err := cfg.ParsedTTL()
	if err != nil {
		return nil, err
	}

	switch cfg.Store {
	case "", "file":
		return NewFileBackend(cfg.BaseDir, ttl)
	case "redis":
		return NewRedisBackend(cfg.Redis, ttl)
	case "dynamodb":
		client, err := NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBBackend(client, cfg.DynamoDB, ttl), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
