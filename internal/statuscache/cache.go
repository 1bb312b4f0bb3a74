// Package statuscache keeps the latest snapshot of every job in Redis so status
// polling does not hit the database.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// Defaults for the cache
const (
	DefaultTTL       = 24 * time.Hour
	DefaultKeyPrefix = "translation:job:"
)

// Config holds Redis connection configuration
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	TTL         time.Duration
	KeyPrefix   string
	Logger      *slog.Logger
}

// Cache stores job snapshots keyed by job id
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg *Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	c := NewWithClient(client, cfg)
	c.logger.Info("Status cache connected",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
		slog.Duration("ttl", c.ttl),
	)
	return c, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, cfg *Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

// Key returns the Redis key of a job snapshot
func (c *Cache) Key(jobID string) string {
	return c.prefix + jobID
}

// Put stores snap, replacing any older snapshot of the same job
func (c *Cache) Put(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.client.Set(ctx, c.Key(snap.JobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot, or nil when the job is not cached
func (c *Cache) Get(ctx context.Context, jobID string) (*domain.Snapshot, error) {
	data, err := c.client.Get(ctx, c.Key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt entry is treated as a miss and dropped
		c.logger.Warn("Dropping unreadable cached snapshot",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		_ = c.Delete(ctx, jobID)
		return nil, nil
	}
	return &snap, nil
}

// Delete removes a job's snapshot
func (c *Cache) Delete(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, c.Key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}
