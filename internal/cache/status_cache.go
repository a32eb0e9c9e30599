// Package cache implements the best-effort status cache. Entries are
// projections of the job row with a bounded TTL; a stale or missing entry
// only costs one extra store read, so cache failures never propagate to the
// operations around them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"accessbridge/internal/config"
	"accessbridge/internal/models"
)

// StatusCache caches job status under cache:status:{correlation_id}.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a cache client from config.
func New(cfg config.Config) *StatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &StatusCache{client: client, ttl: cfg.CacheTTL}
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func key(correlationID string) string {
	return fmt.Sprintf("cache:status:%s", correlationID)
}

// Get returns the cached status view. The second return is false on a miss
// or on any cache error; the caller falls back to the store either way.
func (c *StatusCache) Get(ctx context.Context, correlationID string) (models.StatusView, bool, error) {
	raw, err := c.client.Get(ctx, key(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.StatusView{}, false, nil
	}
	if err != nil {
		return models.StatusView{}, false, err
	}
	var view models.StatusView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		// Unreadable entry behaves like a miss; the next Set replaces it.
		return models.StatusView{}, false, err
	}
	return view, true, nil
}

// Set writes the status view with the configured TTL. Callers treat a
// returned error as log-and-continue; the store remains authoritative.
func (c *StatusCache) Set(ctx context.Context, correlationID, status string) error {
	payload, err := json.Marshal(models.StatusView{
		CorrelationID: correlationID,
		Status:        status,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(correlationID), payload, c.ttl).Err()
}

func (c *StatusCache) Close() error {
	return c.client.Close()
}
