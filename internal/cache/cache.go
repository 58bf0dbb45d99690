// Package cache provides an explicit Redis-backed response cache.
//
// The cache is an instance constructed at startup and passed by reference
// to whoever needs it; there is no module-level mutable state. A nil
// *Cache is valid and behaves as a permanent miss, so callers never need
// to branch on whether caching is configured.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache caches serialized API responses and settings blobs with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache around an existing Redis client. ttl is the default
// entry lifetime; zero means no expiry.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached value for key and whether it was present.
// Backend errors are reported as misses with the error attached; a cache
// failure must never fail the request it was accelerating.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a value under key with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if c == nil {
		return nil
	}
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value under key with an explicit TTL.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateByPrefix removes every key under a prefix. Used after import
// mutations so audience-status reads never serve stale progress.
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix string) error {
	if c == nil || c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate prefix %s: %w", prefix, err)
	}
	return nil
}
