package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyFeed = "history:feed:"

// DefaultCacheTTL bounds how stale a cached feed can be when an invalidation is missed.
const DefaultCacheTTL = 30 * time.Second

// RedisCache keeps merged feeds in Redis as JSON.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) key(ownerID string) string {
	return c.keyPrefix + keyFeed + ownerID
}

func (c *RedisCache) Get(ctx context.Context, ownerID string) ([]Entry, bool, error) {
	data, err := c.client.Get(ctx, c.key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("decode feed: %w", err)
	}
	return entries, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ownerID string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode feed: %w", err)
	}
	if err := c.client.Set(ctx, c.key(ownerID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, c.key(ownerID)).Err()
}
