package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// Cache implements repository.Cache on Redis.
type Cache struct {
	client goredis.UniversalClient
}

// NewCache creates a Redis-backed cache.
func NewCache(client goredis.UniversalClient) *Cache {
	return &Cache{client: client}
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return val, nil
}

// Set stores a value with an optional TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return nil
}

// SetNX sets a value only if the key doesn't exist.
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return ok, nil
}

// Delete removes a value by key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return nil
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return n > 0, nil
}

// Expire sets or updates the TTL for a key. A zero ttl removes the expiry.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		err = c.client.Expire(ctx, key, ttl).Err()
	} else {
		err = c.client.Persist(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return nil
}

// Increment atomically increments an integer value.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return n, nil
}

// Decrement atomically decrements an integer value.
func (c *Cache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", repository.ErrCacheUnavailable, err)
	}
	return n, nil
}

// Ensure Cache implements repository.Cache.
var _ repository.Cache = (*Cache)(nil)
