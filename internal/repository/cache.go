package repository

import (
	"context"
	"time"
)

// =============================================================================
// Cache Interface (Redis)
// =============================================================================

// Cache defines the interface for shared key/value state.
// Implemented in memory for single-node use and by Redis for clusters.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets a value only if the key doesn't exist.
	// Returns true if the value was set, false if the key already exists.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets or updates the TTL for a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Increment atomically increments an integer value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Decrement atomically decrements an integer value.
	Decrement(ctx context.Context, key string, delta int64) (int64, error)
}

// =============================================================================
// Common Cache Keys
// =============================================================================

// CacheKeys provides cache key generation.
var CacheKeys = cacheKeys{}

type cacheKeys struct{}

// PinnedDigest returns the key counting message-cache pins on a digest.
func (cacheKeys) PinnedDigest(digest string) string {
	return "cache:pin:" + digest
}
