// Package memory provides an in-memory cache implementation.
// This is suitable for single-node deployments where Redis is not available.
package memory

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// Cache implements repository.Cache using in-memory storage.
// This is NOT suitable for distributed deployments.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]*cacheItem
	stopCh  chan struct{}
	stopped bool
	now     func() time.Time
}

// cacheItem represents a single cached item.
type cacheItem struct {
	value     []byte
	expiresAt time.Time
	noExpiry  bool
}

func (i *cacheItem) isExpired(now time.Time) bool {
	if i.noExpiry {
		return false
	}
	return now.After(i.expiresAt)
}

// NewCache creates a new in-memory cache.
func NewCache() *Cache {
	c := &Cache{
		items:  make(map[string]*cacheItem),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}

	go c.cleanupLoop()

	return c
}

// cleanupLoop periodically removes expired items.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if item.isExpired(now) {
			delete(c.items, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		close(c.stopCh)
		c.stopped = true
	}
}

func (c *Cache) newItem(value []byte, ttl time.Duration) *cacheItem {
	item := &cacheItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	} else {
		item.noExpiry = true
	}
	return item
}

// live returns the unexpired item for key. Caller holds c.mu.
func (c *Cache) live(key string) (*cacheItem, bool) {
	item, exists := c.items[key]
	if !exists || item.isExpired(c.now()) {
		return nil, false
	}
	return item, true
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.live(key)
	if !ok {
		return nil, repository.ErrCacheMiss
	}

	return append([]byte(nil), item.value...), nil
}

// Set stores a value with an optional TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = c.newItem(value, ttl)
	return nil
}

// SetNX sets a value only if the key doesn't exist.
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key); ok {
		return false, nil
	}

	c.items[key] = c.newItem(value, ttl)
	return true, nil
}

// Delete removes a value by key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	return nil
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.live(key)
	return ok, nil
}

// Expire sets or updates the TTL for a key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.live(key)
	if !ok {
		return nil
	}

	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
		item.noExpiry = false
	} else {
		item.noExpiry = true
	}

	return nil
}

// Increment atomically increments an integer value.
// An existing expiry is kept; a new counter never expires.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.live(key)
	if !ok {
		item = &cacheItem{noExpiry: true}
		c.items[key] = item
	}

	var current int64
	if len(item.value) == 8 {
		current = int64(binary.LittleEndian.Uint64(item.value))
	}

	next := current + delta
	item.value = binary.LittleEndian.AppendUint64(nil, uint64(next))

	return next, nil
}

// Decrement atomically decrements an integer value.
func (c *Cache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return c.Increment(ctx, key, -delta)
}

// Ensure Cache implements repository.Cache.
var _ repository.Cache = (*Cache)(nil)
