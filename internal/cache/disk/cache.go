// Package disk provides the local cache of backend content.
// Entries map a backend locator to a local file copy and are bounded by
// file count, total bytes and a minimum lifetime. An injected veto keeps
// entries whose digest is still pinned elsewhere in the process.
package disk

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
)

// VetoFunc reports whether an entry with the given digest must not be evicted.
type VetoFunc func(digest string) bool

// Config holds cache limits.
type Config struct {
	// Dir holds the cached files. It is emptied on Startup and Shutdown.
	Dir string

	// MaxFiles bounds the number of entries.
	MaxFiles int

	// MaxBytes bounds the total size of entries.
	MaxBytes int64

	// MinLifetime is how long an entry must go unaccessed before it may
	// be evicted.
	MinLifetime time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		MaxFiles:    10000,
		MaxBytes:    1 << 30,
		MinLifetime: time.Minute,
	}
}

// Cache is a locator-keyed disk cache with LRU eviction.
// Inserts and evictions are serialized by one mutex. Readers hold the mutex
// only for the index lookup, so reads of distinct entries proceed in parallel.
type Cache struct {
	cfg     Config
	veto    VetoFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	lru   *list.List // front is most recently used
	items map[string]*list.Element
	size  int64
}

// New creates a cache. veto may be nil.
func New(cfg Config, veto VetoFunc, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	if veto == nil {
		veto = func(string) bool { return false }
	}
	return &Cache{
		cfg:     cfg,
		veto:    veto,
		metrics: m,
		logger:  logger.With().Str("service", "local_cache").Logger(),
		now:     time.Now,
		lru:     list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Startup recreates the cache directory empty. Files left by a previous
// process are not trusted.
func (c *Cache) Startup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
	if err := os.RemoveAll(c.cfg.Dir); err != nil {
		return fmt.Errorf("failed to clear cache dir: %w", err)
	}
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	c.logger.Info().
		Str("dir", c.cfg.Dir).
		Int("max_files", c.cfg.MaxFiles).
		Int64("max_bytes", c.cfg.MaxBytes).
		Dur("min_lifetime", c.cfg.MinLifetime).
		Msg("Local cache started")
	return nil
}

// Shutdown drops every entry and removes the cache directory.
func (c *Cache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
	if err := os.RemoveAll(c.cfg.Dir); err != nil {
		return fmt.Errorf("failed to remove cache dir: %w", err)
	}

	c.logger.Info().Msg("Local cache cleared")
	return nil
}

func (c *Cache) reset() {
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
	c.metrics.SetCacheUsage(0, 0)
}

// Get returns the entry for locator and marks it recently used.
func (c *Cache) Get(locator string) (*domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[locator]
	c.metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*domain.CacheEntry)
	entry.LastAccess = c.now()
	c.lru.MoveToFront(elem)

	cp := *entry
	return &cp, true
}

// Contains reports whether locator is cached, without touching LRU order.
func (c *Cache) Contains(locator string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[locator]
	return ok
}

// Open returns a stream of the cached content for locator.
// A hit whose file vanished is dropped and reported as a miss.
func (c *Cache) Open(locator string) (io.ReadCloser, *domain.CacheEntry, bool) {
	entry, ok := c.Get(locator)
	if !ok {
		return nil, nil, false
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		c.logger.Warn().Err(err).Str("locator", locator).Msg("Cached file unreadable, dropping entry")
		c.Remove(locator)
		return nil, nil, false
	}
	return f, entry, true
}

// Put copies r into the cache under locator. An empty digest is computed
// from the copied bytes. An existing entry for locator is replaced.
func (c *Cache) Put(locator string, r io.Reader, digest string) (*domain.CacheEntry, error) {
	tmp, err := os.CreateTemp(c.cfg.Dir, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create cache file: %w", err)
	}

	hw := crypto.NewHashWriter(tmp)
	_, copyErr := io.Copy(hw, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write cache file: %w", errors.Join(copyErr, closeErr))
	}

	if digest == "" {
		digest = hw.SHA256()
	}
	return c.insert(locator, tmp.Name(), digest, hw.Size())
}

// PutFile caches a copy of a local file. A hard link is used when the file
// is on the same filesystem, otherwise the bytes are copied.
func (c *Cache) PutFile(locator, srcPath, digest string) (*domain.CacheEntry, error) {
	if digest != "" {
		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(c.cfg.Dir, ".link-"+uuid.NewString())
		if err := os.Link(srcPath, dst); err == nil {
			return c.insert(locator, dst, digest, info.Size())
		}
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Put(locator, f, digest)
}

// insert moves a finished file into the index and evicts as needed.
func (c *Cache) insert(locator, tmpPath, digest string, size int64) (*domain.CacheEntry, error) {
	path := filepath.Join(c.cfg.Dir, uuid.NewString())
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to commit cache file: %w", err)
	}

	now := c.now()
	entry := &domain.CacheEntry{
		Locator:    locator,
		Path:       path,
		Digest:     digest,
		Size:       size,
		CreatedAt:  now,
		LastAccess: now,
	}

	c.mu.Lock()
	var stale []string
	if old, ok := c.items[locator]; ok {
		stale = append(stale, c.unlink(old))
	}
	elem := c.lru.PushFront(entry)
	c.items[locator] = elem
	c.size += size

	evicted, vetoed := c.evict(elem, now)
	for _, e := range evicted {
		stale = append(stale, e.Path)
	}
	files, bytes := len(c.items), c.size
	c.mu.Unlock()

	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("path", p).Msg("Failed to remove cache file")
		}
	}

	c.metrics.RecordCacheEviction(len(evicted), vetoed)
	c.metrics.SetCacheUsage(files, bytes)

	if len(evicted) > 0 || vetoed > 0 {
		c.logger.Debug().
			Int("evicted", len(evicted)).
			Int("vetoed", vetoed).
			Int("files", files).
			Int64("bytes", bytes).
			Msg("Cache eviction")
	}

	cp := *entry
	return &cp, nil
}

// evict removes entries from the LRU end until both quotas hold.
// keep is never evicted. Entries younger than MinLifetime stop the walk,
// since everything in front of them is younger still. Vetoed entries are
// skipped. Caller holds c.mu.
func (c *Cache) evict(keep *list.Element, now time.Time) (evicted []*domain.CacheEntry, vetoed int) {
	elem := c.lru.Back()
	for elem != nil && c.overQuota() {
		prev := elem.Prev()
		if elem == keep {
			elem = prev
			continue
		}

		entry := elem.Value.(*domain.CacheEntry)
		if now.Sub(entry.LastAccess) < c.cfg.MinLifetime {
			break
		}
		if c.veto(entry.Digest) {
			vetoed++
			elem = prev
			continue
		}

		c.lru.Remove(elem)
		delete(c.items, entry.Locator)
		c.size -= entry.Size
		evicted = append(evicted, entry)
		elem = prev
	}
	return evicted, vetoed
}

func (c *Cache) overQuota() bool {
	return (c.cfg.MaxFiles > 0 && len(c.items) > c.cfg.MaxFiles) ||
		(c.cfg.MaxBytes > 0 && c.size > c.cfg.MaxBytes)
}

// unlink drops elem from the index and returns its file path. Caller holds c.mu.
func (c *Cache) unlink(elem *list.Element) string {
	entry := elem.Value.(*domain.CacheEntry)
	c.lru.Remove(elem)
	delete(c.items, entry.Locator)
	c.size -= entry.Size
	return entry.Path
}

// Remove drops the entry for locator. It reports whether one existed.
func (c *Cache) Remove(locator string) bool {
	c.mu.Lock()
	elem, ok := c.items[locator]
	var path string
	if ok {
		path = c.unlink(elem)
	}
	files, bytes := len(c.items), c.size
	c.mu.Unlock()

	if !ok {
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn().Err(err).Str("locator", locator).Msg("Failed to remove cache file")
	}
	c.metrics.SetCacheUsage(files, bytes)
	return true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Size returns the total bytes of all entries.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
