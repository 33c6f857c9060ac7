// Package msgcache tracks which blob digests are held by the message cache.
// The local disk cache consults it before evicting an entry.
package msgcache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// DefaultLookupTimeout bounds a single IsPinned lookup.
const DefaultLookupTimeout = 250 * time.Millisecond

// Pins is a reference-counted pin set keyed by digest.
// Each pin carries a TTL so a crashed holder cannot pin a digest forever.
type Pins struct {
	cache   repository.Cache
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPins creates a pin set over cache.
func NewPins(cache repository.Cache, logger zerolog.Logger) *Pins {
	return &Pins{
		cache:   cache,
		timeout: DefaultLookupTimeout,
		logger:  logger.With().Str("service", "msgcache").Logger(),
	}
}

// Pin adds a hold on digest and refreshes its TTL.
func (p *Pins) Pin(ctx context.Context, digest string, ttl time.Duration) error {
	key := repository.CacheKeys.PinnedDigest(digest)
	if _, err := p.cache.Increment(ctx, key, 1); err != nil {
		return fmt.Errorf("failed to pin digest: %w", err)
	}
	if ttl > 0 {
		if err := p.cache.Expire(ctx, key, ttl); err != nil {
			return fmt.Errorf("failed to set pin ttl: %w", err)
		}
	}
	return nil
}

// Unpin releases one hold on digest. The key is dropped when no holds remain.
func (p *Pins) Unpin(ctx context.Context, digest string) error {
	key := repository.CacheKeys.PinnedDigest(digest)
	n, err := p.cache.Decrement(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("failed to unpin digest: %w", err)
	}
	if n <= 0 {
		if err := p.cache.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to clear pin: %w", err)
		}
	}
	return nil
}

// IsPinned reports whether digest is held. A lookup failure counts as pinned.
func (p *Pins) IsPinned(digest string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ok, err := p.cache.Exists(ctx, repository.CacheKeys.PinnedDigest(digest))
	if err != nil {
		p.logger.Warn().Err(err).Str("digest", digest).Msg("Pin lookup failed, treating digest as pinned")
		return true
	}
	return ok
}
