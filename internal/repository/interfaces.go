// Package repository defines data access interfaces for the mail blob store.
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
)

// =============================================================================
// Item Blob Repository
// =============================================================================

// BlobRefQuery selects blob references of one category in an item-id window.
type BlobRefQuery struct {
	MailboxID int64
	Category  domain.Category

	// Volumes restricts results to these volume ids. Empty means all.
	Volumes []int16

	// MinID is inclusive, MaxID exclusive.
	MinID int64
	MaxID int64
}

// ItemBlobRepository reads blob references from the mail item database.
// It is read-only; the mail store owns the item tables.
type ItemBlobRepository interface {
	// MaxItemID returns the highest item id in any category of the mailbox,
	// or 0 when the mailbox has no items.
	MaxItemID(ctx context.Context, mailboxID int64) (int64, error)

	// ListBlobRefs returns the blob references matching the query,
	// ordered by item id then revision.
	ListBlobRefs(ctx context.Context, q BlobRefQuery) ([]*domain.BlobRecord, error)
}

// =============================================================================
// Blob Repository (single-instance reference counts)
// =============================================================================

// BlobRepository defines the interface for single-instance blob metadata.
// This manages the reference counting for content-addressed storage.
type BlobRepository interface {
	// UpsertWithRefIncrement creates a new entry or increments ref_count if it exists.
	// Returns (isNew, error) where isNew indicates if a new entry was created.
	UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, locator string) (isNew bool, err error)

	// GetByHash retrieves an entry by its content hash.
	GetByHash(ctx context.Context, contentHash string) (*domain.SisEntry, error)

	// IncrementRef atomically increments the reference count.
	IncrementRef(ctx context.Context, contentHash string) error

	// DecrementRef atomically decrements the reference count.
	// Returns the new reference count (0 means content can be garbage collected).
	DecrementRef(ctx context.Context, contentHash string) (newRefCount int32, err error)

	// GetRefCount returns the current reference count.
	GetRefCount(ctx context.Context, contentHash string) (int32, error)

	// Delete deletes an entry. Only entries with ref_count <= 0 are removed.
	Delete(ctx context.Context, contentHash string) error

	// ListOrphans returns entries with ref_count <= 0 older than the grace period.
	ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.SisEntry, error)

	// UpdateLastAccessed updates the last_accessed timestamp.
	UpdateLastAccessed(ctx context.Context, contentHash string) error
}
