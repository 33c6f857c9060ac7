// Package bolt implements the single-instance reference-count repository on
// an embedded bbolt file, for filesystem backends that run without the item
// database.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

var bucketSis = []byte("sis_blobs")

// Config configures the bbolt file.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BlobRepository implements repository.BlobRepository on bbolt.
// Entries are JSON-encoded SisEntry values keyed by content hash.
type BlobRepository struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the bbolt file.
func Open(cfg Config) (*BlobRepository, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSis); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketSis, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BlobRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the bbolt file.
func (r *BlobRepository) Close() error {
	return r.db.Close()
}

func getEntry(tx *bbolt.Tx, contentHash string) (*domain.SisEntry, error) {
	data := tx.Bucket(bucketSis).Get([]byte(contentHash))
	if data == nil {
		return nil, repository.ErrNotFound
	}
	entry := &domain.SisEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("boltdb: decode %s: %w", contentHash, err)
	}
	return entry, nil
}

func putEntry(tx *bbolt.Tx, entry *domain.SisEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSis).Put([]byte(entry.ContentHash), data)
}

// update loads an entry, applies fn and stores the result in one transaction.
func (r *BlobRepository) update(contentHash string, fn func(*domain.SisEntry)) (*domain.SisEntry, error) {
	var entry *domain.SisEntry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getEntry(tx, contentHash)
		if err != nil {
			return err
		}
		fn(entry)
		return putEntry(tx, entry)
	})
	return entry, err
}

// UpsertWithRefIncrement creates an entry or increments its reference count.
func (r *BlobRepository) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, locator string) (bool, error) {
	isNew := false
	err := r.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, contentHash)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			isNew = true
			entry = domain.NewSisEntry(contentHash, size, locator)
			entry.CreatedAt = r.now()
			entry.LastAccessed = entry.CreatedAt
		case err != nil:
			return err
		default:
			entry.RefCount++
			entry.LastAccessed = r.now()
		}
		return putEntry(tx, entry)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert blob: %w", err)
	}
	return isNew, nil
}

// GetByHash retrieves an entry by content hash.
func (r *BlobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.SisEntry, error) {
	var entry *domain.SisEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getEntry(tx, contentHash)
		return err
	})
	return entry, err
}

// IncrementRef increments the reference count.
func (r *BlobRepository) IncrementRef(ctx context.Context, contentHash string) error {
	_, err := r.update(contentHash, func(e *domain.SisEntry) {
		e.RefCount++
		e.LastAccessed = r.now()
	})
	return err
}

// DecrementRef decrements the reference count and returns the new value.
func (r *BlobRepository) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	entry, err := r.update(contentHash, func(e *domain.SisEntry) {
		e.RefCount--
	})
	if err != nil {
		return 0, err
	}
	return entry.RefCount, nil
}

// GetRefCount returns the current reference count.
func (r *BlobRepository) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	entry, err := r.GetByHash(ctx, contentHash)
	if err != nil {
		return 0, err
	}
	return entry.RefCount, nil
}

// Delete removes an entry whose reference count is zero or less.
func (r *BlobRepository) Delete(ctx context.Context, contentHash string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, contentHash)
		if err != nil {
			return err
		}
		if !entry.IsOrphan() {
			return repository.ErrNotFound
		}
		return tx.Bucket(bucketSis).Delete([]byte(contentHash))
	})
}

// ListOrphans returns unreferenced entries created before the grace period.
func (r *BlobRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.SisEntry, error) {
	cutoff := r.now().Add(-gracePeriod)

	var orphans []*domain.SisEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSis).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(orphans) >= limit {
				break
			}
			entry := &domain.SisEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("boltdb: decode %s: %w", k, err)
			}
			if entry.IsOrphan() && entry.CreatedAt.Before(cutoff) {
				orphans = append(orphans, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan blobs: %w", err)
	}
	return orphans, nil
}

// UpdateLastAccessed updates the last accessed timestamp.
func (r *BlobRepository) UpdateLastAccessed(ctx context.Context, contentHash string) error {
	_, err := r.update(contentHash, func(e *domain.SisEntry) {
		e.LastAccessed = r.now()
	})
	return err
}

// Ensure BlobRepository implements repository.BlobRepository.
var _ repository.BlobRepository = (*BlobRepository)(nil)
