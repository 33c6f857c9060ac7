package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// blobRepository implements repository.BlobRepository.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new PostgreSQL blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

// UpsertWithRefIncrement creates a new entry or increments ref_count if it exists.
// Returns (isNew, error) where isNew indicates if a new entry was created.
func (r *blobRepository) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, locator string) (bool, error) {
	// xmax is 0 only for a freshly inserted row.
	query := `
		INSERT INTO blobs (content_hash, size, locator, ref_count, created_at, last_accessed)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (content_hash) DO UPDATE
		SET ref_count = blobs.ref_count + 1, last_accessed = EXCLUDED.last_accessed
		RETURNING (xmax = 0) AS is_new
	`

	var isNew bool
	err := r.db.Pool.QueryRow(ctx, query, contentHash, size, locator, time.Now().UTC()).Scan(&isNew)
	if err != nil {
		return false, fmt.Errorf("failed to upsert blob: %w", err)
	}

	return isNew, nil
}

// GetByHash retrieves an entry by its content hash (primary key).
func (r *blobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.SisEntry, error) {
	query := `
		SELECT content_hash, size, locator, ref_count, created_at, last_accessed
		FROM blobs
		WHERE content_hash = $1
	`

	entry, err := scanEntry(r.db.Pool.QueryRow(ctx, query, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob by hash: %w", err)
	}

	return entry, nil
}

func scanEntry(row pgx.Row) (*domain.SisEntry, error) {
	entry := &domain.SisEntry{}
	err := row.Scan(
		&entry.ContentHash,
		&entry.Size,
		&entry.Locator,
		&entry.RefCount,
		&entry.CreatedAt,
		&entry.LastAccessed,
	)
	return entry, err
}

// IncrementRef atomically increments the reference count.
func (r *blobRepository) IncrementRef(ctx context.Context, contentHash string) error {
	query := `
		UPDATE blobs
		SET ref_count = ref_count + 1, last_accessed = NOW()
		WHERE content_hash = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, contentHash)
	if err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// DecrementRef atomically decrements the reference count.
// Returns the new reference count.
func (r *blobRepository) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	query := `
		UPDATE blobs
		SET ref_count = ref_count - 1
		WHERE content_hash = $1
		RETURNING ref_count
	`

	var newRefCount int32
	err := r.db.Pool.QueryRow(ctx, query, contentHash).Scan(&newRefCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}

	return newRefCount, nil
}

// GetRefCount returns the current reference count.
func (r *blobRepository) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	var refCount int32
	err := r.db.Pool.QueryRow(ctx, `SELECT ref_count FROM blobs WHERE content_hash = $1`, contentHash).Scan(&refCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get ref count: %w", err)
	}
	return refCount, nil
}

// Delete deletes an unreferenced entry.
func (r *blobRepository) Delete(ctx context.Context, contentHash string) error {
	query := `DELETE FROM blobs WHERE content_hash = $1 AND ref_count <= 0`

	result, err := r.db.Pool.Exec(ctx, query, contentHash)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// ListOrphans returns unreferenced entries older than the grace period.
func (r *blobRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.SisEntry, error) {
	query := `
		SELECT content_hash, size, locator, ref_count, created_at, last_accessed
		FROM blobs
		WHERE ref_count <= 0 AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	cutoff := time.Now().UTC().Add(-gracePeriod)
	rows, err := r.db.Pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan blobs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.SisEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blobs: %w", err)
	}

	return entries, nil
}

// UpdateLastAccessed updates the last_accessed timestamp.
func (r *blobRepository) UpdateLastAccessed(ctx context.Context, contentHash string) error {
	query := `UPDATE blobs SET last_accessed = $2 WHERE content_hash = $1`

	_, err := r.db.Pool.Exec(ctx, query, contentHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update last accessed: %w", err)
	}

	return nil
}

// Ensure blobRepository implements repository.BlobRepository.
var _ repository.BlobRepository = (*blobRepository)(nil)
