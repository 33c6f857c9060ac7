package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// blobRepository implements repository.BlobRepository for SQLite.
// Timestamps are stored as RFC 3339 UTC strings so they compare as text.
type blobRepository struct {
	db  *DB
	now func() time.Time
}

// NewBlobRepository creates a new SQLite blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *blobRepository) timestamp() string {
	return r.now().Format(time.RFC3339)
}

// UpsertWithRefIncrement creates a new entry or increments ref_count if it exists.
func (r *blobRepository) UpsertWithRefIncrement(ctx context.Context, contentHash string, size int64, locator string) (bool, error) {
	isNew := false
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existing int32
		err := tx.QueryRowContext(ctx,
			`SELECT ref_count FROM blobs WHERE content_hash = ?`,
			contentHash,
		).Scan(&existing)

		now := r.timestamp()
		switch {
		case isNoRows(err):
			isNew = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO blobs (content_hash, size, locator, ref_count, created_at, last_accessed)
				VALUES (?, ?, ?, 1, ?, ?)
			`, contentHash, size, locator, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert blob: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to check blob existence: %w", err)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE blobs
				SET ref_count = ref_count + 1, last_accessed = ?
				WHERE content_hash = ?
			`, now, contentHash)
			if err != nil {
				return fmt.Errorf("failed to increment blob ref_count: %w", err)
			}
		}
		return nil
	})
	return isNew, err
}

func scanEntry(scan func(dest ...any) error) (*domain.SisEntry, error) {
	entry := &domain.SisEntry{}
	var createdAt, lastAccessed string
	if err := scan(
		&entry.ContentHash,
		&entry.Size,
		&entry.Locator,
		&entry.RefCount,
		&createdAt,
		&lastAccessed,
	); err != nil {
		return nil, err
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	entry.LastAccessed, _ = time.Parse(time.RFC3339, lastAccessed)
	return entry, nil
}

// GetByHash retrieves an entry by its content hash.
func (r *blobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.SisEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT content_hash, size, locator, ref_count, created_at, last_accessed
		FROM blobs
		WHERE content_hash = ?
	`, contentHash)

	entry, err := scanEntry(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob by hash: %w", err)
	}
	return entry, nil
}

// IncrementRef atomically increments the reference count.
func (r *blobRepository) IncrementRef(ctx context.Context, contentHash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE blobs
		SET ref_count = ref_count + 1, last_accessed = ?
		WHERE content_hash = ?
	`, r.timestamp(), contentHash)
	if err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DecrementRef atomically decrements the reference count.
func (r *blobRepository) DecrementRef(ctx context.Context, contentHash string) (int32, error) {
	var n int32
	err := r.db.QueryRowContext(ctx, `
		UPDATE blobs
		SET ref_count = ref_count - 1
		WHERE content_hash = ?
		RETURNING ref_count
	`, contentHash).Scan(&n)
	if err != nil {
		if isNoRows(err) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}
	return n, nil
}

// GetRefCount returns the current reference count.
func (r *blobRepository) GetRefCount(ctx context.Context, contentHash string) (int32, error) {
	var refCount int32
	err := r.db.QueryRowContext(ctx,
		`SELECT ref_count FROM blobs WHERE content_hash = ?`,
		contentHash,
	).Scan(&refCount)
	if err != nil {
		if isNoRows(err) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get ref count: %w", err)
	}
	return refCount, nil
}

// Delete deletes an unreferenced entry.
func (r *blobRepository) Delete(ctx context.Context, contentHash string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE content_hash = ? AND ref_count <= 0`,
		contentHash,
	)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListOrphans returns unreferenced entries older than the grace period.
func (r *blobRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.SisEntry, error) {
	cutoff := r.now().Add(-gracePeriod).Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx, `
		SELECT content_hash, size, locator, ref_count, created_at, last_accessed
		FROM blobs
		WHERE ref_count <= 0 AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan blobs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.SisEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
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
	_, err := r.db.ExecContext(ctx,
		`UPDATE blobs SET last_accessed = ? WHERE content_hash = ?`,
		r.timestamp(), contentHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update last accessed: %w", err)
	}
	return nil
}

// Ensure blobRepository implements repository.BlobRepository.
var _ repository.BlobRepository = (*blobRepository)(nil)
