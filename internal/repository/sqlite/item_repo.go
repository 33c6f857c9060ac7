package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// itemBlobRepository implements repository.ItemBlobRepository for SQLite.
type itemBlobRepository struct {
	db *DB
}

// NewItemBlobRepository creates a new SQLite item blob repository.
func NewItemBlobRepository(db *DB) repository.ItemBlobRepository {
	return &itemBlobRepository{db: db}
}

// MaxItemID returns the highest item id of the mailbox.
func (r *itemBlobRepository) MaxItemID(ctx context.Context, mailboxID int64) (int64, error) {
	query, args := repository.MaxItemIDSQL(mailboxID, repository.QuestionMark)

	var maxID int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to get max item id: %w", err)
	}
	return maxID, nil
}

// ListBlobRefs returns the blob references of one category in an id window.
func (r *itemBlobRepository) ListBlobRefs(ctx context.Context, q repository.BlobRefQuery) ([]*domain.BlobRecord, error) {
	query, args, err := repository.BlobRefSQL(q, repository.QuestionMark)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s blob refs: %w", q.Category, err)
	}
	defer rows.Close()

	var records []*domain.BlobRecord
	for rows.Next() {
		record, err := repository.ScanBlobRecord(rows.Scan, q.Category)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blob refs: %w", err)
	}
	return records, nil
}

// Ensure itemBlobRepository implements repository.ItemBlobRepository.
var _ repository.ItemBlobRepository = (*itemBlobRepository)(nil)
