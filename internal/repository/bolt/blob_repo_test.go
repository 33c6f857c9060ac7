package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

func newTestRepo(t *testing.T) *BlobRepository {
	t.Helper()
	repo, err := Open(Config{Path: filepath.Join(t.TempDir(), "refs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBlobRepository_UpsertAndRefCounts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	isNew, err := repo.UpsertWithRefIncrement(ctx, "h1", 10, "ab/cd/h1")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = repo.UpsertWithRefIncrement(ctx, "h1", 10, "ab/cd/h1")
	require.NoError(t, err)
	require.False(t, isNew)

	require.NoError(t, repo.IncrementRef(ctx, "h1"))

	count, err := repo.GetRefCount(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, int32(3), count)

	entry, err := repo.GetByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "ab/cd/h1", entry.Locator)
	require.Equal(t, int64(10), entry.Size)

	n, err := repo.DecrementRef(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, int32(2), n)
}

func TestBlobRepository_MissingEntry(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.GetByHash(ctx, "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.ErrorIs(t, repo.IncrementRef(ctx, "nope"), repository.ErrNotFound)
	_, err = repo.DecrementRef(ctx, "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestBlobRepository_DeleteOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.UpsertWithRefIncrement(ctx, "h1", 1, "l1")
	require.NoError(t, err)

	require.ErrorIs(t, repo.Delete(ctx, "h1"), repository.ErrNotFound)

	_, err = repo.DecrementRef(ctx, "h1")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "h1"))

	_, err = repo.GetByHash(ctx, "h1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestBlobRepository_ListOrphans(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	for _, h := range []string{"old-orphan", "old-live", "new-orphan"} {
		if h == "new-orphan" {
			now = now.Add(2 * time.Hour)
		}
		_, err := repo.UpsertWithRefIncrement(ctx, h, 1, h)
		require.NoError(t, err)
	}
	_, err := repo.DecrementRef(ctx, "old-orphan")
	require.NoError(t, err)
	_, err = repo.DecrementRef(ctx, "new-orphan")
	require.NoError(t, err)

	orphans, err := repo.ListOrphans(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "old-orphan", orphans[0].ContentHash)
}
