package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/cache/disk"
	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/repository/bolt"
	"github.com/prn-tf/alexander-mailblob/internal/staging"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
	"github.com/prn-tf/alexander-mailblob/internal/storage/filesystem"
	"github.com/prn-tf/alexander-mailblob/internal/storage/memory"
)

// testEnv bundles a started store with the pieces tests inspect.
type testEnv struct {
	store   *ExternalStore
	cache   *disk.Cache
	area    *staging.Area
	dataDir string
}

func newTestStore(t *testing.T, backend storage.Backend) *testEnv {
	t.Helper()
	dir := t.TempDir()

	area := staging.NewArea(staging.DefaultConfig(filepath.Join(dir, "incoming")), nil, zerolog.Nop())
	cache := disk.New(disk.DefaultConfig(filepath.Join(dir, "cache")), nil, nil, zerolog.Nop())

	store, err := NewExternalStore(backend, area, cache, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Startup(context.Background()))
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	return &testEnv{store: store, cache: cache, area: area, dataDir: dir}
}

func (e *testEnv) incoming(t *testing.T, data []byte) *domain.Blob {
	t.Helper()
	blob, err := e.store.StoreIncoming(context.Background(), bytes.NewReader(data), false)
	require.NoError(t, err)
	return blob
}

func (e *testEnv) stagingFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(e.area.Dir())
	require.NoError(t, err)
	return entries
}

func readContent(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// nilReadBackend returns no stream and no error from Read.
type nilReadBackend struct {
	*memory.Backend
}

func (nilReadBackend) Read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error) {
	return nil, nil
}

func TestExternalStore_StageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  memory.Config
		mode string
	}{
		{name: "direct", cfg: memory.FullConfig(), mode: modeDirect},
		{name: "content addressed", cfg: memory.Config{ContentAddressed: true}, mode: modeCAS},
		{name: "single instance", cfg: memory.Config{SingleInstance: true}, mode: modeSIS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := memory.New(tt.cfg)
			env := newTestStore(t, backend)
			require.Equal(t, tt.mode, env.store.stager.mode())

			data := []byte("From: alice@example.com\r\n\r\nhello world")
			blob := env.incoming(t, data)
			require.Equal(t, crypto.ComputeSHA256(data), blob.Digest)
			require.Equal(t, int64(len(data)), blob.RawSize)

			staged, err := env.store.Stage(ctx, blob, 7)
			require.NoError(t, err)
			require.Equal(t, crypto.ComputeSHA256(data), staged.Digest)
			require.Equal(t, int64(len(data)), staged.Size)
			require.Equal(t, int64(7), staged.MailboxID)
			require.False(t, staged.Inserted)

			ref, err := env.store.Link(ctx, staged, 7, 100, 1)
			require.NoError(t, err)
			require.True(t, staged.Inserted)
			require.Equal(t, staged.Locator, ref.Locator)

			// Served from the cache populated by Stage.
			rc, err := env.store.GetContent(ctx, ref)
			require.NoError(t, err)
			require.Equal(t, data, readContent(t, rc))
			require.Equal(t, 0, backend.Reads())

			// And from the backend once the cache entry is gone.
			env.cache.Remove(ref.Locator)
			rc, err = env.store.GetContent(ctx, ref)
			require.NoError(t, err)
			require.Equal(t, data, readContent(t, rc))
			require.Equal(t, 1, backend.Reads())
		})
	}
}

func TestExternalStore_StageComputesMissingDigest(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, memory.New(memory.Config{ContentAddressed: true}))

	data := []byte("already final")
	blob, err := env.store.StoreIncoming(ctx, bytes.NewReader(data), true)
	require.NoError(t, err)
	require.False(t, blob.HasDigest())
	require.Equal(t, int64(len(data)), blob.RawSize)

	staged, err := env.store.Stage(ctx, blob, 1)
	require.NoError(t, err)
	require.Equal(t, crypto.ComputeSHA256(data), blob.Digest)
	require.Equal(t, blob.Digest, staged.Locator)
}

func TestExternalStore_StageFailureKeepsBlob(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	blob := env.incoming(t, []byte("retry me"))
	backend.FailWrites(errors.New("connection reset"))

	_, err := env.store.Stage(ctx, blob, 1)
	require.ErrorIs(t, err, domain.ErrStageFailed)
	require.Contains(t, err.Error(), "connection reset")
	require.FileExists(t, blob.Path)
	require.Equal(t, 0, env.cache.Len())

	backend.FailWrites(nil)
	staged, err := env.store.Stage(ctx, blob, 1)
	require.NoError(t, err)
	require.NotEmpty(t, staged.Locator)
	require.Equal(t, 1, backend.Writes())
}

func TestExternalStore_StoreIncomingRemovesPartialFile(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, memory.New(memory.FullConfig()))

	r := io.MultiReader(bytes.NewReader([]byte("partial")), iotestErrReader{errors.New("client went away")})
	_, err := env.store.StoreIncoming(ctx, r, false)
	require.Error(t, err)
	require.Empty(t, env.stagingFiles(t))
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestExternalStore_StageStream(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown size materializes and cleans up", func(t *testing.T) {
		backend := memory.New(memory.FullConfig())
		env := newTestStore(t, backend)

		data := []byte("unknown length body")
		staged, err := env.store.StageStream(ctx, bytes.NewReader(data), -1, 3)
		require.NoError(t, err)
		require.Equal(t, crypto.ComputeSHA256(data), staged.Digest)
		require.Equal(t, int64(len(data)), staged.Size)
		require.Empty(t, env.stagingFiles(t))
	})

	t.Run("known size streams directly", func(t *testing.T) {
		backend := memory.New(memory.FullConfig())
		env := newTestStore(t, backend)

		data := []byte("known length body")
		staged, err := env.store.StageStream(ctx, bytes.NewReader(data), int64(len(data)), 3)
		require.NoError(t, err)
		require.Equal(t, crypto.ComputeSHA256(data), staged.Digest)
		require.Equal(t, 1, backend.Writes())
		require.Empty(t, env.stagingFiles(t))

		ref, err := env.store.Link(ctx, staged, 3, 1, 1)
		require.NoError(t, err)
		rc, err := env.store.GetContent(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, data, readContent(t, rc))
	})

	t.Run("short stream is rejected", func(t *testing.T) {
		backend := memory.New(memory.FullConfig())
		env := newTestStore(t, backend)

		_, err := env.store.StageStream(ctx, bytes.NewReader([]byte("short")), 100, 3)
		require.ErrorIs(t, err, domain.ErrStageFailed)
		require.Equal(t, 0, backend.Len())
	})

	t.Run("content addressed backend always materializes", func(t *testing.T) {
		backend := memory.New(memory.Config{ContentAddressed: true})
		env := newTestStore(t, backend)

		data := []byte("cas body")
		staged, err := env.store.StageStream(ctx, bytes.NewReader(data), int64(len(data)), 3)
		require.NoError(t, err)
		require.Equal(t, crypto.ComputeSHA256(data), staged.Locator)
		require.Empty(t, env.stagingFiles(t))
	})
}

func TestExternalStore_DeleteStaged(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	staged, err := env.store.Stage(ctx, env.incoming(t, []byte("abandoned")), 1)
	require.NoError(t, err)
	require.Equal(t, 1, backend.Len())

	require.NoError(t, env.store.DeleteStaged(ctx, staged))
	require.Equal(t, 0, backend.Len())
	require.False(t, env.cache.Contains(staged.Locator))

	// The object is already gone; deleting again is still fine.
	require.NoError(t, env.store.DeleteStaged(ctx, staged))

	committed, err := env.store.Stage(ctx, env.incoming(t, []byte("kept")), 1)
	require.NoError(t, err)
	_, err = env.store.Link(ctx, committed, 1, 5, 1)
	require.NoError(t, err)

	deletes := backend.Deletes()
	require.NoError(t, env.store.DeleteStaged(ctx, committed))
	require.Equal(t, deletes, backend.Deletes())
	require.Equal(t, 1, backend.Len())
}

func TestExternalStore_RenameToCommitsWithoutBackendCalls(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	staged, err := env.store.Stage(ctx, env.incoming(t, []byte("draft")), 2)
	require.NoError(t, err)
	writes, deletes := backend.Writes(), backend.Deletes()

	ref, err := env.store.RenameTo(ctx, staged, 2, 40, 3)
	require.NoError(t, err)
	require.True(t, staged.Inserted)
	require.Equal(t, staged.Locator, ref.Locator)
	require.Equal(t, int64(40), ref.ItemID)
	require.Equal(t, int32(3), ref.Revision)
	require.Equal(t, writes, backend.Writes())
	require.Equal(t, deletes, backend.Deletes())
}

func TestExternalStore_DeleteRef(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	staged, err := env.store.Stage(ctx, env.incoming(t, []byte("to delete")), 1)
	require.NoError(t, err)
	ref, err := env.store.Link(ctx, staged, 1, 9, 1)
	require.NoError(t, err)
	require.True(t, env.cache.Contains(ref.Locator))

	deleted, err := env.store.DeleteRef(ctx, ref)
	require.NoError(t, err)
	require.True(t, deleted)
	require.False(t, env.cache.Contains(ref.Locator))
	require.Equal(t, 0, backend.Len())

	deleted, err = env.store.DeleteRef(ctx, ref)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestExternalStore_DeleteBlob(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, memory.New(memory.FullConfig()))

	blob := env.incoming(t, []byte("local only"))
	require.NoError(t, env.store.DeleteBlob(ctx, blob))
	require.NoFileExists(t, blob.Path)
	require.NoError(t, env.store.DeleteBlob(ctx, blob))
}

func TestExternalStore_SingleInstanceDedup(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{SingleInstance: true})
	env := newTestStore(t, backend)

	data := []byte("the same attachment")
	first, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)
	second, err := env.store.Stage(ctx, env.incoming(t, data), 2)
	require.NoError(t, err)

	require.Equal(t, first.Locator, second.Locator)
	require.Equal(t, first.Digest, second.Digest)
	require.Equal(t, 1, backend.Writes())
	require.Equal(t, 2, backend.Refs(first.Locator))

	// Deletes go to the backend, which drops one reference each.
	ref1, _ := env.store.Link(ctx, first, 1, 1, 1)
	ref2, _ := env.store.Link(ctx, second, 2, 1, 1)
	_, err = env.store.DeleteRef(ctx, ref1)
	require.NoError(t, err)
	require.Equal(t, 1, backend.Refs(first.Locator))
	_, err = env.store.DeleteRef(ctx, ref2)
	require.NoError(t, err)
	require.Equal(t, 0, backend.Len())
}

func TestExternalStore_ContentAddressedSameLocator(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{ContentAddressed: true})
	env := newTestStore(t, backend)

	data := []byte("twice")
	first, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)
	second, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)

	require.Equal(t, first.Locator, second.Locator)
	// Without single-instance support every stage writes.
	require.Equal(t, 2, backend.Writes())

	ref1, err := env.store.Link(ctx, first, 1, 1, 1)
	require.NoError(t, err)
	ref2, err := env.store.Link(ctx, second, 1, 2, 1)
	require.NoError(t, err)

	_, err = env.store.DeleteRef(ctx, ref1)
	require.NoError(t, err)
	rc, err := env.store.GetContent(ctx, ref2)
	require.NoError(t, err)
	require.Equal(t, data, readContent(t, rc))
}

func TestExternalStore_FilesystemSharedContentSurvivesDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	refs, err := bolt.Open(bolt.Config{Path: filepath.Join(dir, "refs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })

	backend, err := filesystem.New(filesystem.Config{Root: filepath.Join(dir, "blobs")}, refs, zerolog.Nop())
	require.NoError(t, err)
	env := newTestStore(t, backend)
	require.False(t, env.store.Capabilities().SingleInstance)

	data := []byte("Subject: same body in two mailboxes\r\n\r\nhi\r\n")
	first, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)
	second, err := env.store.Stage(ctx, env.incoming(t, data), 2)
	require.NoError(t, err)
	require.Equal(t, first.Locator, second.Locator)

	refA, err := env.store.Link(ctx, first, 1, 10, 1)
	require.NoError(t, err)
	refB, err := env.store.Link(ctx, second, 2, 20, 1)
	require.NoError(t, err)

	_, err = env.store.DeleteRef(ctx, refA)
	require.NoError(t, err)

	rc, err := env.store.GetContent(ctx, refB)
	require.NoError(t, err)
	require.Equal(t, data, readContent(t, rc))
}

// Copy re-stages content without a single-instance lookup, so a
// deduplicating backend receives a second full write.
func TestExternalStore_CopyDoesNotDedupe(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Config{SingleInstance: true})
	env := newTestStore(t, backend)

	data := []byte("copied to another folder")
	staged, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)
	src, err := env.store.Link(ctx, staged, 1, 10, 1)
	require.NoError(t, err)
	require.Equal(t, 1, backend.Writes())

	dst, err := env.store.Copy(ctx, src, 2, 20, 1)
	require.NoError(t, err)
	require.Equal(t, src.Locator, dst.Locator)
	require.Equal(t, int64(2), dst.MailboxID)
	require.Equal(t, int64(20), dst.ItemID)
	require.Equal(t, 2, backend.Writes())

	rc, err := env.store.GetContent(ctx, dst)
	require.NoError(t, err)
	require.Equal(t, data, readContent(t, rc))
}

func TestExternalStore_CopyOpaqueLocator(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	data := []byte("copy me")
	backend.Put("1/original", data, 1)
	src := &domain.MailboxBlobRef{MailboxID: 1, ItemID: 1, Revision: 1, Locator: "1/original", Size: int64(len(data))}

	dst, err := env.store.Copy(ctx, src, 2, 3, 4)
	require.NoError(t, err)
	require.NotEqual(t, src.Locator, dst.Locator)
	require.Equal(t, crypto.ComputeSHA256(data), dst.Digest)
	require.Equal(t, int32(4), dst.Revision)
	require.Equal(t, 2, backend.Len())
}

func TestExternalStore_GetContentDoesNotPopulateCache(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.FullConfig())
	env := newTestStore(t, backend)

	backend.Put("1/remote", []byte("remote only"), 1)
	ref := &domain.MailboxBlobRef{MailboxID: 1, Locator: "1/remote"}

	rc, err := env.store.GetContent(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("remote only"), readContent(t, rc))
	require.Equal(t, 0, env.cache.Len())

	blob, err := env.store.GetLocalBlob(ctx, ref.Locator, ref.MailboxID)
	require.NoError(t, err)
	require.Equal(t, 1, env.cache.Len())
	require.Equal(t, crypto.ComputeSHA256([]byte("remote only")), blob.Digest)

	// A second local fetch is served from the cache.
	_, err = env.store.GetLocalBlob(ctx, ref.Locator, ref.MailboxID)
	require.NoError(t, err)
	require.Equal(t, 2, backend.Reads())
}

func TestExternalStore_GetContentMissing(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, memory.New(memory.FullConfig()))

	_, err := env.store.GetContent(ctx, &domain.MailboxBlobRef{MailboxID: 1, Locator: "1/nope"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExternalStore_GetContentNoStream(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, nilReadBackend{memory.New(memory.FullConfig())})

	_, err := env.store.GetContent(ctx, &domain.MailboxBlobRef{MailboxID: 1, Locator: "1/x"})
	require.ErrorIs(t, err, domain.ErrNoContent)
	require.Contains(t, err.Error(), "1/x")

	_, err = env.store.GetLocalBlob(ctx, "1/x", 1)
	require.ErrorIs(t, err, domain.ErrNoContent)
}

func TestExternalStore_NotStarted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	area := staging.NewArea(staging.DefaultConfig(filepath.Join(dir, "incoming")), nil, zerolog.Nop())
	cache := disk.New(disk.DefaultConfig(filepath.Join(dir, "cache")), nil, nil, zerolog.Nop())

	store, err := NewExternalStore(memory.New(memory.FullConfig()), area, cache, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.StoreIncoming(ctx, bytes.NewReader([]byte("x")), false)
	require.ErrorIs(t, err, domain.ErrStoreNotStarted)
	_, err = store.Stage(ctx, &domain.Blob{Path: "x", Digest: "d"}, 1)
	require.ErrorIs(t, err, domain.ErrStoreNotStarted)

	require.NoError(t, store.Startup(ctx))
	require.DirExists(t, area.Dir())
	require.NoError(t, store.Shutdown(ctx))
	require.NoDirExists(t, filepath.Join(dir, "cache"))
}

func TestExternalStore_StartupClearsCache(t *testing.T) {
	ctx := context.Background()
	env := newTestStore(t, memory.New(memory.FullConfig()))

	_, err := env.store.Stage(ctx, env.incoming(t, []byte("cached")), 1)
	require.NoError(t, err)
	require.Equal(t, 1, env.cache.Len())

	require.NoError(t, env.store.Shutdown(ctx))
	require.NoError(t, env.store.Startup(ctx))
	require.Equal(t, 0, env.cache.Len())
}

func TestExternalStore_DeleteMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("bulk delete", func(t *testing.T) {
		backend := memory.New(memory.FullConfig())
		env := newTestStore(t, backend)

		for _, body := range []string{"a", "b", "c"} {
			_, err := env.store.Stage(ctx, env.incoming(t, []byte(body)), 1)
			require.NoError(t, err)
		}
		_, err := env.store.Stage(ctx, env.incoming(t, []byte("other")), 2)
		require.NoError(t, err)

		removed, err := env.store.DeleteMailbox(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 3, removed)
		require.Equal(t, 1, backend.Len())
		require.Equal(t, 1, env.cache.Len())
	})

	t.Run("per object delete", func(t *testing.T) {
		backend := memory.New(memory.Config{Listing: true})
		env := newTestStore(t, backend)

		for _, body := range []string{"a", "b"} {
			_, err := env.store.Stage(ctx, env.incoming(t, []byte(body)), 1)
			require.NoError(t, err)
		}
		removed, err := env.store.DeleteMailbox(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 2, removed)
		require.Equal(t, 0, backend.Len())
	})

	t.Run("requires listing", func(t *testing.T) {
		env := newTestStore(t, memory.New(memory.Config{}))
		_, err := env.store.DeleteMailbox(ctx, 1)
		require.ErrorIs(t, err, domain.ErrUnsupported)
	})
}

func TestExternalStore_FilesystemSingleInstance(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	refs, err := bolt.Open(bolt.Config{Path: filepath.Join(dir, "refs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })

	backend, err := filesystem.New(filesystem.Config{Root: filepath.Join(dir, "blobs"), SingleInstance: true}, refs, zerolog.Nop())
	require.NoError(t, err)
	env := newTestStore(t, backend)
	require.True(t, env.store.Capabilities().SingleInstance)

	data := []byte("shared on disk")
	first, err := env.store.Stage(ctx, env.incoming(t, data), 1)
	require.NoError(t, err)
	second, err := env.store.Stage(ctx, env.incoming(t, data), 2)
	require.NoError(t, err)
	require.Equal(t, first.Locator, second.Locator)

	count, err := refs.GetRefCount(ctx, first.Digest)
	require.NoError(t, err)
	require.Equal(t, int32(2), count)

	ref1, _ := env.store.Link(ctx, first, 1, 1, 1)
	ref2, _ := env.store.Link(ctx, second, 2, 1, 1)
	_, err = env.store.DeleteRef(ctx, ref1)
	require.NoError(t, err)
	_, err = env.store.DeleteRef(ctx, ref2)
	require.NoError(t, err)

	gc := NewGarbageCollector(refs, backend, nil, nil, zerolog.Nop(), GCConfig{
		Interval:    time.Hour,
		GracePeriod: -time.Second,
		BatchSize:   10,
	})
	result := gc.RunOnce(ctx)
	require.Equal(t, 1, result.BlobsPurged)
	require.Zero(t, result.Errors)

	_, err = backend.Stat(ctx, first.Locator, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
