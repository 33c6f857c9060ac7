// Package service provides the blob store services of the mail server.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/cache/disk"
	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/staging"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// mailboxDeleteTTL bounds how long a mailbox delete holds its lock.
const mailboxDeleteTTL = 10 * time.Minute

// ExternalStore persists mail content in a remote backend. Content is
// received into the staging area, written to the backend, and read back
// through the local cache.
type ExternalStore struct {
	backend *storage.Negotiated
	stager  stager
	// copier stages copies. It never consults single-instance lookups.
	copier stager

	area    *staging.Area
	cache   *disk.Cache
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	started bool
}

// NewExternalStore negotiates the backend's capabilities and selects how
// blobs are staged. locker may be nil for single-node use.
func NewExternalStore(
	backend storage.Backend,
	area *staging.Area,
	cache *disk.Cache,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*ExternalStore, error) {
	negotiated, err := storage.Negotiate(backend)
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}

	s := &ExternalStore{
		backend: negotiated,
		area:    area,
		cache:   cache,
		locker:  locker,
		metrics: m,
		logger:  logger.With().Str("service", "external_store").Logger(),
	}

	switch {
	case negotiated.SingleInstance != nil:
		cas := &casStager{ca: negotiated.ContentAddressed}
		s.stager = &sisStager{si: negotiated.SingleInstance, cas: cas, metrics: m}
		s.copier = cas
	case negotiated.ContentAddressed != nil:
		s.stager = &casStager{ca: negotiated.ContentAddressed}
		s.copier = s.stager
	default:
		s.stager = &directStager{backend: negotiated.Backend}
		s.copier = s.stager
	}

	return s, nil
}

// Capabilities returns what the backend declared.
func (s *ExternalStore) Capabilities() storage.Capabilities {
	return s.backend.Caps
}

// =============================================================================
// Lifecycle
// =============================================================================

// Startup prepares the staging area, starts its sweeper and empties the
// local cache. Cached files are not trusted across restarts.
func (s *ExternalStore) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.area.Start(); err != nil {
		return fmt.Errorf("failed to start staging area: %w", err)
	}
	if err := s.cache.Startup(); err != nil {
		s.area.Stop()
		return fmt.Errorf("failed to start local cache: %w", err)
	}

	s.started = true
	s.logger.Info().
		Str("mode", s.stager.mode()).
		Strs("capabilities", s.backend.Caps.Names()).
		Str("staging_dir", s.area.Dir()).
		Msg("external store started")
	return nil
}

// Shutdown stops the sweeper and clears the local cache.
func (s *ExternalStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	s.area.Stop()
	err := s.cache.Shutdown()
	s.started = false

	s.logger.Info().Msg("external store stopped")
	return err
}

func (s *ExternalStore) checkStarted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return domain.ErrStoreNotStarted
	}
	return nil
}

// =============================================================================
// Incoming content
// =============================================================================

// StoreIncoming copies r into a new staging file. Unless storeAsIs is set
// the digest is computed while copying. A partial file is removed on failure.
func (s *ExternalStore) StoreIncoming(ctx context.Context, r io.Reader, storeAsIs bool) (*domain.Blob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	f, err := s.area.Create()
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	hw := crypto.NewHashWriter(f)
	_, copyErr := io.Copy(hw, &contextReader{ctx: ctx, r: r})
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		s.removeLocal(f.Name())
		return nil, fmt.Errorf("failed to store incoming blob: %w", copyErr)
	}

	blob := &domain.Blob{Path: f.Name(), RawSize: hw.Size()}
	if !storeAsIs {
		blob.Digest = hw.SHA256()
	}

	s.logger.Debug().
		Str("path", blob.Path).
		Int64("size", blob.RawSize).
		Msg("stored incoming blob")
	return blob, nil
}

// =============================================================================
// Staging
// =============================================================================

// Stage writes the blob to the backend and caches a local copy under the
// returned locator. The blob is left intact so a failed stage can be retried.
func (s *ExternalStore) Stage(ctx context.Context, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error) {
	return s.stageWith(ctx, s.stager, blob, mailboxID)
}

func (s *ExternalStore) stageWith(ctx context.Context, st stager, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	if !blob.HasDigest() {
		digest, size, err := crypto.ComputeFileSHA256(blob.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to digest blob %s: %w", blob.Path, err)
		}
		blob.Digest = digest
		blob.RawSize = size
	}

	start := time.Now()
	staged, err := st.stage(ctx, blob, mailboxID)
	s.metrics.RecordStage(st.mode(), err, blob.RawSize, time.Since(start).Seconds())
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("mode", st.mode()).
			Str("digest", blob.Digest).
			Int64("mailbox_id", mailboxID).
			Msg("failed to stage blob")
		return nil, fmt.Errorf("%w: %w", domain.ErrStageFailed, err)
	}
	staged.MailboxID = mailboxID

	if _, err := s.cache.PutFile(staged.Locator, blob.Path, staged.Digest); err != nil {
		s.logger.Warn().Err(err).Str("locator", staged.Locator).Msg("failed to cache staged blob")
	}

	s.logger.Debug().
		Str("mode", st.mode()).
		Str("locator", staged.Locator).
		Str("digest", staged.Digest).
		Int64("size", staged.Size).
		Msg("staged blob")
	return staged, nil
}

// StageStream stages content read from r. When size is unknown, or the
// backend derives locators from content, the stream is first materialized
// in the staging area; that temporary blob is always removed.
func (s *ExternalStore) StageStream(ctx context.Context, r io.Reader, size int64, mailboxID int64) (*domain.StagedBlob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	if size < 0 || s.backend.ContentAddressed != nil {
		blob, err := s.StoreIncoming(ctx, r, false)
		if err != nil {
			return nil, err
		}
		defer s.removeLocal(blob.Path)
		return s.Stage(ctx, blob, mailboxID)
	}

	start := time.Now()
	hr := crypto.NewHashReader(r)
	locator, err := s.backend.Write(ctx, hr, size, mailboxID)
	if err == nil && hr.Size() != size {
		s.deleteQuietly(ctx, locator, mailboxID)
		err = fmt.Errorf("stream ended after %d of %d bytes", hr.Size(), size)
	}
	s.metrics.RecordStage(modeStream, err, hr.Size(), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStageFailed, err)
	}

	return &domain.StagedBlob{
		Digest:    hr.SHA256(),
		Size:      hr.Size(),
		Locator:   locator,
		MailboxID: mailboxID,
	}, nil
}

// =============================================================================
// Commit
// =============================================================================

// Link binds a staged blob to an item revision. Backends have no staging
// namespace of their own, so the locator is kept as is.
func (s *ExternalStore) Link(ctx context.Context, staged *domain.StagedBlob, mailboxID, itemID int64, revision int32) (*domain.MailboxBlobRef, error) {
	staged.MarkInserted()
	return &domain.MailboxBlobRef{
		MailboxID: mailboxID,
		ItemID:    itemID,
		Revision:  revision,
		Locator:   staged.Locator,
		Size:      staged.Size,
		Digest:    staged.Digest,
	}, nil
}

// RenameTo commits a staged blob. It is the same as Link.
func (s *ExternalStore) RenameTo(ctx context.Context, staged *domain.StagedBlob, mailboxID, itemID int64, revision int32) (*domain.MailboxBlobRef, error) {
	return s.Link(ctx, staged, mailboxID, itemID, revision)
}

// Copy re-stages the content of src for another item. Single-instance
// backends still receive a full second copy.
func (s *ExternalStore) Copy(ctx context.Context, src *domain.MailboxBlobRef, destMailboxID, destItemID int64, destRevision int32) (*domain.MailboxBlobRef, error) {
	blob, err := s.GetLocalBlob(ctx, src.Locator, src.MailboxID)
	if err != nil {
		return nil, err
	}

	staged, err := s.stageWith(ctx, s.copier, blob, destMailboxID)
	if err != nil {
		return nil, err
	}
	return s.Link(ctx, staged, destMailboxID, destItemID, destRevision)
}

// =============================================================================
// Delete
// =============================================================================

// DeleteBlob removes a local blob file.
func (s *ExternalStore) DeleteBlob(ctx context.Context, blob *domain.Blob) error {
	if err := os.Remove(blob.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", blob.Path, err)
	}
	return nil
}

// DeleteStaged removes content that was staged but never committed. Once
// committed the content belongs to its item and this is a no-op.
func (s *ExternalStore) DeleteStaged(ctx context.Context, staged *domain.StagedBlob) error {
	if staged.Inserted {
		return nil
	}

	s.cache.Remove(staged.Locator)
	_, err := s.backend.Delete(ctx, staged.Locator, staged.MailboxID)
	s.metrics.RecordBackendDelete(err)
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("failed to delete staged blob %s: %w", staged.Locator, err)
	}
	return nil
}

// DeleteRef drops the local copy of a committed blob and deletes it from
// the backend. Single-instance backends only drop one reference.
func (s *ExternalStore) DeleteRef(ctx context.Context, ref *domain.MailboxBlobRef) (bool, error) {
	s.cache.Remove(ref.Locator)

	deleted, err := s.backend.Delete(ctx, ref.Locator, ref.MailboxID)
	s.metrics.RecordBackendDelete(err)
	if err != nil {
		return false, fmt.Errorf("failed to delete blob %s: %w", ref.Locator, err)
	}

	s.logger.Debug().
		Str("locator", ref.Locator).
		Int64("mailbox_id", ref.MailboxID).
		Int64("item_id", ref.ItemID).
		Bool("deleted", deleted).
		Msg("deleted blob")
	return deleted, nil
}

// DeleteMailbox removes every object the backend lists for the mailbox.
// It returns the number of objects removed.
func (s *ExternalStore) DeleteMailbox(ctx context.Context, mailboxID int64) (int, error) {
	if s.backend.Lister == nil {
		return 0, domain.NewDomainError(domain.ErrUnsupported, "mailbox delete requires listing", "")
	}

	var removed int
	err := lock.WithLock(ctx, s.locker, lock.Keys.MailboxDelete(mailboxID), mailboxDeleteTTL, func(ctx context.Context) error {
		objects, err := s.backend.Lister.List(ctx, mailboxID)
		if err != nil {
			return fmt.Errorf("failed to list mailbox %d: %w", mailboxID, err)
		}
		if len(objects) == 0 {
			return nil
		}

		locators := make([]string, len(objects))
		for i, obj := range objects {
			locators[i] = obj.Locator
			s.cache.Remove(obj.Locator)
		}

		if s.backend.BulkDeleter != nil {
			err := s.backend.BulkDeleter.DeleteMany(ctx, locators, mailboxID)
			s.metrics.RecordBackendDelete(err)
			if err != nil {
				return fmt.Errorf("failed to delete mailbox %d: %w", mailboxID, err)
			}
			removed = len(locators)
			return nil
		}

		for _, locator := range locators {
			deleted, err := s.backend.Delete(ctx, locator, mailboxID)
			s.metrics.RecordBackendDelete(err)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", locator, err)
			}
			if deleted {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	s.logger.Info().Int64("mailbox_id", mailboxID).Int("objects", removed).Msg("deleted mailbox content")
	return removed, nil
}

// =============================================================================
// Read
// =============================================================================

// GetContent opens the content of a committed blob. A cache miss reads the
// backend without populating the cache.
func (s *ExternalStore) GetContent(ctx context.Context, ref *domain.MailboxBlobRef) (io.ReadCloser, error) {
	if rc, _, ok := s.cache.Open(ref.Locator); ok {
		return rc, nil
	}
	return s.read(ctx, ref.Locator, ref.MailboxID)
}

// GetLocalBlob returns a local file holding the content at locator,
// fetching it into the cache on a miss. The file belongs to the cache.
func (s *ExternalStore) GetLocalBlob(ctx context.Context, locator string, mailboxID int64) (*domain.Blob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}
	if entry, ok := s.cache.Get(locator); ok {
		return blobFromEntry(entry), nil
	}

	rc, err := s.read(ctx, locator, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	entry, err := s.cache.Put(locator, rc, "")
	if err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", locator, err)
	}
	return blobFromEntry(entry), nil
}

func (s *ExternalStore) read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error) {
	rc, err := s.backend.Read(ctx, locator, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", locator, err)
	}
	if rc == nil {
		return nil, domain.NewDomainError(domain.ErrNoContent, "", locator)
	}
	return rc, nil
}

func blobFromEntry(entry *domain.CacheEntry) *domain.Blob {
	return &domain.Blob{Path: entry.Path, RawSize: entry.Size, Digest: entry.Digest}
}

// =============================================================================
// Helpers
// =============================================================================

func (s *ExternalStore) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove local file")
	}
}

func (s *ExternalStore) deleteQuietly(ctx context.Context, locator string, mailboxID int64) {
	if _, err := s.backend.Delete(ctx, locator, mailboxID); err != nil {
		s.logger.Warn().Err(err).Str("locator", locator).Msg("failed to delete partial blob")
	}
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
