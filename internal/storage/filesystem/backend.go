// Package filesystem implements a content-addressed storage backend on a
// local or mounted directory. Locators are sharded digest paths relative to
// the root. With a reference-count repository attached the backend is also
// single-instance: identical content is stored once and deletes only drop a
// reference until the garbage collector purges the file.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

const (
	tmpDirName    = ".tmp"
	uploadDirName = ".uploads"
)

// Config holds filesystem backend settings.
type Config struct {
	Root        string
	ShardLevels int
	ShardWidth  int

	// SingleInstance declares the Lookup capability, letting the store
	// reuse existing content instead of writing it again.
	SingleInstance bool
}

// Backend is the filesystem storage backend.
type Backend struct {
	root   string
	paths  storage.PathConfig
	refs   repository.BlobRepository
	dedup  bool
	logger zerolog.Logger

	// stripes serialize commit and purge per digest prefix.
	stripes [256]sync.Mutex
}

// New creates a filesystem backend rooted at cfg.Root.
// Items with identical content share one file, so every WriteAt and Lookup
// takes a reference in refs and Delete only releases one. Files are removed
// by Purge once nothing references them.
func New(cfg Config, refs repository.BlobRepository, logger zerolog.Logger) (*Backend, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("filesystem backend: root is required")
	}
	if refs == nil {
		return nil, fmt.Errorf("filesystem backend: a reference repository is required")
	}

	paths := storage.DefaultPathConfig("")
	if cfg.ShardLevels > 0 {
		paths.ShardLevels = cfg.ShardLevels
	}
	if cfg.ShardWidth > 0 {
		paths.ShardWidth = cfg.ShardWidth
	}

	for _, dir := range []string{cfg.Root, filepath.Join(cfg.Root, tmpDirName), filepath.Join(cfg.Root, uploadDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	b := &Backend{
		root:   cfg.Root,
		paths:  paths,
		refs:   refs,
		dedup:  cfg.SingleInstance,
		logger: logger.With().Str("service", "fs_backend").Logger(),
	}

	b.logger.Info().
		Str("root", cfg.Root).
		Int("shard_levels", paths.ShardLevels).
		Bool("single_instance", cfg.SingleInstance).
		Msg("Filesystem backend ready")

	return b, nil
}

// Capabilities declares what this backend supports.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		ContentAddressed: true,
		ResumableUpload:  true,
		Stat:             true,
		SingleInstance:   b.dedup,
		Purge:            true,
	}
}

// =============================================================================
// Locators
// =============================================================================

// Locate returns the locator for a digest.
func (b *Backend) Locate(digest string) string {
	return filepath.ToSlash(storage.ComputePath(b.paths, digest))
}

// resolve validates a locator and returns its digest and absolute path.
// Only locators this backend would produce are accepted.
func (b *Backend) resolve(locator string) (string, string, error) {
	digest := storage.HashFromPath(locator)
	if !crypto.ValidateSHA256(digest) || b.Locate(digest) != locator {
		return "", "", domain.NewDomainError(domain.ErrInvalidDigest, "not a content locator", locator)
	}
	return digest, filepath.Join(b.root, filepath.FromSlash(locator)), nil
}

func (b *Backend) stripe(digest string) *sync.Mutex {
	n, _ := strconv.ParseUint(digest[:2], 16, 8)
	return &b.stripes[n]
}

// =============================================================================
// Backend
// =============================================================================

// Write is rejected: content must be written under its digest locator.
func (b *Backend) Write(ctx context.Context, reader io.Reader, sizeHint int64, mailboxID int64) (string, error) {
	return "", domain.ErrAnonymousWrite
}

// WriteAt stores content under a digest locator. The bytes are verified
// against the digest before they become visible.
func (b *Backend) WriteAt(ctx context.Context, locator string, reader io.Reader, size int64, mailboxID int64) error {
	digest, _, err := b.resolve(locator)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(b.root, tmpDirName), "write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hw := crypto.NewHashWriter(tmp)
	_, copyErr := io.Copy(hw, reader)
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write content: %w", err)
	}

	if hw.SHA256() != digest {
		os.Remove(tmpPath)
		return domain.NewDomainError(domain.ErrBlobCorrupted, "content does not match digest", locator)
	}
	if size >= 0 && hw.Size() != size {
		os.Remove(tmpPath)
		return domain.NewDomainError(domain.ErrBlobCorrupted,
			fmt.Sprintf("expected %d bytes, received %d", size, hw.Size()), locator)
	}

	return b.commit(ctx, tmpPath, digest, hw.Size())
}

// commit moves a verified temp file into place and records a reference.
// An existing file with the same digest is reused.
func (b *Backend) commit(ctx context.Context, tmpPath, digest string, size int64) error {
	locator := b.Locate(digest)
	finalPath := filepath.Join(b.root, filepath.FromSlash(locator))

	mu := b.stripe(digest)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to create shard dir: %w", err)
		}
		if err := os.Rename(tmpPath, finalPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to commit content: %w", err)
		}
	} else {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to check content: %w", err)
	}

	isNew, err := b.refs.UpsertWithRefIncrement(ctx, digest, size, locator)
	if err != nil {
		return fmt.Errorf("failed to record reference: %w", err)
	}
	b.logger.Debug().
		Str("locator", locator).
		Int64("size", size).
		Bool("new", isNew).
		Msg("Content committed")
	return nil
}

// Read opens the content at locator. The access time is recorded on a
// best-effort basis.
func (b *Backend) Read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error) {
	digest, path, err := b.resolve(locator)
	if err != nil {
		return nil, err
	}

	if err := b.refs.UpdateLastAccessed(ctx, digest); err != nil && !errors.Is(err, repository.ErrNotFound) {
		b.logger.Debug().Err(err).Str("locator", locator).Msg("Failed to record access")
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return f, nil
}

// Stat returns the content size.
func (b *Backend) Stat(ctx context.Context, locator string, mailboxID int64) (int64, error) {
	_, path, err := b.resolve(locator)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat content: %w", err)
	}
	return info.Size(), nil
}

// Delete drops one reference to the content. The file stays until Purge,
// since other items may share it.
func (b *Backend) Delete(ctx context.Context, locator string, mailboxID int64) (bool, error) {
	digest, _, err := b.resolve(locator)
	if err != nil {
		return false, err
	}

	n, err := b.refs.DecrementRef(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to release reference: %w", err)
	}

	b.logger.Debug().Str("locator", locator).Int32("ref_count", n).Msg("Reference released")
	return true, nil
}

// =============================================================================
// Single instance
// =============================================================================

// Lookup finds stored content by digest and takes a reference on a hit.
func (b *Backend) Lookup(ctx context.Context, digest string, mailboxID int64) (string, int64, bool, error) {

	entry, err := b.refs.GetByHash(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("failed to look up digest: %w", err)
	}

	// The row can outlive its file when a purge was interrupted.
	if _, err := b.Stat(ctx, entry.Locator, mailboxID); err != nil {
		if storage.IsNotFound(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}

	if err := b.refs.IncrementRef(ctx, digest); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("failed to take reference: %w", err)
	}
	return entry.Locator, entry.Size, true, nil
}

// Purge removes content that is no longer referenced. Content that was
// referenced again since the caller decided to purge is left alone.
func (b *Backend) Purge(ctx context.Context, locator string) error {
	digest, path, err := b.resolve(locator)
	if err != nil {
		return err
	}

	mu := b.stripe(digest)
	mu.Lock()
	defer mu.Unlock()

	if entry, err := b.refs.GetByHash(ctx, digest); err == nil && !entry.IsOrphan() {
		b.logger.Debug().Str("locator", locator).Msg("Content referenced again, skipping purge")
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to purge content: %w", err)
	}
	return nil
}

// Ensure Backend implements the declared interfaces.
var (
	_ storage.Backend            = (*Backend)(nil)
	_ storage.ContentAddressed   = (*Backend)(nil)
	_ storage.SingleInstance     = (*Backend)(nil)
	_ storage.ResumableUploader  = (*Backend)(nil)
	_ storage.Stater             = (*Backend)(nil)
	_ storage.Purger             = (*Backend)(nil)
	_ storage.CapabilityReporter = (*Backend)(nil)
)
