// Package storage defines the contract remote blob backends implement.
// Every backend can write, read and delete by locator. Optional behaviour
// (content addressing, single-instance storage, resumable upload, listing)
// is expressed as separate interfaces a backend declares at startup.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates the backend holds no object at the locator.
var ErrNotFound = errors.New("storage: object not found")

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Backend is the minimal capability every storage plugin implements.
type Backend interface {
	// Write stores content and returns the locator the backend assigned.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - reader: Source of the content
	//   - sizeHint: Expected size in bytes, or -1 when unknown
	//   - mailboxID: Owning mailbox
	//
	// Returns:
	//   - locator: Identifier of the stored content
	//   - err: Error if storage fails
	Write(ctx context.Context, reader io.Reader, sizeHint int64, mailboxID int64) (locator string, err error)

	// Read opens the content stored at locator. The caller must close it.
	// Returns ErrNotFound if nothing is stored there.
	Read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error)

	// Delete removes the content stored at locator.
	// Returns false without error when there was nothing to delete.
	Delete(ctx context.Context, locator string, mailboxID int64) (bool, error)
}

// ContentAddressed is implemented by backends whose locators are derived
// from the content digest. Such backends reject Backend.Write.
type ContentAddressed interface {
	// Locate returns the locator for a hex SHA-256 digest.
	Locate(digest string) string

	// WriteAt stores content under a precomputed locator.
	// The backend may verify the content against the locator.
	WriteAt(ctx context.Context, locator string, reader io.Reader, size int64, mailboxID int64) error
}

// SingleInstance is implemented by backends that keep one copy per digest
// and count references to it.
type SingleInstance interface {
	// Lookup finds existing content by digest. On a hit the backend has
	// already taken a new reference to the content.
	Lookup(ctx context.Context, digest string, mailboxID int64) (locator string, size int64, found bool, err error)
}

// Upload is an open resumable upload. Writes are appended in order.
type Upload interface {
	// Append adds p to the end of the upload. ctx bounds any backend
	// round trip the append triggers.
	Append(ctx context.Context, p []byte) (int, error)

	// ID returns the provisional upload identifier.
	ID() string

	// Size returns the number of bytes the backend holds for the upload.
	Size(ctx context.Context) (int64, error)
}

// ResumableUploader is implemented by backends that accept content
// incrementally while it is still being received.
type ResumableUploader interface {
	// NewUpload opens a provisional upload.
	NewUpload(ctx context.Context, mailboxID int64) (Upload, error)

	// FinishUpload turns the upload into permanent content and returns its locator.
	FinishUpload(ctx context.Context, uploadID string, mailboxID int64) (locator string, err error)

	// AbortUpload discards the upload.
	AbortUpload(ctx context.Context, uploadID string, mailboxID int64) error
}

// ObjectInfo describes an object returned by a listing.
type ObjectInfo struct {
	Locator string
	Size    int64
	ModTime time.Time
}

// Lister is implemented by backends that can enumerate a mailbox's content.
type Lister interface {
	List(ctx context.Context, mailboxID int64) ([]ObjectInfo, error)
}

// BulkDeleter is implemented by backends that delete many objects per call.
type BulkDeleter interface {
	DeleteMany(ctx context.Context, locators []string, mailboxID int64) error
}

// Stater is implemented by backends that report object size without a read.
type Stater interface {
	// Stat returns the object size. Returns ErrNotFound if it is absent.
	Stat(ctx context.Context, locator string, mailboxID int64) (int64, error)
}

// Purger is implemented by single-instance backends whose Delete only drops
// a reference. Purge physically removes content nothing references.
type Purger interface {
	Purge(ctx context.Context, locator string) error
}
