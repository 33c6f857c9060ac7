// Package memory provides an in-process storage backend. Every optional
// capability can be switched on or off, which makes it the reference
// backend for exercising capability negotiation.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// Config selects the capabilities the backend declares.
type Config struct {
	ContentAddressed bool
	// SingleInstance implies ContentAddressed.
	SingleInstance  bool
	ResumableUpload bool
	Listing         bool
	BulkDelete      bool
	Stat            bool
	Centralized     bool
}

// FullConfig declares every capability except single-instance storage.
func FullConfig() Config {
	return Config{
		ResumableUpload: true,
		Listing:         true,
		BulkDelete:      true,
		Stat:            true,
		Centralized:     true,
	}
}

type object struct {
	data      []byte
	mailboxID int64
	refs      int
	modTime   time.Time
}

// Backend keeps objects in a map.
type Backend struct {
	cfg Config

	mu      sync.Mutex
	objects map[string]*object
	uploads map[string]*upload
	writes  int
	reads   int
	deletes int

	// writeErr, when set, fails every write.
	writeErr error
}

// New creates an empty backend.
func New(cfg Config) *Backend {
	if cfg.SingleInstance {
		cfg.ContentAddressed = true
	}
	return &Backend{
		cfg:     cfg,
		objects: make(map[string]*object),
		uploads: make(map[string]*upload),
	}
}

// Capabilities implements storage.CapabilityReporter.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		BulkDelete:       b.cfg.BulkDelete,
		Centralized:      b.cfg.Centralized,
		SingleInstance:   b.cfg.SingleInstance,
		ResumableUpload:  b.cfg.ResumableUpload,
		Listing:          b.cfg.Listing,
		ContentAddressed: b.cfg.ContentAddressed,
		Stat:             b.cfg.Stat,
	}
}

// FailWrites makes every subsequent write return err. nil restores writes.
func (b *Backend) FailWrites(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

// Writes returns the number of successful writes.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Reads returns the number of successful reads.
func (b *Backend) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

// Deletes returns the number of delete calls.
func (b *Backend) Deletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Refs returns the reference count of the object at locator.
func (b *Backend) Refs(locator string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[locator]; ok {
		return obj.refs
	}
	return 0
}

// Put stores data at locator directly, bypassing capability checks.
func (b *Backend) Put(locator string, data []byte, mailboxID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = &object{
		data:      append([]byte(nil), data...),
		mailboxID: mailboxID,
		refs:      1,
		modTime:   time.Now(),
	}
}

// Remove drops the object at locator directly.
func (b *Backend) Remove(locator string) {
	b.mu.Lock()
	delete(b.objects, locator)
	b.mu.Unlock()
}

// =============================================================================
// Backend
// =============================================================================

// Write stores content under a fresh opaque locator.
func (b *Backend) Write(ctx context.Context, reader io.Reader, sizeHint int64, mailboxID int64) (string, error) {
	if b.cfg.ContentAddressed {
		return "", domain.ErrAnonymousWrite
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	locator := strconv.FormatInt(mailboxID, 10) + "/" + uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return "", b.writeErr
	}
	b.objects[locator] = &object{data: data, mailboxID: mailboxID, refs: 1, modTime: time.Now()}
	b.writes++
	return locator, nil
}

// Read returns the content at locator.
func (b *Backend) Read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[locator]
	if !ok {
		return nil, storage.ErrNotFound
	}
	b.reads++
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete releases one reference and removes the object with the last one.
// Content-addressed objects collect a reference per WriteAt or Lookup.
func (b *Backend) Delete(ctx context.Context, locator string, mailboxID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	obj, ok := b.objects[locator]
	if !ok {
		return false, nil
	}
	obj.refs--
	if obj.refs <= 0 {
		delete(b.objects, locator)
	}
	return true, nil
}

// =============================================================================
// Optional capabilities
// =============================================================================

// Locate returns the digest itself.
func (b *Backend) Locate(digest string) string {
	return digest
}

// WriteAt stores content under a digest locator after verifying it.
func (b *Backend) WriteAt(ctx context.Context, locator string, reader io.Reader, size int64, mailboxID int64) error {
	hr := crypto.NewHashReader(reader)
	data, err := io.ReadAll(hr)
	if err != nil {
		return err
	}
	if hr.SHA256() != locator || (size >= 0 && hr.Size() != size) {
		return domain.NewDomainError(domain.ErrBlobCorrupted, "content does not match locator", locator)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	if obj, ok := b.objects[locator]; ok {
		obj.refs++
		return nil
	}
	b.objects[locator] = &object{data: data, mailboxID: mailboxID, refs: 1, modTime: time.Now()}
	return nil
}

// Lookup takes a reference on existing content.
func (b *Backend) Lookup(ctx context.Context, digest string, mailboxID int64) (string, int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[digest]
	if !ok {
		return "", 0, false, nil
	}
	obj.refs++
	return digest, int64(len(obj.data)), true, nil
}

// Stat returns the size of the object at locator.
func (b *Backend) Stat(ctx context.Context, locator string, mailboxID int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[locator]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(obj.data)), nil
}

// List returns the mailbox's objects in locator order.
func (b *Backend) List(ctx context.Context, mailboxID int64) ([]storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.ObjectInfo
	for locator, obj := range b.objects {
		if obj.mailboxID != mailboxID {
			continue
		}
		out = append(out, storage.ObjectInfo{Locator: locator, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Locator < out[j].Locator })
	return out, nil
}

// DeleteMany removes several objects in one call.
func (b *Backend) DeleteMany(ctx context.Context, locators []string, mailboxID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	for _, locator := range locators {
		delete(b.objects, locator)
	}
	return nil
}

// =============================================================================
// Resumable upload
// =============================================================================

type upload struct {
	id        string
	mailboxID int64
	buf       bytes.Buffer
}

func (u *upload) ID() string { return u.id }

func (u *upload) Append(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return u.buf.Write(p)
}

func (u *upload) Size(ctx context.Context) (int64, error) {
	return int64(u.buf.Len()), nil
}

// NewUpload opens a provisional upload.
func (b *Backend) NewUpload(ctx context.Context, mailboxID int64) (storage.Upload, error) {
	u := &upload{id: uuid.NewString(), mailboxID: mailboxID}
	b.mu.Lock()
	b.uploads[u.id] = u
	b.mu.Unlock()
	return u, nil
}

// FinishUpload stores the uploaded bytes permanently.
func (b *Backend) FinishUpload(ctx context.Context, uploadID string, mailboxID int64) (string, error) {
	b.mu.Lock()
	u, ok := b.uploads[uploadID]
	delete(b.uploads, uploadID)
	b.mu.Unlock()
	if !ok {
		return "", domain.NewDomainError(domain.ErrUploadNotOpen, "", uploadID)
	}

	if b.cfg.ContentAddressed {
		digest := crypto.ComputeSHA256(u.buf.Bytes())
		if err := b.WriteAt(ctx, digest, bytes.NewReader(u.buf.Bytes()), int64(u.buf.Len()), mailboxID); err != nil {
			return "", err
		}
		return digest, nil
	}
	return b.Write(ctx, &u.buf, int64(u.buf.Len()), mailboxID)
}

// AbortUpload discards the upload.
func (b *Backend) AbortUpload(ctx context.Context, uploadID string, mailboxID int64) error {
	b.mu.Lock()
	delete(b.uploads, uploadID)
	b.mu.Unlock()
	return nil
}

// OpenUploads returns the ids of uploads not yet finished or aborted.
func (b *Backend) OpenUploads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.uploads))
	for id := range b.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Backend) String() string {
	return fmt.Sprintf("memory%s", b.Capabilities())
}

// Ensure Backend implements every optional interface.
var (
	_ storage.Backend            = (*Backend)(nil)
	_ storage.CapabilityReporter = (*Backend)(nil)
	_ storage.ContentAddressed   = (*Backend)(nil)
	_ storage.SingleInstance     = (*Backend)(nil)
	_ storage.ResumableUploader  = (*Backend)(nil)
	_ storage.Lister             = (*Backend)(nil)
	_ storage.BulkDeleter        = (*Backend)(nil)
	_ storage.Stater             = (*Backend)(nil)
)
