// Package domain contains the core entities of the mail blob store.
package domain

import "time"

// Blob is a local, file-backed handle to content.
// A Blob is owned by whichever component created it until it is handed off.
// Digest is never changed once set.
type Blob struct {
	// Path is the local file holding the raw bytes.
	Path string `json:"path"`

	// RawSize is the number of raw (uncompressed) bytes in the file.
	RawSize int64 `json:"raw_size"`

	// Digest is the hex SHA-256 of the raw bytes. Empty until computed.
	Digest string `json:"digest,omitempty"`
}

// HasDigest reports whether the digest has been computed.
func (b *Blob) HasDigest() bool {
	return b != nil && b.Digest != ""
}

// StagedBlob is content durably written to the backend but not yet bound
// to a mail item.
type StagedBlob struct {
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	Locator   string `json:"locator"`
	MailboxID int64  `json:"mailbox_id"`

	// Inserted flips to true once a commit binds the blob to an item.
	// It never flips back.
	Inserted bool `json:"inserted"`
}

// MarkInserted records that the staged blob has been committed.
func (s *StagedBlob) MarkInserted() {
	s.Inserted = true
}

// MailboxBlobRef is the committed reference to a blob owned by a mail item
// revision.
type MailboxBlobRef struct {
	MailboxID int64  `json:"mailbox_id"`
	ItemID    int64  `json:"item_id"`
	Revision  int32  `json:"revision"`
	Locator   string `json:"locator"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

// UploadedBlob is content produced by a resumable upload. The backend holds
// it under a provisional upload id until FinishUpload assigns a locator.
type UploadedBlob struct {
	Blob

	// UploadID is the backend-assigned provisional identifier.
	// Empty when the backend had no resumable upload open.
	UploadID string `json:"upload_id,omitempty"`
}

// CacheEntry is a local copy of backend content kept by the local cache.
type CacheEntry struct {
	Locator    string    `json:"locator"`
	Path       string    `json:"path"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}
