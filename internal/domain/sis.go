package domain

import "time"

// SisEntry tracks one piece of single-instance content and the number of
// committed references to it. Content is stored once per digest.
type SisEntry struct {
	// ContentHash is the SHA-256 hash of the content (64 hex characters).
	ContentHash string `json:"content_hash"`

	// Size is the size of the content in bytes.
	Size int64 `json:"size"`

	// Locator is where the backend keeps the content.
	Locator string `json:"locator"`

	// RefCount is the number of references to this content.
	// When RefCount reaches 0, the content can be garbage collected.
	RefCount int32 `json:"ref_count"`

	// CreatedAt is the timestamp when the content was first stored.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is the timestamp of the last lookup hit.
	LastAccessed time.Time `json:"last_accessed"`
}

// NewSisEntry creates an entry holding a single reference.
func NewSisEntry(contentHash string, size int64, locator string) *SisEntry {
	now := time.Now().UTC()
	return &SisEntry{
		ContentHash:  contentHash,
		Size:         size,
		Locator:      locator,
		RefCount:     1,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// IsOrphan returns true if nothing references the content.
func (e *SisEntry) IsOrphan() bool {
	return e.RefCount <= 0
}

// CanGarbageCollect returns true if the content is orphaned and old enough.
func (e *SisEntry) CanGarbageCollect(gracePeriod time.Duration) bool {
	if !e.IsOrphan() {
		return false
	}

	// Content staged moments ago may still be waiting for its first commit.
	return time.Since(e.CreatedAt) > gracePeriod
}
