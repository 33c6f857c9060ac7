// Package crypto computes the content digests that identify blobs.
//
// A digest is the lowercase hex SHA-256 of the raw (uncompressed) content.
// Digests double as locators for content-addressed backends, so only the
// canonical lowercase form is considered valid.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// DigestLen is the length of a hex encoded digest.
const DigestLen = sha256.Size * 2

type digester struct {
	h    hash.Hash
	size int64
}

func newDigester() digester {
	return digester{h: sha256.New()}
}

func (d *digester) add(p []byte) {
	d.h.Write(p)
	d.size += int64(len(p))
}

// SHA256 returns the digest of the bytes seen so far.
func (d *digester) SHA256() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes seen so far.
func (d *digester) Size() int64 {
	return d.size
}

// HashReader digests everything read through it.
type HashReader struct {
	digester
	r io.Reader
}

// NewHashReader wraps r.
func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{digester: newDigester(), r: r}
}

func (h *HashReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.add(p[:n])
	return n, err
}

// HashWriter digests everything written through it. With a nil target it
// only digests.
type HashWriter struct {
	digester
	w io.Writer
}

// NewHashWriter wraps w, which may be nil.
func NewHashWriter(w io.Writer) *HashWriter {
	return &HashWriter{digester: newDigester(), w: w}
}

func (h *HashWriter) Write(p []byte) (int, error) {
	if h.w == nil {
		h.add(p)
		return len(p), nil
	}
	n, err := h.w.Write(p)
	h.add(p[:n])
	return n, err
}

// ComputeSHA256 returns the digest of data.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeFileSHA256 returns the digest and size of a local file.
func ComputeFileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hw := NewHashWriter(nil)
	if _, err := io.Copy(hw, f); err != nil {
		return "", 0, fmt.Errorf("failed to digest %s: %w", path, err)
	}
	return hw.SHA256(), hw.Size(), nil
}

// ValidateSHA256 reports whether s is a canonical digest.
func ValidateSHA256(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
