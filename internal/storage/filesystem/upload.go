package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// upload appends to a provisional file under the uploads directory.
// Each Write opens the file in append mode, so an upload survives the
// process that started it.
type upload struct {
	id   string
	path string
}

func (u *upload) ID() string {
	return u.id
}

func (u *upload) Append(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(u.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, domain.NewDomainError(domain.ErrUploadClosed, "", u.id)
		}
		return 0, err
	}
	n, err := f.Write(p)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (u *upload) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(u.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (b *Backend) uploadPath(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", domain.NewDomainError(domain.ErrUploadNotOpen, "malformed upload id", uploadID)
	}
	return filepath.Join(b.root, uploadDirName, uploadID), nil
}

// NewUpload opens a provisional upload.
func (b *Backend) NewUpload(ctx context.Context, mailboxID int64) (storage.Upload, error) {
	id := uuid.NewString()
	path := filepath.Join(b.root, uploadDirName, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}

	b.logger.Debug().Str("upload_id", id).Int64("mailbox_id", mailboxID).Msg("Upload opened")
	return &upload{id: id, path: path}, nil
}

// FinishUpload hashes the uploaded bytes and commits them under their
// digest locator.
func (b *Backend) FinishUpload(ctx context.Context, uploadID string, mailboxID int64) (string, error) {
	path, err := b.uploadPath(uploadID)
	if err != nil {
		return "", err
	}

	digest, size, err := crypto.ComputeFileSHA256(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewDomainError(domain.ErrUploadNotOpen, "", uploadID)
		}
		return "", fmt.Errorf("failed to hash upload: %w", err)
	}

	if err := b.commit(ctx, path, digest, size); err != nil {
		return "", err
	}
	return b.Locate(digest), nil
}

// AbortUpload discards a provisional upload. Unknown ids are ignored.
func (b *Backend) AbortUpload(ctx context.Context, uploadID string, mailboxID int64) error {
	path, err := b.uploadPath(uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to abort upload: %w", err)
	}
	return nil
}
