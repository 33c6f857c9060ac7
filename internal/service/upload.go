package service

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// Upload outcomes, used as metric labels.
const (
	uploadOpened    = "opened"
	uploadCompleted = "completed"
	uploadMismatch  = "size_mismatch"
	uploadAborted   = "aborted"
	uploadFinished  = "finished"
)

// IncomingBlob receives content for one upload. Every write lands in a
// local staging file and, when the backend supports resumable uploads, is
// forwarded to the backend in the same call. Writes must come from a
// single caller.
type IncomingBlob struct {
	store     *ExternalStore
	id        string
	mailboxID int64
	logger    zerolog.Logger

	file   *os.File
	hw     *crypto.HashWriter
	upload storage.Upload // nil without the capability

	failed error
	closed bool
}

// NewIncomingBlob opens an upload identified by id. Backends without
// resumable uploads get a local-only upload that is staged normally.
func (s *ExternalStore) NewIncomingBlob(ctx context.Context, id string, mailboxID int64) (*IncomingBlob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	f, err := s.area.Create()
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	ib := &IncomingBlob{
		store:     s,
		id:        id,
		mailboxID: mailboxID,
		logger:    s.logger.With().Str("upload", id).Int64("mailbox_id", mailboxID).Logger(),
		file:      f,
		hw:        crypto.NewHashWriter(f),
	}

	if s.backend.Resumable != nil {
		upload, err := s.backend.Resumable.NewUpload(ctx, mailboxID)
		if err != nil {
			f.Close()
			s.removeLocal(f.Name())
			return nil, fmt.Errorf("failed to open backend upload: %w", err)
		}
		ib.upload = upload
	}

	s.metrics.RecordUpload(uploadOpened)
	ib.logger.Debug().Bool("resumable", ib.upload != nil).Msg("opened incoming blob")
	return ib, nil
}

// ID returns the caller's upload id.
func (ib *IncomingBlob) ID() string {
	return ib.id
}

// Write appends p locally and to the backend upload. ctx bounds the
// backend append.
func (ib *IncomingBlob) Write(ctx context.Context, p []byte) (int, error) {
	if ib.closed {
		return 0, domain.NewDomainError(domain.ErrUploadClosed, "", ib.id)
	}
	if ib.failed != nil {
		return 0, ib.failed
	}

	n, err := ib.hw.Write(p)
	if err != nil {
		ib.failed = err
		return n, err
	}
	if ib.upload != nil {
		if _, err := ib.upload.Append(ctx, p[:n]); err != nil {
			ib.failed = fmt.Errorf("backend upload write: %w", err)
			return n, ib.failed
		}
	}
	return n, nil
}

// KeepAlive refreshes the staging file so the sweeper leaves an idle
// upload alone.
func (ib *IncomingBlob) KeepAlive() error {
	return ib.store.area.Touch(ib.file.Name())
}

// CurrentSize returns the number of bytes received. With a backend upload
// the backend's size must match the local size; on a mismatch the upload
// is marked failed and must be restarted.
func (ib *IncomingBlob) CurrentSize(ctx context.Context) (int64, error) {
	if ib.failed != nil {
		return 0, ib.failed
	}

	local := ib.hw.Size()
	if ib.upload == nil {
		return local, nil
	}

	remote, err := ib.upload.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read backend upload size: %w", err)
	}
	if remote != local {
		ib.failed = domain.NewDomainError(domain.ErrUploadSizeMismatch,
			fmt.Sprintf("backend has %d bytes, local has %d", remote, local), ib.id)
		ib.store.metrics.RecordUpload(uploadMismatch)
		ib.logger.Error().Int64("remote", remote).Int64("local", local).Msg("upload size mismatch")
		return 0, ib.failed
	}
	return local, nil
}

// Finish closes the local file and returns the uploaded blob. Sizes are
// verified first; nothing is finished on a mismatch.
func (ib *IncomingBlob) Finish(ctx context.Context) (*domain.UploadedBlob, error) {
	if ib.closed {
		return nil, domain.NewDomainError(domain.ErrUploadClosed, "", ib.id)
	}
	size, err := ib.CurrentSize(ctx)
	if err != nil {
		return nil, err
	}

	if err := ib.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync upload %s: %w", ib.id, err)
	}
	if err := ib.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close upload %s: %w", ib.id, err)
	}
	ib.closed = true

	ub := &domain.UploadedBlob{
		Blob: domain.Blob{
			Path:    ib.file.Name(),
			RawSize: size,
			Digest:  ib.hw.SHA256(),
		},
	}
	if ib.upload != nil {
		ub.UploadID = ib.upload.ID()
	}

	ib.store.metrics.RecordUpload(uploadCompleted)
	ib.logger.Debug().Int64("size", size).Str("upload_id", ub.UploadID).Msg("upload complete")
	return ub, nil
}

// Abort discards the local file and the backend upload.
func (ib *IncomingBlob) Abort(ctx context.Context) error {
	if ib.closed {
		return nil
	}
	ib.closed = true

	ib.file.Close()
	ib.store.removeLocal(ib.file.Name())

	ib.store.metrics.RecordUpload(uploadAborted)
	if ib.upload == nil {
		return nil
	}
	if err := ib.store.backend.Resumable.AbortUpload(ctx, ib.upload.ID(), ib.mailboxID); err != nil {
		return fmt.Errorf("failed to abort backend upload %s: %w", ib.upload.ID(), err)
	}
	return nil
}

// FinishUpload turns an uploaded blob into permanent backend content and
// returns its locator.
func (s *ExternalStore) FinishUpload(ctx context.Context, ub *domain.UploadedBlob, mailboxID int64) (string, error) {
	if s.backend.Resumable == nil {
		return "", domain.NewDomainError(domain.ErrUnsupported, "resumable upload", "")
	}
	if ub.UploadID == "" {
		return "", domain.NewDomainError(domain.ErrUploadNotOpen, "", ub.Path)
	}

	locator, err := s.backend.Resumable.FinishUpload(ctx, ub.UploadID, mailboxID)
	if err != nil {
		return "", fmt.Errorf("failed to finish upload %s: %w", ub.UploadID, err)
	}
	s.metrics.RecordUpload(uploadFinished)
	return locator, nil
}

// StageUploaded stages the result of an upload. Content already at the
// backend is finished in place; local-only uploads are staged normally.
// The local copy is cached under the locator.
func (s *ExternalStore) StageUploaded(ctx context.Context, ub *domain.UploadedBlob, mailboxID int64) (*domain.StagedBlob, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}
	if ub.UploadID == "" {
		return s.Stage(ctx, &ub.Blob, mailboxID)
	}

	locator, err := s.FinishUpload(ctx, ub, mailboxID)
	if err != nil {
		return nil, err
	}

	if _, err := s.cache.PutFile(locator, ub.Path, ub.Digest); err != nil {
		s.logger.Warn().Err(err).Str("locator", locator).Msg("failed to cache uploaded blob")
	}

	return &domain.StagedBlob{
		Digest:    ub.Digest,
		Size:      ub.RawSize,
		Locator:   locator,
		MailboxID: mailboxID,
	}, nil
}
