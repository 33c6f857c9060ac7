package service

import (
	"context"
	"fmt"
	"os"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/pkg/crypto"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// Stage modes, used as metric labels.
const (
	modeDirect = "direct"
	modeCAS    = "cas"
	modeSIS    = "sis"
	modeStream = "stream"
)

// stager performs the single backend write of a stage.
type stager interface {
	mode() string
	stage(ctx context.Context, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error)
}

// directStager lets the backend assign an opaque locator.
type directStager struct {
	backend storage.Backend
}

func (d *directStager) mode() string { return modeDirect }

func (d *directStager) stage(ctx context.Context, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error) {
	f, err := os.Open(blob.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	locator, err := d.backend.Write(ctx, f, blob.RawSize, mailboxID)
	if err != nil {
		return nil, err
	}
	return &domain.StagedBlob{
		Digest:  blob.Digest,
		Size:    blob.RawSize,
		Locator: locator,
	}, nil
}

// casStager writes under a locator derived from the digest. The recorded
// digest and size are those of the bytes actually sent.
type casStager struct {
	ca storage.ContentAddressed
}

func (c *casStager) mode() string { return modeCAS }

func (c *casStager) stage(ctx context.Context, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error) {
	f, err := os.Open(blob.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	locator := c.ca.Locate(blob.Digest)
	hr := crypto.NewHashReader(f)
	if err := c.ca.WriteAt(ctx, locator, hr, blob.RawSize, mailboxID); err != nil {
		return nil, err
	}
	if hr.SHA256() != blob.Digest {
		return nil, domain.NewDomainError(domain.ErrBlobCorrupted,
			fmt.Sprintf("sent %s, expected %s", hr.SHA256(), blob.Digest), locator)
	}

	return &domain.StagedBlob{
		Digest:  hr.SHA256(),
		Size:    hr.Size(),
		Locator: locator,
	}, nil
}

// sisStager reuses content the backend already holds. A lookup hit has
// already taken a backend reference, so nothing is written.
type sisStager struct {
	si      storage.SingleInstance
	cas     *casStager
	metrics *metrics.Metrics
}

func (s *sisStager) mode() string { return modeSIS }

func (s *sisStager) stage(ctx context.Context, blob *domain.Blob, mailboxID int64) (*domain.StagedBlob, error) {
	locator, size, found, err := s.si.Lookup(ctx, blob.Digest, mailboxID)
	if err != nil {
		return nil, err
	}
	if found {
		s.metrics.RecordDedupHit()
		return &domain.StagedBlob{
			Digest:  blob.Digest,
			Size:    size,
			Locator: locator,
		}, nil
	}
	return s.cas.stage(ctx, blob, mailboxID)
}
