package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// ConsistencyConfig contains consistency checker configuration.
type ConsistencyConfig struct {
	// ChunkSize is the item-id window read per query.
	ChunkSize int

	// LockTTL bounds how long a check holds the mailbox lock.
	LockTTL time.Duration
}

// DefaultConsistencyConfig returns the default configuration.
func DefaultConsistencyConfig() ConsistencyConfig {
	return ConsistencyConfig{
		ChunkSize: 500,
		LockTTL:   30 * time.Minute,
	}
}

// CheckRequest selects what a consistency check examines.
type CheckRequest struct {
	MailboxID int64

	// Volumes restricts the check to these volume ids. Empty means all.
	Volumes []int16

	// CheckSize compares backend sizes with recorded sizes.
	CheckSize bool

	// ReportUsed lists every blob found intact.
	ReportUsed bool
}

// ConsistencyChecker reconciles the item database with backend content.
type ConsistencyChecker struct {
	items   repository.ItemBlobRepository
	backend *storage.Negotiated
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	config  ConsistencyConfig
}

// NewConsistencyChecker creates a new checker.
func NewConsistencyChecker(
	items repository.ItemBlobRepository,
	backend *storage.Negotiated,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config ConsistencyConfig,
) *ConsistencyChecker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConsistencyConfig().ChunkSize
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConsistencyConfig().LockTTL
	}
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}
	return &ConsistencyChecker{
		items:   items,
		backend: backend,
		locker:  locker,
		metrics: m,
		logger:  logger.With().Str("service", "consistency").Logger(),
		config:  config,
	}
}

// Check scans every blob reference of the mailbox in item-id windows.
// Each reference is classified as missing, incorrect-size or used.
// Backends that can list content also yield unexpected objects, those no
// reference matched. A failure to reach one object is recorded on its
// result and the scan continues; database failures end the check.
func (c *ConsistencyChecker) Check(ctx context.Context, req CheckRequest) (*domain.ConsistencyReport, error) {
	var report *domain.ConsistencyReport
	err := lock.WithLock(ctx, c.locker, lock.Keys.ConsistencyCheck(req.MailboxID), c.config.LockTTL, func(ctx context.Context) error {
		var err error
		report, err = c.check(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (c *ConsistencyChecker) check(ctx context.Context, req CheckRequest) (*domain.ConsistencyReport, error) {
	report := &domain.ConsistencyReport{
		MailboxID:     req.MailboxID,
		Volumes:       req.Volumes,
		Missing:       []*domain.ConsistencyResult{},
		IncorrectSize: []*domain.ConsistencyResult{},
		Unexpected:    []*domain.ConsistencyResult{},
		StartedAt:     time.Now().UTC(),
	}

	listed := c.listMailbox(ctx, req.MailboxID)
	report.Listed = listed != nil

	maxID, err := c.items.MaxItemID(ctx, req.MailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to read max item id: %w", err)
	}

	chunk := int64(c.config.ChunkSize)
	for lo := int64(0); lo <= maxID; lo += chunk {
		for _, category := range domain.AllCategories {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			records, err := c.items.ListBlobRefs(ctx, repository.BlobRefQuery{
				MailboxID: req.MailboxID,
				Category:  category,
				Volumes:   req.Volumes,
				MinID:     lo,
				MaxID:     lo + chunk,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to list %s blob refs: %w", category, err)
			}

			for _, rec := range records {
				c.checkRecord(ctx, req, rec, listed, report)
			}
		}
	}

	if listed != nil {
		locators := make([]string, 0, len(listed))
		for locator := range listed {
			locators = append(locators, locator)
		}
		sort.Strings(locators)
		for _, locator := range locators {
			report.Unexpected = append(report.Unexpected, &domain.ConsistencyResult{
				Locator:    locator,
				ActualSize: listed[locator].Size,
			})
		}
	}

	report.Duration = time.Since(report.StartedAt)
	c.metrics.RecordConsistency(len(report.Missing), len(report.IncorrectSize), len(report.Unexpected))

	c.logger.Info().
		Int64("mailbox_id", req.MailboxID).
		Int("checked", report.Checked).
		Int("missing", len(report.Missing)).
		Int("incorrect_size", len(report.IncorrectSize)).
		Int("unexpected", len(report.Unexpected)).
		Bool("listed", report.Listed).
		Dur("duration", report.Duration).
		Msg("consistency check completed")
	return report, nil
}

// listMailbox returns the backend's objects for the mailbox keyed by
// locator, or nil when the backend cannot list or the listing failed.
func (c *ConsistencyChecker) listMailbox(ctx context.Context, mailboxID int64) map[string]storage.ObjectInfo {
	if c.backend.Lister == nil {
		return nil
	}
	objects, err := c.backend.Lister.List(ctx, mailboxID)
	if err != nil {
		c.logger.Warn().Err(err).Int64("mailbox_id", mailboxID).Msg("failed to list mailbox, unexpected objects not reported")
		return nil
	}
	listed := make(map[string]storage.ObjectInfo, len(objects))
	for _, obj := range objects {
		listed[obj.Locator] = obj
	}
	return listed
}

func (c *ConsistencyChecker) checkRecord(ctx context.Context, req CheckRequest, rec *domain.BlobRecord, listed map[string]storage.ObjectInfo, report *domain.ConsistencyReport) {
	report.Checked++
	result := &domain.ConsistencyResult{Record: rec, Locator: rec.Locator, ActualSize: -1}

	var size int64
	var err error
	if obj, ok := listed[rec.Locator]; ok {
		delete(listed, rec.Locator)
		size = obj.Size
	} else {
		size, err = c.probe(ctx, rec, req.CheckSize)
	}

	switch {
	case err != nil:
		if !storage.IsNotFound(err) {
			result.Error = err.Error()
			c.logger.Warn().Err(err).Str("locator", rec.Locator).Msg("failed to check blob")
		}
		report.Missing = append(report.Missing, result)
	case req.CheckSize && size >= 0 && size != rec.Size:
		result.ActualSize = size
		report.IncorrectSize = append(report.IncorrectSize, result)
	case req.ReportUsed:
		result.ActualSize = size
		report.Used = append(report.Used, result)
	}
}

// probe confirms the object exists and returns its size, or -1 when the
// size was not needed and the backend cannot stat.
func (c *ConsistencyChecker) probe(ctx context.Context, rec *domain.BlobRecord, needSize bool) (int64, error) {
	if c.backend.Stater != nil {
		return c.backend.Stater.Stat(ctx, rec.Locator, rec.MailboxID)
	}

	rc, err := c.backend.Read(ctx, rec.Locator, rec.MailboxID)
	if err != nil {
		return 0, err
	}
	if rc == nil {
		return 0, domain.NewDomainError(domain.ErrNoContent, "", rec.Locator)
	}
	defer rc.Close()

	if !needSize {
		return -1, nil
	}
	n, err := io.Copy(io.Discard, rc)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return n, nil
}
