package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// GarbageCollector purges single-instance content nothing references.
type GarbageCollector struct {
	blobRepo repository.BlobRepository
	purger   storage.Purger
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   GCConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// GCConfig contains garbage collection configuration.
type GCConfig struct {
	// Enabled determines if GC runs automatically.
	Enabled bool

	// Interval is how often to run garbage collection.
	Interval time.Duration

	// GracePeriod is how long an unreferenced entry survives. Content
	// staged but not yet committed lives in this window.
	GracePeriod time.Duration

	// BatchSize is the maximum number of entries to process per run.
	BatchSize int

	// DryRun logs what would be purged without purging.
	DryRun bool
}

// DefaultGCConfig returns sensible defaults.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enabled:     true,
		Interval:    1 * time.Hour,
		GracePeriod: 24 * time.Hour,
		BatchSize:   1000,
		DryRun:      false,
	}
}

// NewGarbageCollector creates a new garbage collector.
func NewGarbageCollector(
	blobRepo repository.BlobRepository,
	purger storage.Purger,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config GCConfig,
) *GarbageCollector {
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}
	return &GarbageCollector{
		blobRepo: blobRepo,
		purger:   purger,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "gc").Logger(),
		config:   config,
	}
}

// Start begins the garbage collection scheduler.
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.stopChan = make(chan struct{})
	gc.doneChan = make(chan struct{})
	stop, done := gc.stopChan, gc.doneChan
	gc.mu.Unlock()

	gc.logger.Info().
		Dur("interval", gc.config.Interval).
		Dur("grace_period", gc.config.GracePeriod).
		Int("batch_size", gc.config.BatchSize).
		Bool("dry_run", gc.config.DryRun).
		Msg("Starting garbage collector")

	go gc.runLoop(stop, done)
}

// Stop stops the garbage collection scheduler.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	stop, done := gc.stopChan, gc.doneChan
	gc.mu.Unlock()

	close(stop)
	<-done

	gc.logger.Info().Msg("Garbage collector stopped")
}

// runLoop is the main garbage collection loop.
func (gc *GarbageCollector) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Run immediately on start
	gc.runWithContext(context.Background())

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.runWithContext(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce executes a single garbage collection run.
// This can be called manually or by the scheduler.
func (gc *GarbageCollector) RunOnce(ctx context.Context) GCResult {
	return gc.runWithContext(ctx)
}

// GCResult contains the result of a garbage collection run.
type GCResult struct {
	// BlobsPurged is the number of entries purged.
	BlobsPurged int `json:"blobs_purged"`

	// BytesFreed is the total bytes freed.
	BytesFreed int64 `json:"bytes_freed"`

	// Revived counts entries referenced again before they were purged.
	Revived int `json:"revived"`

	// Errors is the number of errors encountered.
	Errors int `json:"errors"`

	// Duration is how long the run took.
	Duration time.Duration `json:"duration"`

	// OrphanBlobsRemaining is the approximate number of orphans still pending.
	OrphanBlobsRemaining int `json:"orphan_blobs_remaining"`
}

// runWithContext executes garbage collection with the given context.
// Only one collector runs at a time across processes sharing the locker.
func (gc *GarbageCollector) runWithContext(ctx context.Context) GCResult {
	start := time.Now()

	gc.logger.Debug().Msg("Starting garbage collection run")

	lockTTL := gc.config.Interval / 2
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	var result GCResult
	err := lock.WithLock(ctx, gc.locker, lock.Keys.SisGC(), lockTTL, func(ctx context.Context) error {
		result = gc.collect(ctx, start)
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		gc.logger.Debug().Msg("GC lock held by another process, skipping run")
	case err != nil:
		gc.logger.Error().Err(err).Msg("Garbage collection run interrupted")
		result.Errors++
	}
	result.Duration = time.Since(start)
	return result
}

// collect purges one batch of orphans. Each orphan row is deleted before its
// content is purged; the purge re-checks the row, so content committed again
// in between survives.
func (gc *GarbageCollector) collect(ctx context.Context, start time.Time) GCResult {
	result := GCResult{}

	orphans, err := gc.blobRepo.ListOrphans(ctx, gc.config.GracePeriod, gc.config.BatchSize)
	if err != nil {
		gc.logger.Error().Err(err).Msg("Failed to list orphan blobs")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	if len(orphans) == 0 {
		gc.logger.Debug().Msg("No orphan blobs found")
		result.Duration = time.Since(start)
		if gc.metrics != nil {
			gc.metrics.GCOrphanBlobs.Set(0)
			gc.metrics.GCLastRunTime.SetToCurrentTime()
		}
		return result
	}

	gc.logger.Info().
		Int("count", len(orphans)).
		Msg("Found orphan blobs for cleanup")

	if gc.metrics != nil {
		gc.metrics.GCOrphanBlobs.Set(float64(len(orphans)))
	}

	for _, entry := range orphans {
		if gc.config.DryRun {
			gc.logger.Info().
				Str("content_hash", entry.ContentHash).
				Str("locator", entry.Locator).
				Int64("size", entry.Size).
				Msg("[DRY RUN] Would purge orphan blob")
			result.BlobsPurged++
			result.BytesFreed += entry.Size
			continue
		}

		// Only rows still unreferenced are deleted.
		if err := gc.blobRepo.Delete(ctx, entry.ContentHash); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				result.Revived++
				continue
			}
			gc.logger.Error().
				Err(err).
				Str("content_hash", entry.ContentHash).
				Msg("Failed to delete blob row")
			result.Errors++
			continue
		}

		if err := gc.purger.Purge(ctx, entry.Locator); err != nil && !storage.IsNotFound(err) {
			gc.logger.Error().
				Err(err).
				Str("content_hash", entry.ContentHash).
				Str("locator", entry.Locator).
				Msg("Failed to purge blob content")
			result.Errors++
			continue
		}

		gc.logger.Debug().
			Str("content_hash", entry.ContentHash).
			Int64("size", entry.Size).
			Msg("Purged orphan blob")

		result.BlobsPurged++
		result.BytesFreed += entry.Size
	}

	result.Duration = time.Since(start)

	if len(orphans) == gc.config.BatchSize && !gc.config.DryRun {
		remaining, _ := gc.blobRepo.ListOrphans(ctx, gc.config.GracePeriod, 1)
		result.OrphanBlobsRemaining = len(remaining)
		if len(remaining) > 0 {
			gc.logger.Info().Msg("More orphan blobs remain for next run")
		}
	}

	if gc.metrics != nil {
		gc.metrics.RecordGCRun(result.Duration.Seconds(), result.BlobsPurged, result.BytesFreed)
		gc.metrics.GCLastRunTime.SetToCurrentTime()
		if result.OrphanBlobsRemaining == 0 && !gc.config.DryRun {
			gc.metrics.GCOrphanBlobs.Set(0)
		}
	}

	gc.logger.Info().
		Int("blobs_purged", result.BlobsPurged).
		Int64("bytes_freed", result.BytesFreed).
		Int("revived", result.Revived).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Garbage collection run completed")

	return result
}

// GetStats returns current GC statistics.
func (gc *GarbageCollector) GetStats(ctx context.Context) (*GCStats, error) {
	orphans, err := gc.blobRepo.ListOrphans(ctx, gc.config.GracePeriod, gc.config.BatchSize+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(orphans) > gc.config.BatchSize
	if hasMore {
		orphans = orphans[:gc.config.BatchSize]
	}

	var totalSize int64
	for _, entry := range orphans {
		totalSize += entry.Size
	}

	return &GCStats{
		OrphanBlobCount: len(orphans),
		OrphanBlobSize:  totalSize,
		HasMoreOrphans:  hasMore,
		GracePeriod:     gc.config.GracePeriod,
		NextRunIn:       gc.config.Interval,
	}, nil
}

// GCStats contains garbage collection statistics.
type GCStats struct {
	OrphanBlobCount int           `json:"orphan_blob_count"`
	OrphanBlobSize  int64         `json:"orphan_blob_size"`
	HasMoreOrphans  bool          `json:"has_more_orphans"`
	GracePeriod     time.Duration `json:"grace_period"`
	NextRunIn       time.Duration `json:"next_run_in"`
}
