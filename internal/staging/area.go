// Package staging manages the local directory where incoming content is
// written before it is handed to a backend, and the sweeper that removes
// abandoned files from it.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/metrics"
)

// Config holds staging area settings.
type Config struct {
	// Dir is the staging directory.
	Dir string

	// MaxAge is how long a file may go unmodified before the sweeper removes it.
	MaxAge time.Duration

	// Interval is how often the sweeper runs.
	Interval time.Duration
}

// DefaultConfig returns the default sweep settings for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:      dir,
		MaxAge:   6 * time.Hour,
		Interval: 10 * time.Minute,
	}
}

// Area is the staging directory plus its background sweeper.
// Writers and the sweeper coordinate only through file modification times.
type Area struct {
	config  Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewArea creates a staging area. It does not touch the filesystem until Start.
func NewArea(config Config, m *metrics.Metrics, logger zerolog.Logger) *Area {
	return &Area{
		config:  config,
		metrics: m,
		logger:  logger.With().Str("service", "staging").Logger(),
		now:     time.Now,
	}
}

// Dir returns the staging directory.
func (a *Area) Dir() string {
	return a.config.Dir
}

// Prepare creates the staging directory when absent.
func (a *Area) Prepare() error {
	if err := os.MkdirAll(a.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	return nil
}

// Start creates the directory and launches the sweeper.
func (a *Area) Start() error {
	if err := a.Prepare(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stopChan = make(chan struct{})
	a.doneChan = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info().
		Str("dir", a.config.Dir).
		Dur("interval", a.config.Interval).
		Dur("max_age", a.config.MaxAge).
		Msg("Starting staging sweeper")

	go a.runLoop(a.stopChan, a.doneChan)
	return nil
}

// Stop stops the sweeper and waits for it to exit.
func (a *Area) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stop, done := a.stopChan, a.doneChan
	a.mu.Unlock()

	close(stop)
	<-done

	a.logger.Info().Msg("Staging sweeper stopped")
}

func (a *Area) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := a.config.Interval
	if interval <= 0 {
		interval = DefaultConfig("").Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.Sweep(context.Background()); err != nil {
				a.logger.Error().Err(err).Msg("Staging sweep failed")
			}
		case <-stop:
			return
		}
	}
}

// Create returns a new uniquely named file in the staging directory.
// The caller owns the file and must close it.
func (a *Area) Create() (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(a.config.Dir, uuid.NewString()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return f, nil
}

// Touch refreshes the modification time of path so the sweeper leaves it alone.
func (a *Area) Touch(path string) error {
	now := a.now()
	return os.Chtimes(path, now, now)
}

// Sweep removes regular files older than MaxAge and returns how many were removed.
// Files that vanish mid-sweep are ignored.
func (a *Area) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(a.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read staging dir: %w", err)
	}

	cutoff := a.now().Add(-a.config.MaxAge)
	removed := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(a.config.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				a.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale staging file")
			}
			continue
		}

		a.logger.Debug().
			Str("path", path).
			Time("mod_time", info.ModTime()).
			Msg("Removed stale staging file")
		removed++
	}

	a.metrics.RecordSweep(removed)
	if removed > 0 {
		a.logger.Info().Int("removed", removed).Msg("Staging sweep completed")
	}
	return removed, ctx.Err()
}
