// Package app assembles the mail blob store from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/cache/disk"
	"github.com/prn-tf/alexander-mailblob/internal/cache/memory"
	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/handler"
	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/msgcache"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
	"github.com/prn-tf/alexander-mailblob/internal/repository/bolt"
	"github.com/prn-tf/alexander-mailblob/internal/repository/postgres"
	"github.com/prn-tf/alexander-mailblob/internal/repository/redis"
	"github.com/prn-tf/alexander-mailblob/internal/repository/sqlite"
	"github.com/prn-tf/alexander-mailblob/internal/service"
	"github.com/prn-tf/alexander-mailblob/internal/staging"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
	"github.com/prn-tf/alexander-mailblob/internal/storage/filesystem"
	"github.com/prn-tf/alexander-mailblob/internal/storage/s3"
)

// App holds every long-lived component of one store process.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Registry is nil when metrics are disabled.
	Registry *prometheus.Registry

	Database repository.DatabaseHealth
	Repos    *repository.Repositories
	Locker   lock.Locker
	Pins     *msgcache.Pins
	Backend  *storage.Negotiated
	Staging  *staging.Area
	Cache    *disk.Cache
	Store    *service.ExternalStore
	Checker  *service.ConsistencyChecker

	// GC is nil unless the backend keeps single-instance content.
	GC *service.GarbageCollector

	refs    repository.BlobRepository
	redis   *goredis.Client
	closers []func() error
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("cleanup after failed startup")
			}
		}
	}()

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.New(a.Registry)
	}

	factory := repository.NewFactory(cfg.Database, logger)
	factory.Register("sqlite", sqlite.Open)
	factory.Register("postgres", postgres.Open)

	result, err := factory.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.Database = result.Database
	a.Repos = result.Repos
	a.onClose(result.Database.Close)

	if err := a.initShared(ctx); err != nil {
		return nil, err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	if a.Backend, err = storage.Negotiate(backend); err != nil {
		return nil, err
	}

	stagingCfg := staging.DefaultConfig(cfg.Store.StagingDir)
	stagingCfg.Interval = cfg.Store.SweepInterval
	stagingCfg.MaxAge = cfg.Store.SweepMaxAge
	a.Staging = staging.NewArea(stagingCfg, a.Metrics, logger)

	maxBytes, err := cfg.Cache.MaxBytes()
	if err != nil {
		return nil, err
	}
	cacheCfg := disk.DefaultConfig(cfg.Cache.Dir)
	cacheCfg.MaxFiles = cfg.Cache.MaxFiles
	cacheCfg.MaxBytes = maxBytes
	cacheCfg.MinLifetime = cfg.Cache.MinLifetime
	a.Cache = disk.New(cacheCfg, a.Pins.IsPinned, a.Metrics, logger)

	if a.Store, err = service.NewExternalStore(backend, a.Staging, a.Cache, a.Locker, a.Metrics, logger); err != nil {
		return nil, err
	}

	a.Checker = service.NewConsistencyChecker(a.Repos.Items, a.Backend, a.Locker, a.Metrics, logger, service.ConsistencyConfig{
		ChunkSize: cfg.Consistency.ChunkSize,
		LockTTL:   cfg.Consistency.LockTTL,
	})

	if a.Backend.Purger != nil && a.refs != nil {
		a.GC = service.NewGarbageCollector(a.refs, a.Backend.Purger, a.Locker, a.Metrics, logger, service.GCConfig{
			Enabled:     cfg.GC.Enabled,
			Interval:    cfg.GC.Interval,
			GracePeriod: cfg.GC.GracePeriod,
			BatchSize:   cfg.GC.BatchSize,
			DryRun:      cfg.GC.DryRun,
		})
	}

	logger.Info().
		Str("backend", cfg.Store.Backend).
		Bool("content_addressed", a.Backend.Caps.ContentAddressed).
		Bool("single_instance", a.Backend.Caps.SingleInstance).
		Bool("resumable_upload", a.Backend.Caps.ResumableUpload).
		Bool("listing", a.Backend.Caps.Listing).
		Bool("gc", a.GC != nil).
		Msg("mail blob store assembled")

	return a, nil
}

// initShared sets up the lock and pin set, on Redis when enabled and in
// memory otherwise.
func (a *App) initShared(ctx context.Context) error {
	var cache repository.Cache
	if a.Config.Redis.Enabled {
		client, err := redis.NewClient(ctx, a.Config.Redis, a.Logger)
		if err != nil {
			return err
		}
		a.redis = client
		a.onClose(client.Close)

		cache = redis.NewCache(client)
		a.Locker = redis.NewDistributedLock(client)
	} else {
		mem := memory.NewCache()
		a.onClose(func() error { mem.Stop(); return nil })
		cache = mem

		a.Locker = lock.NewMemoryLocker()
	}

	a.Pins = msgcache.NewPins(cache, a.Logger)
	return nil
}

// openBackend opens the configured backend. Filesystem stores also set
// a.refs, which counts references to shared files.
func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case "filesystem":
		switch cfg.Filesystem.RefsDriver {
		case "bolt":
			refs, err := bolt.Open(bolt.Config{Path: cfg.Filesystem.BoltPath})
			if err != nil {
				return nil, err
			}
			a.onClose(refs.Close)
			a.refs = refs
		default:
			a.refs = a.Repos.Blobs
		}
		return filesystem.New(filesystem.Config{
			Root:           cfg.Filesystem.Root,
			ShardLevels:    cfg.Filesystem.ShardLevels,
			ShardWidth:     cfg.Filesystem.ShardWidth,
			SingleInstance: cfg.Filesystem.SingleInstance,
		}, a.refs, a.Logger)

	case "s3":
		partSize, err := cfg.S3.PartSizeBytes()
		if err != nil {
			return nil, err
		}
		client, err := s3.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s3.New(client, s3.Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			PartSize: partSize,
			SpoolDir: cfg.Store.StagingDir,
		}, a.Logger)

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Start brings up the store and, when enabled, the garbage collector.
func (a *App) Start(ctx context.Context) error {
	if err := a.Store.Startup(ctx); err != nil {
		return err
	}
	if a.GC != nil && a.Config.GC.Enabled {
		a.GC.Start()
	}
	return nil
}

// Stop halts background work and shuts the store down.
func (a *App) Stop(ctx context.Context) error {
	if a.GC != nil {
		a.GC.Stop()
	}
	return a.Store.Shutdown(ctx)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Health checks the database and, when enabled, Redis.
func (a *App) Health(ctx context.Context) error {
	if err := a.Database.Health(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Router returns the admin HTTP handler.
func (a *App) Router() http.Handler {
	cfg := handler.RouterConfig{
		Checker:          a.Checker,
		Health:           a,
		MetricsPath:      a.Config.Metrics.Path,
		DefaultCheckSize: a.Config.Consistency.CheckSize,
		Logger:           a.Logger,
	}
	if a.GC != nil {
		cfg.GC = a.GC
	}
	if a.Registry != nil {
		cfg.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	return handler.NewRouter(cfg).Handler()
}
