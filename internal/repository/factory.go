// This file contains factory functions to create repositories based on configuration.
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/config"
)

// Repositories holds all repository instances.
type Repositories struct {
	Items ItemBlobRepository
	Blobs BlobRepository
}

// DatabaseHealth is an interface for database health checks.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// CreateRepositoriesResult contains the created repositories and database connection.
type CreateRepositoriesResult struct {
	Repos    *Repositories
	Database DatabaseHealth
}

// Opener connects to one database driver and builds its repositories.
type Opener func(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*CreateRepositoriesResult, error)

// Factory creates repositories based on configuration.
// Driver packages register an Opener; the factory stays free of driver imports.
type Factory struct {
	cfg     config.DatabaseConfig
	logger  zerolog.Logger
	openers map[string]Opener
}

// NewFactory creates a new repository factory.
func NewFactory(cfg config.DatabaseConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		logger:  logger,
		openers: make(map[string]Opener),
	}
}

// Register makes a driver available.
func (f *Factory) Register(driver string, open Opener) {
	f.openers[driver] = open
}

// Driver returns the configured database driver.
func (f *Factory) Driver() string {
	return f.cfg.Driver
}

// IsEmbedded returns true if using embedded database.
func (f *Factory) IsEmbedded() bool {
	return f.cfg.IsEmbedded()
}

// Create opens the configured driver.
func (f *Factory) Create(ctx context.Context) (*CreateRepositoriesResult, error) {
	open, ok := f.openers[f.cfg.Driver]
	if !ok {
		known := make([]string, 0, len(f.openers))
		for name := range f.openers {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unsupported database driver %q (registered: %s)", f.cfg.Driver, strings.Join(known, ", "))
	}

	f.logger.Debug().Str("driver", f.cfg.Driver).Msg("opening repositories")
	return open(ctx, f.cfg, f.logger)
}
