package postgres

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// Open is the repository.Opener for the postgres driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*repository.CreateRepositoriesResult, error) {
	db, err := NewDB(ctx, cfg, logger.With().Str("component", "postgres").Logger())
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &repository.CreateRepositoriesResult{
		Repos: &repository.Repositories{
			Items: NewItemBlobRepository(db),
			Blobs: NewBlobRepository(db),
		},
		Database: db,
	}, nil
}
