// Package sqlite implements the item blob and reference count repositories
// on an embedded SQLite file, using the cgo-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/repository/migrations"
)

// Config holds SQLite connection settings. Path may be ":memory:".
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Pragmas applied to every connection.
	JournalMode     string
	BusyTimeout     int // milliseconds
	CacheSize       int // negative means KiB
	SynchronousMode string
}

// DefaultConfig uses a single WAL writer, which serializes reference count
// updates without relying on busy retries.
func DefaultConfig(dbPath string) Config {
	return Config{
		Path:            dbPath,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		JournalMode:     "WAL",
		BusyTimeout:     5000,
		CacheSize:       -2000,
		SynchronousMode: "NORMAL",
	}
}

// ConfigFrom maps the database section onto SQLite settings.
// Zero values fall back to DefaultConfig.
func ConfigFrom(cfg config.DatabaseConfig) Config {
	c := DefaultConfig(cfg.Path)
	if cfg.JournalMode != "" {
		c.JournalMode = cfg.JournalMode
	}
	if cfg.BusyTimeout > 0 {
		c.BusyTimeout = cfg.BusyTimeout
	}
	if cfg.CacheSize != 0 {
		c.CacheSize = cfg.CacheSize
	}
	if cfg.SynchronousMode != "" {
		c.SynchronousMode = cfg.SynchronousMode
	}
	if cfg.ConnMaxLifetime > 0 {
		c.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return c
}

// DSN builds the modernc connection string with pragmas.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)&_pragma=synchronous(%s)&_pragma=foreign_keys(1)",
		c.Path,
		c.JournalMode,
		c.BusyTimeout,
		c.CacheSize,
		c.SynchronousMode,
	)
}

// DB wraps a sql.DB connection for SQLite.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
	path   string
}

// NewDB creates a new SQLite database connection.
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	logger.Info().
		Str("path", cfg.Path).
		Str("journal_mode", cfg.JournalMode).
		Int("max_conns", cfg.MaxOpenConns).
		Msg("connected to SQLite database")

	return &DB{
		db:     db,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.logger.Info().Msg("closing SQLite connection")
	return db.db.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Health checks the database connection health.
func (db *DB) Health(ctx context.Context) error {
	return db.Ping(ctx)
}

// WithTx runs fn in a transaction, committing only when fn succeeds.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExecContext executes a query without returning rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns a single row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

// Migrate applies the embedded migrations.
func (db *DB) Migrate(ctx context.Context) error {
	if err := migrations.Up(ctx, db.db, migrations.DialectSQLite); err != nil {
		return err
	}

	version, err := migrations.Version(ctx, db.db, migrations.DialectSQLite)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	db.logger.Info().Int64("version", version).Msg("database schema up to date")
	return nil
}
