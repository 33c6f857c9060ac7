// Package postgres implements the item blob and reference count
// repositories on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/repository/migrations"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "mailblob"

	poolConfig.ConnConfig.Tracer = &queryTracer{logger: logger}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Int("max_conns", cfg.MaxOpenConns).
		Msg("connected to PostgreSQL")

	return &DB{
		Pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	db.Pool.Close()
	db.logger.Info().Msg("database connection pool closed")
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Health checks the connection and that the reference table is migrated.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return err
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT to_regclass('blobs') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !exists {
		return fmt.Errorf("schema not migrated: blobs table missing")
	}
	return nil
}

// Migrate applies the embedded migrations through a database/sql view of the pool.
func (db *DB) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	if err := migrations.Up(ctx, sqlDB, migrations.DialectPostgres); err != nil {
		return err
	}

	version, err := migrations.Version(ctx, sqlDB, migrations.DialectPostgres)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	db.logger.Info().Int64("version", version).Msg("database schema up to date")
	return nil
}

// slowQuery is the duration above which queries are logged at warn level.
const slowQuery = 500 * time.Millisecond

// queryTracer logs every query at debug level and slow ones at warn.
// Consistency checks scan whole mailboxes, so slow statements surface here.
type queryTracer struct {
	logger zerolog.Logger
}

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)

	var event *zerolog.Event
	switch {
	case data.Err != nil:
		event = t.logger.Debug().Err(data.Err)
	case elapsed >= slowQuery:
		event = t.logger.Warn()
	default:
		event = t.logger.Debug()
	}
	event.Str("sql", start.sql).
		Dur("elapsed", elapsed).
		Int64("rows", data.CommandTag.RowsAffected()).
		Msg("query")
}
