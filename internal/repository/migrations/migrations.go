// Package migrations embeds the goose migrations for the item database and
// the single-instance reference table.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// Dialects understood by Up, Down and Version.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

func prepare(dialect string) error {
	var (
		root embed.FS
		dir  string
	)
	switch dialect {
	case DialectSQLite:
		root, dir = sqliteFS, "sqlite"
	case DialectPostgres:
		root, dir = postgresFS, "postgres"
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	sub, err := fs.Sub(root, dir)
	if err != nil {
		return err
	}
	goose.SetBaseFS(sub)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect(dialect)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(dialect); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB, dialect string) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(dialect); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
