// Package main is the entry point for the mail blob store migration tool.
// It manages the item database and reference table schema with goose.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/repository/migrations"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "mailblob-migrate",
		Short:         "Mail blob store database migration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	withDB := func(fn func(ctx context.Context, db *sql.DB, dialect string, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, dialect, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd.Context(), db, dialect, cmd)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB, dialect string, cmd *cobra.Command) error {
				if err := migrations.Up(ctx, db, dialect); err != nil {
					return err
				}
				return printVersion(ctx, db, dialect, cmd)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB, dialect string, cmd *cobra.Command) error {
				if err := migrations.Down(ctx, db, dialect); err != nil {
					return err
				}
				return printVersion(ctx, db, dialect, cmd)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE:  withDB(printVersion),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Mail Blob Store Migration Tool\n")
				fmt.Fprintf(out, "Version: %s\n", Version)
				fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
				fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB opens a plain database/sql handle for goose.
func openDB(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Path)
		return db, migrations.DialectSQLite, err
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN())
		return db, migrations.DialectPostgres, err
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func printVersion(ctx context.Context, db *sql.DB, dialect string, cmd *cobra.Command) error {
	version, err := migrations.Version(ctx, db, dialect)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
	return nil
}
