// Package main is the entry point for the mail blob store server.
// It runs the staging sweeper, the single-instance garbage collector and the
// admin HTTP endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/alexander-mailblob/internal/app"
	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/logging"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mailblob-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting mail blob store")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return errors.Join(srv.Shutdown(shutdownCtx), a.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
