// Package main is the entry point for the mail blob store admin CLI.
// It runs consistency checks, garbage collection and staging sweeps against
// the configured store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

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

type cli struct {
	configPath string
	verbose    bool
	gcDryRun   bool
	app        *app.App
}

func (c *cli) ensureApp(ctx context.Context) error {
	if c.app != nil {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if !c.verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Output = "stderr"
	if c.gcDryRun {
		cfg.GC.DryRun = true
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
}

func main() {
	c := &cli{}
	root := newRootCmd(c)
	err := root.ExecuteContext(context.Background())
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailblob-admin",
		Short:         "Mail blob store admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to the configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	// Commands that touch the store open it first.
	withApp := func(cmd *cobra.Command) *cobra.Command {
		cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
			return c.ensureApp(cmd.Context())
		}
		return cmd
	}

	gc := newGCCmd(c)
	for _, sub := range gc.Commands() {
		withApp(sub)
	}

	root.AddCommand(
		withApp(newCheckCmd(c)),
		gc,
		withApp(newSweepCmd(c)),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mail Blob Store Admin CLI\n")
			fmt.Fprintf(out, "Version: %s\n", Version)
			fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		},
	}
}
