package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/service"
)

var errInconsistent = errors.New("mailbox is inconsistent")

func newCheckCmd(c *cli) *cobra.Command {
	var (
		volumes    []int
		checkSize  bool
		reportUsed bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "check <mailbox-id>",
		Short: "Check a mailbox's blobs against the backend",
		Long: `Reads every blob reference of the mailbox from the item database and
verifies the backend holds it. Reports missing blobs, blobs whose size differs
from the recorded size and, on backends that can list, objects no reference
points to. Exits non-zero when the mailbox is inconsistent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mailboxID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || mailboxID <= 0 {
				return fmt.Errorf("invalid mailbox id %q", args[0])
			}

			req := service.CheckRequest{
				MailboxID:  mailboxID,
				CheckSize:  c.app.Config.Consistency.CheckSize,
				ReportUsed: reportUsed,
			}
			if cmd.Flags().Changed("check-size") {
				req.CheckSize = checkSize
			}
			for _, v := range volumes {
				req.Volumes = append(req.Volumes, int16(v))
			}

			report, err := c.app.Checker.Check(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}

			if !report.Clean() {
				return fmt.Errorf("%w: mailbox %d", errInconsistent, mailboxID)
			}
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&volumes, "volumes", nil, "restrict the check to these volume ids")
	cmd.Flags().BoolVar(&checkSize, "check-size", true, "compare backend sizes with recorded sizes")
	cmd.Flags().BoolVar(&reportUsed, "report-used", false, "also list every blob found intact")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *domain.ConsistencyReport) {
	fmt.Fprintf(w, "Mailbox %d: %d blobs checked in %s\n", r.MailboxID, r.Checked, r.Duration.Round(time.Millisecond))

	for _, res := range r.Missing {
		if res.Error != "" {
			fmt.Fprintf(w, "  missing     %s (item %d rev %d): %s\n", res.Locator, res.Record.ItemID, res.Record.Revision, res.Error)
			continue
		}
		fmt.Fprintf(w, "  missing     %s (item %d rev %d)\n", res.Locator, res.Record.ItemID, res.Record.Revision)
	}
	for _, res := range r.IncorrectSize {
		fmt.Fprintf(w, "  wrong size  %s (item %d rev %d): recorded %d, actual %d\n",
			res.Locator, res.Record.ItemID, res.Record.Revision, res.Record.Size, res.ActualSize)
	}
	for _, res := range r.Unexpected {
		fmt.Fprintf(w, "  unexpected  %s (%s)\n", res.Locator, humanize.Bytes(uint64(max(res.ActualSize, 0))))
	}
	for _, res := range r.Used {
		fmt.Fprintf(w, "  ok          %s (item %d rev %d)\n", res.Locator, res.Record.ItemID, res.Record.Revision)
	}

	if !r.Listed {
		fmt.Fprintln(w, "  backend cannot list this mailbox; unexpected objects not reported")
	}
	fmt.Fprintf(w, "%d missing, %d wrong size, %d unexpected\n", len(r.Missing), len(r.IncorrectSize), len(r.Unexpected))
}

func newGCCmd(c *cli) *cobra.Command {
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Single-instance garbage collection",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Purge unreferenced content once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, err := requireGC(c)
			if err != nil {
				return err
			}
			result := collector.RunOnce(cmd.Context())

			prefix := ""
			if c.app.Config.GC.DryRun {
				prefix = "[DRY RUN] "
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%spurged %d blobs, freed %s, %d revived, %d errors in %s\n",
				prefix, result.BlobsPurged, humanize.Bytes(uint64(result.BytesFreed)),
				result.Revived, result.Errors, result.Duration.Round(time.Millisecond))
			if result.OrphanBlobsRemaining > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "more unreferenced content remains; run again")
			}
			if result.Errors > 0 {
				return fmt.Errorf("garbage collection finished with %d errors", result.Errors)
			}
			return nil
		},
	}
	run.Flags().BoolVar(&c.gcDryRun, "dry-run", false, "report what would be purged without purging")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show unreferenced content awaiting collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, err := requireGC(c)
			if err != nil {
				return err
			}
			s, err := collector.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			more := ""
			if s.HasMoreOrphans {
				more = "+"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d%s unreferenced blobs (%s) older than %s\n",
				s.OrphanBlobCount, more, humanize.Bytes(uint64(s.OrphanBlobSize)), s.GracePeriod)
			return nil
		},
	}

	gc.AddCommand(run, stats)
	return gc
}

func requireGC(c *cli) (*service.GarbageCollector, error) {
	if c.app.GC == nil {
		return nil, errors.New("garbage collection needs a single-instance filesystem backend")
	}
	return c.app.GC, nil
}

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned staging files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.app.Staging.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d staging files from %s\n", removed, c.app.Staging.Dir())
			return nil
		},
	}
}
