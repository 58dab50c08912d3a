package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flipbg/service/internal/db"
	"github.com/flipbg/service/internal/image"
	"github.com/flipbg/service/internal/storage"
)

func newSweepCmd(a *app) *cobra.Command {
	var (
		dryRun        bool
		asJSON        bool
		orphanGrace   time.Duration
		demoRetention time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned and expired blobs",
		Long: "Remove registered blobs that have no metadata record and anonymous results past their retention.\n" +
			"Grace and retention default to ORPHAN_GRACE and DEMO_RETENTION.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.StorageBackend == "memory" {
				return errors.New("sweep needs a shared blob store: STORAGE_BACKEND=memory only lives inside the API process")
			}
			if !cmd.Flags().Changed("grace") {
				orphanGrace = a.cfg.OrphanGrace
			}
			if !cmd.Flags().Changed("demo-retention") {
				demoRetention = a.cfg.DemoRetention
			}

			pool, err := db.Connect(ctx, a.cfg.DatabaseURL, a.log)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, _, err := storage.New(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}

			sweeper := image.NewSweeper(image.NewPGRepository(pool), store,
				image.WithOrphanGrace(orphanGrace),
				image.WithDemoRetention(demoRetention),
				image.WithSweepLogger(a.log),
			)
			report, err := sweeper.Run(ctx, dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd, report, asJSON)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without deleting")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&orphanGrace, "grace", 0, "minimum age of an orphaned registered blob")
	cmd.Flags().DurationVar(&demoRetention, "demo-retention", 0, "age after which anonymous results are removed (0 keeps them)")
	return cmd
}

func printReport(cmd *cobra.Command, report *image.SweepReport, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tREASON\tAGE")
	for _, c := range report.Candidates {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Key, c.Reason, c.Age)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	n := report.Deleted
	if report.DryRun {
		n = len(report.Candidates)
	}
	_, err := fmt.Fprintf(out, "scanned %d blobs, %s %d, %d failed\n", report.Scanned, verb, n, len(report.Failed))
	return err
}
