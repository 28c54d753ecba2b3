package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/archive"
	"github.com/avhart/crew/internal/report"
)

func runsCmd() *cobra.Command {
	var (
		limit int
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List archived runs",
		Long:  "List finished runs from the local archive, most recent first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.Open(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()

			r := report.NewRun(os.Stdout)
			if stats {
				st, err := store.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				r.ArchiveStats(st)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			r.History(runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&stats, "stats", false, "show archive-wide aggregates instead of the run list")

	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one archived run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.Open(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()

			run, workers, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report.NewRun(os.Stdout).Archived(run, workers)
			return nil
		},
	}
}
