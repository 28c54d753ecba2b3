package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/report"
)

func resumeCmd() *cobra.Command {
	var (
		rosterFile string
		poll       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run",
		Long: `Reattach to a run whose coordinator died or was stopped.

Surviving worker processes are adopted, workers lost with the old
coordinator are marked as abnormal exits, and scheduling continues from
the persisted plan. Resuming a finished run just reprints its recorded
outcome; nothing is launched twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll > 0 {
				cfg.PollInterval = poll
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			coord, arch, collector := newCoordinator(tpl, true)
			run, err := coord.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if run.Finished() {
				if arch != nil {
					arch.Close()
				}
				outcome, err := coord.Await(cmd.Context(), run)
				if err != nil {
					return err
				}
				fmt.Printf("run %s already finished\n", run.ID())
				report.NewRun(os.Stdout).Summary(outcome)
				if !outcome.Succeeded() {
					os.Exit(1)
				}
				return nil
			}

			fmt.Printf("run %s resumed\n", run.ID())
			return driveRun(coord, arch, collector, run)
		},
	}

	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file overriding the built-in team")
	cmd.Flags().DurationVar(&poll, "poll", 0, "status poll interval")
	return cmd
}
