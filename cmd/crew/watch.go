package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/tui"
)

func watchCmd() *cobra.Command {
	var (
		rosterFile string
		refresh    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Live terminal view of a run",
		Long: `Watch a run refresh in place until it settles. Read-only: the
watching process never launches or terminates workers, so it is safe to
watch a run owned by another terminal. Press q to leave; the run keeps
going without you.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			coord, _, _ := newCoordinator(tpl, false)
			runID := args[0]

			// Fail before entering the alternate screen if the run is unknown.
			if _, err := coord.Status(runID); err != nil {
				return err
			}

			interval := refresh
			if interval <= 0 {
				interval = cfg.PollInterval
			}
			fetch := func() (*orchestrator.RunStatus, error) {
				return coord.Status(runID)
			}
			return tui.Run(runID, fetch, interval)
		},
	}

	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file overriding the built-in team")
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "view refresh interval (default poll interval)")
	return cmd
}
