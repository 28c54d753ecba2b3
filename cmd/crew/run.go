package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/plan"
)

func runCmd() *cobra.Command {
	var (
		planFile      string
		rosterFile    string
		workdir       string
		poll          time.Duration
		workerTimeout time.Duration
		staleAfter    time.Duration
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "run <feature description>",
		Short: "Start an orchestration run and wait for it",
		Long: `Start a run for one feature and drive it to completion.

Workers launch as their dependencies complete and report through status
records; the command blocks until every required worker settled. Ctrl-C
requests a graceful stop: live workers are terminated and the run is
recorded as aborted.

Examples:
  crew run "add dark mode to settings"
  crew run --plan plan.md --workdir ~/src/app "migrate login to oauth"
  crew run --roster team.yaml --worker-timeout 1h "quarterly dep bump"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll > 0 {
				cfg.PollInterval = poll
			}
			if workerTimeout > 0 {
				cfg.WorkerTimeout = workerTimeout
			}
			if staleAfter > 0 {
				cfg.StaleAfter = staleAfter
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			var sel plan.Selector
			if planFile != "" {
				sel = plan.FromChecklist(planFile)
			}

			coord, arch, collector := newCoordinator(tpl, true)
			run, err := coord.StartRun(cmd.Context(), orchestrator.StartSpec{
				Feature: strings.Join(args, " "),
				Workdir: workdir,
				Select:  sel,
			})
			if err != nil {
				return err
			}

			fmt.Printf("run %s started with %d workers\n", run.ID(), len(run.Plan.Required))
			return driveRun(coord, arch, collector, run)
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "markdown plan document selecting the workers")
	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file overriding the built-in team")
	cmd.Flags().StringVar(&workdir, "workdir", "", "directory workers run in (default current)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "status poll interval")
	cmd.Flags().DurationVar(&workerTimeout, "worker-timeout", 0, "default per-worker deadline")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "silence window before a stall warning")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "expose Prometheus metrics on this address")
	return cmd
}
