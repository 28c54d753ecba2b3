package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Built-in workers for exercising the coordinator",
	}
	cmd.AddCommand(workerSimulateCmd())
	return cmd
}

func workerSimulateCmd() *cobra.Command {
	var (
		role      string
		steps     int
		stepDelay time.Duration
		failAt    int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted worker that reports over the status contract",
		Long: `Run a scripted worker against the status files of the launching run.

The coordinator sets CREW_RUN_ID, CREW_WORKER_ID and CREW_RUN_ROOT when
it launches a worker command; simulate reads those and walks a fixed
task list, so a roster of "crew worker simulate" commands exercises a
whole run end to end without real agents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.IsWorker() {
				return fmt.Errorf("not launched by a coordinator: %s is unset", config.EnvWorkerID)
			}
			return worker.Simulate(cmd.Context(), config.WorkerEnv(), worker.SimulateOpts{
				Role:      role,
				Steps:     steps,
				StepDelay: stepDelay,
				FailAt:    failAt,
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "role name used in task descriptions (defaults to the worker ID)")
	cmd.Flags().IntVar(&steps, "steps", 3, "number of tasks to walk through")
	cmd.Flags().DurationVar(&stepDelay, "step-delay", 200*time.Millisecond, "pause between tasks")
	cmd.Flags().IntVar(&failAt, "fail-at", 0, "report an error on this 1-based step (0 finishes cleanly)")
	return cmd
}
