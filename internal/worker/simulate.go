package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/avhart/crew/internal/config"
)

// SimulateOpts configures the bundled demo worker.
type SimulateOpts struct {
	// Role names the simulated agent, for task descriptions only.
	Role string

	// Steps is the number of tasks to walk through.
	Steps int

	// StepDelay is the pause between tasks.
	StepDelay time.Duration

	// FailAt makes the worker report an error on the given 1-based
	// step. Zero means finish cleanly.
	FailAt int
}

// Simulate runs a scripted worker against the status contract: it
// reports in_progress, walks its task list with progress updates, and
// ends completed or, with FailAt set, in error. It exists so a fresh
// install can exercise a whole run without real agents.
func Simulate(ctx context.Context, contract config.WorkerContract, opts SimulateOpts) error {
	if opts.Steps <= 0 {
		opts.Steps = 3
	}
	if opts.Role == "" {
		opts.Role = contract.WorkerID
	}

	rep, err := NewReporter(contract)
	if err != nil {
		return err
	}

	task := func(i int) string {
		return fmt.Sprintf("%s step %d/%d", opts.Role, i, opts.Steps)
	}

	if err := rep.Start(task(1)); err != nil {
		return err
	}
	for i := 1; i <= opts.Steps; i++ {
		if opts.StepDelay > 0 {
			select {
			case <-time.After(opts.StepDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if opts.FailAt == i {
			detail := fmt.Sprintf("simulated failure at %s", task(i))
			if err := rep.Fail(detail); err != nil {
				return err
			}
			return fmt.Errorf("%s", detail)
		}
		if err := rep.TaskDone(task(i)); err != nil {
			return err
		}
		if i < opts.Steps {
			if err := rep.Progress(i*100/opts.Steps, task(i+1)); err != nil {
				return err
			}
		}
	}
	return rep.Complete()
}
