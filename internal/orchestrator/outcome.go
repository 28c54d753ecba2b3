package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avhart/crew/internal/status"
)

// RunState classifies a finished run.
type RunState string

const (
	// RunCompleted means every required worker completed.
	RunCompleted RunState = "completed"

	// RunAborted means at least one required worker did not complete:
	// a failure, a blocked dependent, or a cancellation.
	RunAborted RunState = "aborted"
)

// Outcome is the coordinator's verdict on a finished run. Once written
// it is authoritative: resuming a finished run returns the recorded
// outcome unchanged, even if stray workers wrote records afterwards.
type Outcome struct {
	RunID   string   `json:"run_id"`
	Feature string   `json:"feature"`
	State   RunState `json:"state"`

	// Canceled marks an abort requested by the operator rather than
	// caused by a worker failure.
	Canceled bool `json:"canceled,omitempty"`

	// Failed lists required workers that ended in error.
	Failed []string `json:"failed,omitempty"`

	// Blocked lists required workers never launched because a
	// transitive dependency failed.
	Blocked []string `json:"blocked,omitempty"`

	// Abandoned lists required workers that were launchable but never
	// launched because the run froze first.
	Abandoned []string `json:"abandoned,omitempty"`

	// SkippedByPlan lists roster roles the plan left out.
	SkippedByPlan []string `json:"skipped_by_plan,omitempty"`

	// Stalled lists workers that went silent past the stall threshold
	// at least once. Informational: a stall alone never fails a run.
	Stalled []string `json:"stalled,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Workers holds the final effective record per required worker,
	// including coordinator overlays for processes that died silently.
	Workers map[string]status.Record `json:"workers"`
}

// Succeeded reports whether the run completed in full.
func (o *Outcome) Succeeded() bool {
	return o.State == RunCompleted
}

// Duration returns the wall-clock span of the run.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Save writes the outcome through a temp file and rename.
func (o *Outcome) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}

// LoadOutcome reads a recorded outcome. A missing file surfaces as
// os.ErrNotExist so callers can distinguish unfinished runs.
func LoadOutcome(path string) (*Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse outcome %s: %w", filepath.Base(path), err)
	}
	return &o, nil
}
