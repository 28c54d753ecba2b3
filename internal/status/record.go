// Package status implements the file-based worker status contract: one
// JSON record per worker under <run>/.status/, written by the worker
// that owns it and polled by the coordinator.
package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state a worker reports for itself.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// allowedTransitions is forward-only. A worker that finishes fast may
// jump pending -> completed without an observed in_progress write.
var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateInProgress: {},
		StateCompleted:  {},
		StateError:      {},
	},
	StateInProgress: {
		StateInProgress: {},
		StateCompleted:  {},
		StateError:      {},
	},
	StateCompleted: {},
	StateError:     {},
}

// ValidateState rejects states outside the wire contract.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid status state: %q", s)
	}
	return nil
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// ValidateTransition rejects backward state moves.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// FailureReason classifies an error record.
type FailureReason string

const (
	// ReasonLaunchError means the worker process never started.
	ReasonLaunchError FailureReason = "launch_error"

	// ReasonAbnormalExit means the process died without a terminal record.
	ReasonAbnormalExit FailureReason = "abnormal_exit"

	// ReasonTimeout means the coordinator terminated the worker at its deadline.
	ReasonTimeout FailureReason = "timeout"

	// ReasonWorkerReported means the worker itself reported the failure.
	ReasonWorkerReported FailureReason = "worker_reported"
)

// timestampLayouts are tried in order when parsing. Workers are opaque
// external programs, so naive ISO-8601 variants without a zone are
// accepted and taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a time.Time that tolerates the ISO-8601 variants workers
// actually write.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a UTC Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp: %q", s)
}

// Record is the wire format of a worker status file.
type Record struct {
	// Agent is the worker ID the record belongs to.
	Agent string `json:"agent"`

	// State is the reported lifecycle state.
	State State `json:"status"`

	// Progress is a percentage in [0, 100].
	Progress int `json:"progress"`

	// CurrentTask is a free-form description of what the worker is doing.
	CurrentTask string `json:"current_task,omitempty"`

	// CompletedTasks lists finished task descriptions in order.
	CompletedTasks []string `json:"completed_tasks"`

	// Timestamp is when the worker wrote the record.
	Timestamp Timestamp `json:"timestamp"`

	// ErrorReason classifies an error record. Empty on worker-written
	// failures from agents that predate the field.
	ErrorReason FailureReason `json:"error_reason,omitempty"`

	// ErrorDetail is a free-form failure description.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// NewPending seeds the initial record for a worker.
func NewPending(agent string) Record {
	return Record{
		Agent:          agent,
		State:          StatePending,
		Progress:       0,
		CompletedTasks: []string{},
		Timestamp:      Now(),
	}
}

// Validate checks the record against the wire contract.
func (r Record) Validate() error {
	if r.Agent == "" {
		return fmt.Errorf("record has no agent")
	}
	if err := ValidateState(r.State); err != nil {
		return err
	}
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("progress %d out of range [0, 100]", r.Progress)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record has no timestamp")
	}
	if r.ErrorReason != "" {
		switch r.ErrorReason {
		case ReasonLaunchError, ReasonAbnormalExit, ReasonTimeout, ReasonWorkerReported:
		default:
			return fmt.Errorf("invalid error reason: %q", r.ErrorReason)
		}
	}
	return nil
}

// validateUpdate rejects writes that would move a record backward:
// a disallowed state transition, or shrinking progress while in_progress.
func validateUpdate(prev, next Record) error {
	if err := ValidateTransition(prev.State, next.State); err != nil {
		return err
	}
	if prev.State == StateInProgress && next.State == StateInProgress && next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	return nil
}

// supersedes reports whether candidate is an acceptable successor to
// last. Readers use it to latch the last good record when a file
// regresses under a torn or out-of-order write.
func supersedes(last, candidate Record) bool {
	return validateUpdate(last, candidate) == nil
}
