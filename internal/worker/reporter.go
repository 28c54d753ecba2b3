package worker

import (
	"fmt"
	"path/filepath"

	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/status"
)

// Reporter writes a worker's own status records. It is the worker-side
// half of the status contract, used by the bundled simulator and by any
// Go-implemented agent.
type Reporter struct {
	store    *status.FileStore
	runID    string
	workerID string

	progress  int
	current   string
	completed []string
}

// NewReporter builds a reporter from the contract environment the
// coordinator set on the process.
func NewReporter(contract config.WorkerContract) (*Reporter, error) {
	if contract.WorkerID == "" {
		return nil, fmt.Errorf("not running under a coordinator: %s is unset", config.EnvWorkerID)
	}
	if contract.RunRoot == "" {
		return nil, fmt.Errorf("not running under a coordinator: %s is unset", config.EnvRunRoot)
	}
	runID := contract.RunID
	if runID == "" {
		runID = filepath.Base(contract.RunRoot)
	}
	return &Reporter{
		store:     status.NewFileStore(filepath.Dir(contract.RunRoot)),
		runID:     runID,
		workerID:  contract.WorkerID,
		completed: []string{},
	}, nil
}

func (r *Reporter) write(st status.State, reason status.FailureReason, detail string) error {
	rec := status.Record{
		Agent:          r.workerID,
		State:          st,
		Progress:       r.progress,
		CurrentTask:    r.current,
		CompletedTasks: append([]string{}, r.completed...),
		Timestamp:      status.Now(),
		ErrorReason:    reason,
		ErrorDetail:    detail,
	}
	if err := r.store.Write(r.runID, r.workerID, rec); err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	return nil
}

// Start reports the worker as in_progress on its first task.
func (r *Reporter) Start(task string) error {
	r.current = task
	return r.write(status.StateInProgress, "", "")
}

// Progress updates the completion percentage and current task.
// Progress never moves backward; a smaller value is ignored.
func (r *Reporter) Progress(percent int, task string) error {
	if percent > r.progress {
		r.progress = percent
	}
	if task != "" {
		r.current = task
	}
	return r.write(status.StateInProgress, "", "")
}

// TaskDone appends a finished task to the completed list.
func (r *Reporter) TaskDone(task string) error {
	r.completed = append(r.completed, task)
	return r.write(status.StateInProgress, "", "")
}

// Complete writes the terminal completed record.
func (r *Reporter) Complete() error {
	r.progress = 100
	r.current = ""
	return r.write(status.StateCompleted, "", "")
}

// Fail writes the terminal error record.
func (r *Reporter) Fail(detail string) error {
	return r.write(status.StateError, status.ReasonWorkerReported, detail)
}
