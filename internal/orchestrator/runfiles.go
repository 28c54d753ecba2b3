package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avhart/crew/internal/worker"
)

// Run directory layout, next to the .status area the store owns.
const (
	planFileName    = "plan.json"
	outcomeFileName = "outcome.json"
	handlesFileName = "handles.json"
	cancelFileName  = "cancel"
)

// PlanPath returns the plan file for a run directory.
func PlanPath(runRoot string) string {
	return filepath.Join(runRoot, planFileName)
}

// OutcomePath returns the outcome file for a run directory.
func OutcomePath(runRoot string) string {
	return filepath.Join(runRoot, outcomeFileName)
}

func handlesPath(runRoot string) string {
	return filepath.Join(runRoot, handlesFileName)
}

func cancelPath(runRoot string) string {
	return filepath.Join(runRoot, cancelFileName)
}

// requestCancel drops the cancel sentinel in the run directory. The
// scheduler notices it within one poll interval, also when the run is
// owned by another process.
func requestCancel(runRoot string) error {
	data := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(cancelPath(runRoot), data, 0o644); err != nil {
		return fmt.Errorf("write cancel request: %w", err)
	}
	return nil
}

func cancelRequested(runRoot string) bool {
	_, err := os.Stat(cancelPath(runRoot))
	return err == nil
}

// handleRecord is the persisted form of a supervised worker process.
// It carries enough to re-adopt the process after a coordinator crash.
type handleRecord struct {
	HandleID  string    `json:"handle_id"`
	WorkerID  string    `json:"worker_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

func newHandleRecord(id string, h *worker.Handle) handleRecord {
	return handleRecord{
		HandleID:  id,
		WorkerID:  h.WorkerID,
		PID:       h.PID,
		StartedAt: h.StartedAt,
		Deadline:  h.Deadline,
		LogPath:   h.LogPath,
	}
}

type handlesDoc struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Workers   map[string]handleRecord `json:"workers"`
}

// saveHandles persists the live process records through a temp file
// and rename.
func saveHandles(runRoot string, recs map[string]handleRecord) error {
	doc := handlesDoc{
		UpdatedAt: time.Now().UTC(),
		Workers:   recs,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	path := handlesPath(runRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write handles: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write handles: %w", err)
	}
	return nil
}

// loadHandles reads the persisted process records. A missing file is
// an empty map: the run simply has no supervised processes yet.
func loadHandles(runRoot string) (map[string]handleRecord, error) {
	data, err := os.ReadFile(handlesPath(runRoot))
	if os.IsNotExist(err) {
		return map[string]handleRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read handles: %w", err)
	}
	var doc handlesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse handles: %w", err)
	}
	if doc.Workers == nil {
		doc.Workers = map[string]handleRecord{}
	}
	return doc.Workers, nil
}
