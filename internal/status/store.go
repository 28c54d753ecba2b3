package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

const statusDirName = ".status"

// FileStore reads and writes status records under
// <root>/<runID>/.status/<workerID>.status.
//
// Reads are torn-write tolerant: a record that fails to parse, fails
// validation, or regresses behind the last good observation is ignored
// and the last good record is returned instead. All writes go through
// a temp file and rename, so a well-behaved writer never produces a
// torn file; the tolerance covers workers that do not.
type FileStore struct {
	root string

	mu       sync.Mutex
	lastGood map[string]Record
}

// NewFileStore creates a store rooted at the runs directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:     root,
		lastGood: make(map[string]Record),
	}
}

// Root returns the runs directory the store is rooted at.
func (s *FileStore) Root() string {
	return s.root
}

// StatusDir returns the status area for a run.
func (s *FileStore) StatusDir(runID string) string {
	return filepath.Join(s.root, runID, statusDirName)
}

// RecordPath returns the record file for a worker.
func (s *FileStore) RecordPath(runID, workerID string) string {
	return filepath.Join(s.StatusDir(runID), workerID+".status")
}

// Initialize creates the status area for a run and seeds one pending
// record per worker. Fails with ErrAlreadyInitialized when the area
// already exists.
func (s *FileStore) Initialize(runID string, workerIDs []string) error {
	dir := s.StatusDir(runID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, dir)
		}
		return fmt.Errorf("create status dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range workerIDs {
		if err := s.write(runID, id, NewPending(id)); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
	}
	return nil
}

// Read returns the current record for a worker. A file that is missing
// or unreadable yields the last good record when one exists; otherwise
// ErrNotFound or ErrCorrupt.
func (s *FileStore) Read(runID, workerID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(runID, workerID)
}

func (s *FileStore) readLocked(runID, workerID string) (Record, error) {
	key := recordKey(runID, workerID)
	last, haveLast := s.lastGood[key]

	data, err := os.ReadFile(s.RecordPath(runID, workerID))
	if err != nil {
		if haveLast {
			return last, nil
		}
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, workerID)
		}
		return Record{}, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Validate() != nil {
		if haveLast {
			return last, nil
		}
		return Record{}, fmt.Errorf("%w: %s/%s", ErrCorrupt, runID, workerID)
	}

	// Latch the last good record if the file moved backward.
	if haveLast && !supersedes(last, rec) {
		return last, nil
	}

	s.lastGood[key] = rec
	return rec, nil
}

// Write stores a record for a worker, rejecting backward moves against
// the record currently on disk.
func (s *FileStore) Write(runID, workerID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readLocked(runID, workerID)
	if err == nil {
		if verr := validateUpdate(prev, rec); verr != nil {
			return fmt.Errorf("%s/%s: %w", runID, workerID, verr)
		}
	}
	return s.write(runID, workerID, rec)
}

// write persists without transition checks. Callers hold the lock or
// are seeding a fresh area.
func (s *FileStore) write(runID, workerID string, rec Record) error {
	path := s.RecordPath(runID, workerID)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	s.lastGood[recordKey(runID, workerID)] = rec
	return nil
}

// MarkCoordinatorFailure records a failure on behalf of a worker that
// cannot report it itself. This is the single exception to the
// worker-owns-its-record rule and never overwrites a terminal record
// the worker already wrote: in that race the write fails with
// ErrInvalidTransition and the worker's own record stands.
func (s *FileStore) MarkCoordinatorFailure(runID, workerID string, reason FailureReason, detail string) error {
	s.mu.Lock()
	prev, err := s.readLocked(runID, workerID)
	s.mu.Unlock()

	rec := Record{
		Agent:          workerID,
		State:          StateError,
		CompletedTasks: []string{},
		Timestamp:      Now(),
		ErrorReason:    reason,
		ErrorDetail:    detail,
	}
	if err == nil {
		rec.Progress = prev.Progress
		rec.CurrentTask = prev.CurrentTask
		rec.CompletedTasks = prev.CompletedTasks
	}
	return s.Write(runID, workerID, rec)
}

// Snapshot returns the merged view of the given workers. Workers whose
// record is missing or has never been readable appear as pending so a
// mid-first-write race cannot crash a polling cycle.
func (s *FileStore) Snapshot(runID string, workerIDs []string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(Snapshot, len(workerIDs))
	for _, id := range workerIDs {
		rec, err := s.readLocked(runID, id)
		if err != nil {
			rec = NewPending(id)
			rec.Timestamp = Timestamp{}
		}
		snap[id] = rec
	}
	return snap
}

// Poll emits the worker's record each time a new one is observed, until
// a terminal state is delivered or ctx is done. The channel closes when
// polling stops.
func (s *FileStore) Poll(ctx context.Context, runID, workerID string, interval time.Duration) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *Record
		for {
			rec, err := s.Read(runID, workerID)
			if err == nil && (last == nil || !reflect.DeepEqual(*last, rec)) {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
				cp := rec
				last = &cp
				if rec.State.Terminal() {
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Snapshot is a point-in-time view of every worker's record, keyed by
// worker ID.
type Snapshot map[string]Record

// State returns the state for a worker, pending when absent.
func (s Snapshot) State(workerID string) State {
	rec, ok := s[workerID]
	if !ok {
		return StatePending
	}
	return rec.State
}

// Terminal reports whether every listed worker reached a final state.
func (s Snapshot) Terminal(workerIDs []string) bool {
	for _, id := range workerIDs {
		if !s.State(id).Terminal() {
			return false
		}
	}
	return true
}

// Failed returns the workers in error state, in the given order.
func (s Snapshot) Failed(workerIDs []string) []string {
	var failed []string
	for _, id := range workerIDs {
		if s.State(id) == StateError {
			failed = append(failed, id)
		}
	}
	return failed
}

func recordKey(runID, workerID string) string {
	return runID + "/" + workerID
}
