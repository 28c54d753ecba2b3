// Package archive keeps a durable history of finished runs in SQLite.
// The run directory stays the source of truth while a run is live; the
// archive only ever sees settled outcomes.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/status"
)

// ErrNotFound means the archive has no row for the run.
var ErrNotFound = errors.New("run not archived")

// Store is the SQLite-backed run archive.
type Store struct {
	db   *sql.DB
	path string
}

// Verify Store implements orchestrator.Archiver
var _ orchestrator.Archiver = (*Store)(nil)

// Open opens or creates the archive database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		feature TEXT NOT NULL,
		workdir TEXT NOT NULL,
		state TEXT NOT NULL,
		canceled INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		workers_total INTEGER NOT NULL,
		workers_completed INTEGER NOT NULL,
		workers_failed INTEGER NOT NULL,
		detail_json TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at DESC);

	CREATE TABLE IF NOT EXISTS run_workers (
		run_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_reason TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		current_task TEXT NOT NULL DEFAULT '',
		completed_json TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, worker_id),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// runDetail is the JSON blob carrying the outcome lists.
type runDetail struct {
	Failed        []string `json:"failed,omitempty"`
	Blocked       []string `json:"blocked,omitempty"`
	Abandoned     []string `json:"abandoned,omitempty"`
	SkippedByPlan []string `json:"skipped_by_plan,omitempty"`
	Stalled       []string `json:"stalled,omitempty"`
}

// SaveOutcome records a settled run. Re-saving the same run replaces
// its rows, so archiving is idempotent across resumes.
func (s *Store) SaveOutcome(ctx context.Context, o *orchestrator.Outcome, p *plan.Plan) error {
	detail, err := json.Marshal(runDetail{
		Failed:        o.Failed,
		Blocked:       o.Blocked,
		Abandoned:     o.Abandoned,
		SkippedByPlan: o.SkippedByPlan,
		Stalled:       o.Stalled,
	})
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}

	completed := 0
	for _, rec := range o.Workers {
		if rec.State == status.StateCompleted {
			completed++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, feature, workdir, state, canceled, started_at, finished_at,
						  duration_ms, workers_total, workers_completed, workers_failed, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			canceled = excluded.canceled,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			workers_completed = excluded.workers_completed,
			workers_failed = excluded.workers_failed,
			detail_json = excluded.detail_json
	`, o.RunID, o.Feature, p.Workdir, string(o.State), o.Canceled, o.StartedAt, o.FinishedAt,
		o.Duration().Milliseconds(), len(p.Required), completed, len(o.Failed), string(detail))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, name := range p.Required {
		rec := o.Workers[name]
		tasks, merr := json.Marshal(rec.CompletedTasks)
		if merr != nil {
			return fmt.Errorf("marshal tasks: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_workers (run_id, worker_id, state, progress, error_reason,
									 error_detail, current_task, completed_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, worker_id) DO UPDATE SET
				state = excluded.state,
				progress = excluded.progress,
				error_reason = excluded.error_reason,
				error_detail = excluded.error_detail,
				current_task = excluded.current_task,
				completed_json = excluded.completed_json,
				updated_at = excluded.updated_at
		`, o.RunID, name, string(rec.State), rec.Progress, string(rec.ErrorReason),
			rec.ErrorDetail, rec.CurrentTask, string(tasks), rec.Timestamp.Time)
		if err != nil {
			return fmt.Errorf("insert worker %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// RunSummary is one archived run.
type RunSummary struct {
	RunID            string
	Feature          string
	Workdir          string
	State            string
	Canceled         bool
	StartedAt        time.Time
	FinishedAt       time.Time
	Duration         time.Duration
	WorkersTotal     int
	WorkersCompleted int
	WorkersFailed    int
	Failed           []string
	Blocked          []string
	Abandoned        []string
	SkippedByPlan    []string
	Stalled          []string
}

// WorkerResult is one worker's final record in an archived run.
type WorkerResult struct {
	WorkerID       string
	State          string
	Progress       int
	ErrorReason    string
	ErrorDetail    string
	CurrentTask    string
	CompletedTasks []string
	UpdatedAt      time.Time
}

const runColumns = `run_id, feature, workdir, state, canceled, started_at, finished_at,
	duration_ms, workers_total, workers_completed, workers_failed, detail_json`

func scanRun(scan func(dest ...any) error) (RunSummary, error) {
	var r RunSummary
	var durationMs int64
	var detail string
	err := scan(&r.RunID, &r.Feature, &r.Workdir, &r.State, &r.Canceled,
		&r.StartedAt, &r.FinishedAt, &durationMs,
		&r.WorkersTotal, &r.WorkersCompleted, &r.WorkersFailed, &detail)
	if err != nil {
		return r, err
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond

	if detail != "" {
		var d runDetail
		if err := json.Unmarshal([]byte(detail), &d); err != nil {
			return r, fmt.Errorf("parse detail for %s: %w", r.RunID, err)
		}
		r.Failed = d.Failed
		r.Blocked = d.Blocked
		r.Abandoned = d.Abandoned
		r.SkippedByPlan = d.SkippedByPlan
		r.Stalled = d.Stalled
	}
	return r, nil
}

// GetRun returns one archived run with its worker results.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunSummary, []WorkerResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE run_id = ?
	`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, state, progress, error_reason, error_detail,
			   current_task, completed_json, updated_at
		FROM run_workers WHERE run_id = ? ORDER BY worker_id ASC
	`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var workers []WorkerResult
	for rows.Next() {
		var w WorkerResult
		var tasks string
		if err := rows.Scan(&w.WorkerID, &w.State, &w.Progress, &w.ErrorReason,
			&w.ErrorDetail, &w.CurrentTask, &tasks, &w.UpdatedAt); err != nil {
			return nil, nil, err
		}
		if tasks != "" {
			if err := json.Unmarshal([]byte(tasks), &w.CompletedTasks); err != nil {
				return nil, nil, fmt.Errorf("parse tasks for %s: %w", w.WorkerID, err)
			}
		}
		workers = append(workers, w)
	}
	return &r, workers, rows.Err()
}

// ListRuns returns archived runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY finished_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, serr := scanRun(rows.Scan)
		if serr != nil {
			return nil, serr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats aggregates the archive.
type Stats struct {
	TotalRuns     int
	Completed     int
	Aborted       int
	Canceled      int
	WorkersFailed int
	AvgDuration   time.Duration
}

// GetStats returns archive-wide aggregates.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	var avgMs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			   COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(CASE WHEN state = 'aborted' THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(canceled), 0),
			   COALESCE(SUM(workers_failed), 0),
			   COALESCE(AVG(duration_ms), 0)
		FROM runs
	`).Scan(&st.TotalRuns, &st.Completed, &st.Aborted, &st.Canceled, &st.WorkersFailed, &avgMs)
	if err != nil {
		return nil, err
	}
	st.AvgDuration = time.Duration(avgMs) * time.Millisecond
	return &st, nil
}
