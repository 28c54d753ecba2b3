// Package orchestrator coordinates multi-agent runs: it owns run
// directories, launches workers in dependency order and turns status
// records into a recorded outcome. The coordinator never parses worker
// output; the status area is the only feedback channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/graph"
	"github.com/avhart/crew/internal/metrics"
	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
	"github.com/avhart/crew/internal/worker"
)

// Archiver records finished runs durably. Satisfied by archive.Store;
// kept as an interface so runs work with no archive at all.
type Archiver interface {
	SaveOutcome(ctx context.Context, o *Outcome, p *plan.Plan) error
}

// Coordinator owns run lifecycles end to end.
type Coordinator struct {
	cfg      *config.Config
	store    *status.FileStore
	roster   *roster.Template
	launcher worker.Launcher
	archive  Archiver
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// Options carries the optional coordinator collaborators.
type Options struct {
	Archive Archiver
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// New builds a coordinator over the configured runs directory.
func New(cfg *config.Config, tpl *roster.Template, launcher worker.Launcher, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	return &Coordinator{
		cfg:      cfg,
		store:    status.NewFileStore(cfg.RunsDir),
		roster:   tpl,
		launcher: launcher,
		archive:  opts.Archive,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Store exposes the status store for read-only consumers like watch.
func (c *Coordinator) Store() *status.FileStore {
	return c.store
}

// NewRunID generates a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// StartSpec describes a new run.
type StartSpec struct {
	// Feature is the work description handed to every worker.
	Feature string

	// Workdir is where worker processes run. Empty means the current
	// directory.
	Workdir string

	// Select picks the required workers. Nil means the full roster.
	Select plan.Selector

	// RunID overrides the generated ID. Starting a run under an ID that
	// already has a status area fails with status.ErrAlreadyInitialized.
	RunID string
}

// Run is a run this coordinator can drive to an outcome.
type Run struct {
	Plan  *plan.Plan
	Graph *graph.Graph

	sched    *scheduler
	finished *Outcome
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.Plan.RunID
}

// Finished reports whether the run already has a recorded outcome.
func (r *Run) Finished() bool {
	return r.finished != nil
}

// StartRun creates the run directory, seeds pending status records and
// prepares the scheduler. No worker is launched until Await.
func (c *Coordinator) StartRun(ctx context.Context, spec StartSpec) (*Run, error) {
	if spec.Feature == "" {
		return nil, fmt.Errorf("feature description is required")
	}

	sel := spec.Select
	if sel == nil {
		sel = plan.All
	}
	required, err := sel(spec.Feature, c.roster)
	if err != nil {
		return nil, err
	}

	runID := spec.RunID
	if runID == "" {
		runID = NewRunID()
	}

	workdir := spec.Workdir
	if workdir == "" {
		workdir = "."
	}
	workdir, err = filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}

	p, err := plan.New(runID, spec.Feature, workdir, required, c.roster)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(p, c.roster)
	if err != nil {
		return nil, err
	}

	// Initializing the status area claims the run ID; only then is the
	// plan written.
	if err := c.store.Initialize(runID, p.Required); err != nil {
		return nil, err
	}
	runRoot := c.cfg.RunDir(runID)
	if err := p.Save(PlanPath(runRoot)); err != nil {
		return nil, err
	}

	c.metrics.RecordRunStarted()
	c.logger.Info("run created",
		zap.String("run_id", runID),
		zap.String("feature", spec.Feature),
		zap.Strings("workers", p.Required),
		zap.Strings("skipped", g.Skipped()))

	return &Run{Plan: p, Graph: g, sched: c.newScheduler(p, g, nil, nil, nil)}, nil
}

// Resume reopens an existing run. Finished runs come back as finished
// with their recorded outcome; unfinished ones re-adopt the surviving
// worker processes and continue scheduling.
func (c *Coordinator) Resume(ctx context.Context, runID string) (*Run, error) {
	runRoot := c.cfg.RunDir(runID)
	if _, err := os.Stat(runRoot); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	p, err := plan.Load(PlanPath(runRoot))
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	g, err := graph.Build(p, c.roster)
	if err != nil {
		return nil, err
	}

	if o, oerr := LoadOutcome(OutcomePath(runRoot)); oerr == nil {
		return &Run{Plan: p, Graph: g, finished: o}, nil
	} else if !errors.Is(oerr, os.ErrNotExist) {
		return nil, fmt.Errorf("load outcome: %w", oerr)
	}

	recs, err := loadHandles(runRoot)
	if err != nil {
		return nil, err
	}

	adopted := make(map[string]*worker.Handle)
	launched := make(map[string]bool)
	snap := c.store.Snapshot(runID, p.Required)
	for _, name := range p.Required {
		st := snap.State(name)
		if hr, ok := recs[name]; ok {
			launched[name] = true
			if !st.Terminal() {
				adopted[name] = worker.Adopt(name, hr.PID, hr.StartedAt, hr.Deadline, hr.LogPath, c.cfg.TermGrace)
			}
			continue
		}
		// A non-pending record means the worker ran before the crash
		// even though its handle was lost.
		if st != status.StatePending {
			launched[name] = true
		}
	}

	c.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.Int("adopted", len(adopted)),
		zap.Int("previously_launched", len(launched)))

	return &Run{Plan: p, Graph: g, sched: c.newScheduler(p, g, adopted, recs, launched)}, nil
}

// Await drives the run until it settles and records the outcome. For a
// run that already finished it returns the recorded outcome untouched.
func (c *Coordinator) Await(ctx context.Context, run *Run) (*Outcome, error) {
	if run.finished != nil {
		return run.finished, nil
	}

	outcome := run.sched.run(ctx)
	run.finished = outcome

	runRoot := c.cfg.RunDir(outcome.RunID)
	if err := outcome.Save(OutcomePath(runRoot)); err != nil {
		return outcome, err
	}
	if c.archive != nil {
		// The run context may already be canceled; archiving still happens.
		if err := c.archive.SaveOutcome(context.Background(), outcome, run.Plan); err != nil {
			c.logger.Error("archive write failed",
				zap.String("run_id", outcome.RunID),
				zap.Error(err))
		}
	}
	return outcome, nil
}

// Cancel requests cancellation of a run, including one owned by another
// process. The owning scheduler notices within one poll interval.
func (c *Coordinator) Cancel(runID string) error {
	runRoot := c.cfg.RunDir(runID)
	if _, err := os.Stat(runRoot); err != nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if _, err := os.Stat(OutcomePath(runRoot)); err == nil {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	return requestCancel(runRoot)
}

// RunStatus is a read-only view of a run for status and watch commands.
type RunStatus struct {
	Plan     *plan.Plan      `json:"plan"`
	Snapshot status.Snapshot `json:"workers"`

	// Blocked lists pending workers doomed by a failed dependency.
	Blocked []string `json:"blocked,omitempty"`

	// BlockedBy names the dependency dooming each blocked worker.
	BlockedBy map[string]string `json:"blocked_by,omitempty"`

	// Outcome is set once the run finished.
	Outcome *Outcome `json:"outcome,omitempty"`

	// CancelRequested means a cancel sentinel exists but the run has
	// not settled yet.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Status reads the current state of a run without taking ownership.
func (c *Coordinator) Status(runID string) (*RunStatus, error) {
	runRoot := c.cfg.RunDir(runID)
	if _, err := os.Stat(runRoot); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	p, err := plan.Load(PlanPath(runRoot))
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	g, err := graph.Build(p, c.roster)
	if err != nil {
		return nil, err
	}

	rs := &RunStatus{
		Plan:            p,
		Snapshot:        c.store.Snapshot(runID, p.Required),
		CancelRequested: cancelRequested(runRoot),
	}
	rs.Blocked = g.Blocked(rs.Snapshot)
	rs.BlockedBy = g.BlockedBy(rs.Snapshot)

	if o, oerr := LoadOutcome(OutcomePath(runRoot)); oerr == nil {
		rs.Outcome = o
		rs.CancelRequested = false
	} else if !errors.Is(oerr, os.ErrNotExist) {
		return nil, fmt.Errorf("load outcome: %w", oerr)
	}
	return rs, nil
}

func (c *Coordinator) newScheduler(p *plan.Plan, g *graph.Graph, adopted map[string]*worker.Handle, recs map[string]handleRecord, launched map[string]bool) *scheduler {
	return newScheduler(schedulerParams{
		RunID:         p.RunID,
		RunRoot:       c.cfg.RunDir(p.RunID),
		Feature:       p.Feature,
		Workdir:       p.Workdir,
		Store:         c.store,
		Graph:         g,
		Roster:        c.roster,
		Launcher:      c.launcher,
		PollInterval:  c.cfg.PollInterval,
		StaleAfter:    c.cfg.StaleAfter,
		WorkerTimeout: c.cfg.WorkerTimeout,
		Logger:        c.logger,
		Collector:     c.metrics,
		Adopted:       adopted,
		AdoptedRecs:   recs,
		Launched:      launched,
	})
}
