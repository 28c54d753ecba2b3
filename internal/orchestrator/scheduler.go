package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avhart/crew/internal/graph"
	"github.com/avhart/crew/internal/metrics"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
	"github.com/avhart/crew/internal/worker"
)

// scheduler drives one run to an outcome. A single goroutine owns the
// whole loop: it polls the status area, launches workers whose
// dependencies are satisfied, reaps dead processes, enforces deadlines
// and decides when the run has settled. Workers are the only other
// writers, and they only ever touch their own status file.
type scheduler struct {
	runID   string
	runRoot string
	feature string
	workdir string

	store    *status.FileStore
	graph    *graph.Graph
	roster   *roster.Template
	launcher worker.Launcher

	pollInterval  time.Duration
	staleAfter    time.Duration
	workerTimeout time.Duration

	logger    *zap.Logger
	collector *metrics.Collector

	startedAt time.Time

	// handles are the supervised processes, keyed by worker ID. hrecs
	// mirrors them in persistable form for crash recovery.
	handles map[string]*worker.Handle
	hrecs   map[string]handleRecord
	dirty   bool

	// launched guards against relaunching: readiness is computed from
	// status alone and a launched worker stays pending until its first
	// write.
	launched map[string]bool

	// overlay holds coordinator verdicts that are never written to the
	// status area, currently only abnormal exits. A terminal record the
	// worker managed to write always wins over an overlay.
	overlay map[string]status.Record

	finished    map[string]bool
	everStalled map[string]bool
	staleWarned map[string]bool

	// frozen stops launches after a fatal failure or a cancel request.
	// The run then drains: it settles once no supervised process is left.
	frozen   bool
	canceled bool
}

type schedulerParams struct {
	RunID   string
	RunRoot string
	Feature string
	Workdir string

	Store    *status.FileStore
	Graph    *graph.Graph
	Roster   *roster.Template
	Launcher worker.Launcher

	PollInterval  time.Duration
	StaleAfter    time.Duration
	WorkerTimeout time.Duration

	Logger    *zap.Logger
	Collector *metrics.Collector

	// Adopted carries handles rebuilt from a previous coordinator, and
	// Launched the workers known to have been launched before.
	Adopted     map[string]*worker.Handle
	AdoptedRecs map[string]handleRecord
	Launched    map[string]bool
}

func newScheduler(p schedulerParams) *scheduler {
	s := &scheduler{
		runID:         p.RunID,
		runRoot:       p.RunRoot,
		feature:       p.Feature,
		workdir:       p.Workdir,
		store:         p.Store,
		graph:         p.Graph,
		roster:        p.Roster,
		launcher:      p.Launcher,
		pollInterval:  p.PollInterval,
		staleAfter:    p.StaleAfter,
		workerTimeout: p.WorkerTimeout,
		logger:        p.Logger,
		collector:     p.Collector,
		startedAt:     time.Now().UTC(),
		handles:       make(map[string]*worker.Handle),
		hrecs:         make(map[string]handleRecord),
		launched:      make(map[string]bool),
		overlay:       make(map[string]status.Record),
		finished:      make(map[string]bool),
		everStalled:   make(map[string]bool),
		staleWarned:   make(map[string]bool),
	}
	for name, h := range p.Adopted {
		s.handles[name] = h
		if rec, ok := p.AdoptedRecs[name]; ok {
			s.hrecs[name] = rec
		}
	}
	for name := range p.Launched {
		s.launched[name] = true
	}
	return s
}

// run polls until the run settles. It always produces an outcome: a
// canceled context aborts the run rather than abandoning it.
func (s *scheduler) run(ctx context.Context) *Outcome {
	s.logger.Info("run loop started",
		zap.String("run_id", s.runID),
		zap.String("feature", s.feature),
		zap.Int("workers", len(s.graph.Required())),
		zap.Duration("poll_interval", s.pollInterval))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if outcome, done := s.cycle(ctx); done {
			return outcome
		}
		if s.canceled {
			// The context is already done; keep draining on the ticker.
			<-ticker.C
			continue
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// cycle runs one poll pass and reports whether the run settled.
func (s *scheduler) cycle(ctx context.Context) (*Outcome, bool) {
	s.collector.RecordPollCycle()
	now := time.Now().UTC()

	if !s.canceled && (ctx.Err() != nil || cancelRequested(s.runRoot)) {
		s.beginCancel()
	}

	snap := s.effectiveSnapshot()
	s.reapExited(snap)
	s.markOrphans(snap)
	s.enforceDeadlines(snap, now)
	s.warnStalled(snap, now)

	if !s.frozen && s.graph.HasFatalFailure(snap) {
		s.frozen = true
		s.logger.Error("required worker failed, freezing launches",
			zap.String("run_id", s.runID),
			zap.Strings("failed", s.graph.Failed(snap)),
			zap.Int("live", s.liveCount()))
	}

	if !s.frozen {
		s.launchReady(ctx, snap)
	}

	if s.dirty {
		if err := saveHandles(s.runRoot, s.hrecs); err != nil {
			s.logger.Error("failed to persist process handles", zap.String("run_id", s.runID), zap.Error(err))
		} else {
			s.dirty = false
		}
	}

	live := s.liveCount()
	s.collector.SetLiveWorkers(live)

	if s.graph.Terminal(snap) || (s.frozen && live == 0) {
		return s.finalize(snap), true
	}
	return nil, false
}

// beginCancel freezes launches and terminates every supervised process.
// Termination runs in the background; the drain is observed by the
// normal reap path on later cycles.
func (s *scheduler) beginCancel() {
	s.canceled = true
	s.frozen = true
	s.logger.Warn("cancel requested, stopping workers",
		zap.String("run_id", s.runID),
		zap.Int("live", s.liveCount()))
	for _, h := range s.handles {
		if h.Alive() {
			go h.Terminate()
		}
	}
}

// effectiveSnapshot is the store view with coordinator overlays applied.
// A terminal record in the store always wins: a worker that managed a
// final write before dying keeps its own verdict.
func (s *scheduler) effectiveSnapshot() status.Snapshot {
	snap := s.store.Snapshot(s.runID, s.graph.Required())
	for name, rec := range s.overlay {
		if !snap.State(name).Terminal() {
			snap[name] = rec
		}
	}
	return snap
}

// reapExited settles workers whose process is gone. A dead process with
// a terminal record is finished bookkeeping; one without a terminal
// record died silently and gets an abnormal-exit overlay.
func (s *scheduler) reapExited(snap status.Snapshot) {
	for name, h := range s.handles {
		if h.Alive() {
			continue
		}
		rec := snap[name]
		if rec.State.Terminal() {
			s.finishWorker(name, h, rec)
			snap[name] = rec
			continue
		}

		detail := "process exited without a terminal status record"
		if s.canceled {
			detail = "terminated by cancel request"
		} else if err := h.ExitErr(); err != nil {
			detail = fmt.Sprintf("process exited without a terminal status record: %v", err)
		}
		fail := coordinatorVerdict(rec, status.ReasonAbnormalExit, detail)
		s.overlay[name] = fail
		snap[name] = fail
		s.finishWorker(name, h, fail)
	}
}

// markOrphans covers resumed workers that were launched before a crash
// but have no supervisable handle. Their liveness is unknowable, so
// they are treated as dead; a late terminal write from a survivor still
// wins over the overlay on the next snapshot.
func (s *scheduler) markOrphans(snap status.Snapshot) {
	for _, name := range s.graph.Required() {
		if !s.launched[name] || s.handles[name] != nil || s.finished[name] {
			continue
		}
		if _, overlaid := s.overlay[name]; overlaid {
			continue
		}
		rec := snap[name]
		if rec.State.Terminal() {
			continue
		}
		fail := coordinatorVerdict(rec, status.ReasonAbnormalExit, "no process handle after coordinator restart")
		s.overlay[name] = fail
		snap[name] = fail
		s.finished[name] = true
		s.collector.RecordFailure(string(status.ReasonAbnormalExit))
		s.logger.Error("worker lost across restart",
			zap.String("run_id", s.runID),
			zap.String("worker", name))
	}
}

// enforceDeadlines terminates workers that ran past their deadline and
// records the timeout. The worker may still win the race with its own
// terminal write; in that case its record stands.
func (s *scheduler) enforceDeadlines(snap status.Snapshot, now time.Time) {
	for name, h := range s.handles {
		if !h.Alive() || !h.Expired(now) || snap.State(name).Terminal() {
			continue
		}
		budget := h.Deadline.Sub(h.StartedAt).Round(time.Second)
		s.logger.Warn("worker deadline exceeded, terminating",
			zap.String("run_id", s.runID),
			zap.String("worker", name),
			zap.Duration("budget", budget))
		go h.Terminate()

		detail := fmt.Sprintf("terminated by coordinator after %s", budget)
		err := s.store.MarkCoordinatorFailure(s.runID, name, status.ReasonTimeout, detail)
		switch {
		case err == nil:
			snap[name] = coordinatorVerdict(snap[name], status.ReasonTimeout, detail)
		case errors.Is(err, status.ErrInvalidTransition):
			// The worker finished first. Re-read its verdict.
			if rec, rerr := s.store.Read(s.runID, name); rerr == nil {
				snap[name] = rec
			}
		default:
			s.logger.Error("failed to record timeout",
				zap.String("run_id", s.runID),
				zap.String("worker", name),
				zap.Error(err))
		}
	}
}

// warnStalled surfaces workers that have not written for longer than
// the stall threshold. One warning per silence episode; a fresh write
// re-arms it. Stalls are informational and never fail the run.
func (s *scheduler) warnStalled(snap status.Snapshot, now time.Time) {
	if s.staleAfter <= 0 {
		return
	}
	for name, h := range s.handles {
		rec, ok := snap[name]
		if !ok || rec.State.Terminal() || !h.Alive() {
			continue
		}
		silent := now.Sub(rec.Timestamp.Time)
		if silent < s.staleAfter {
			s.staleWarned[name] = false
			continue
		}
		if s.staleWarned[name] {
			continue
		}
		s.staleWarned[name] = true
		s.everStalled[name] = true
		s.collector.RecordStall(name)
		s.logger.Warn("worker silent past stall threshold",
			zap.String("run_id", s.runID),
			zap.String("worker", name),
			zap.Duration("silent_for", silent.Round(time.Second)),
			zap.String("last_task", rec.CurrentTask))
	}
}

// launchReady starts every worker whose dependencies are satisfied.
func (s *scheduler) launchReady(ctx context.Context, snap status.Snapshot) {
	for _, name := range s.graph.Ready(snap) {
		if s.launched[name] {
			continue
		}
		s.launchWorker(ctx, name, snap[name])
	}
}

func (s *scheduler) launchWorker(ctx context.Context, name string, prev status.Record) {
	s.launched[name] = true

	role, ok := s.roster.Get(name)
	if !ok {
		// Unreachable when the graph was built from this roster.
		s.failLaunch(name, prev, fmt.Errorf("role %s not in roster", name))
		return
	}

	var deadline time.Time
	if timeout := role.Timeout(s.workerTimeout); timeout > 0 {
		deadline = time.Now().UTC().Add(timeout)
	}

	h, err := s.launcher.Launch(ctx, worker.LaunchSpec{
		RunID:    s.runID,
		WorkerID: name,
		Command:  role.Command,
		Args:     role.Args,
		Dir:      s.workdir,
		RunRoot:  s.runRoot,
		Feature:  s.feature,
		Deadline: deadline,
	})
	s.collector.RecordLaunch(name, err == nil)
	if err != nil {
		s.failLaunch(name, prev, err)
		return
	}

	s.handles[name] = h
	s.hrecs[name] = newHandleRecord(uuid.New().String(), h)
	s.dirty = true
	s.logger.Info("worker launched",
		zap.String("run_id", s.runID),
		zap.String("worker", name),
		zap.Int("pid", h.PID),
		zap.String("log", h.LogPath))
}

// failLaunch records a worker that never started. The failure goes to
// the status area so it survives a coordinator restart; the overlay is
// only a fallback when even that write fails.
func (s *scheduler) failLaunch(name string, prev status.Record, cause error) {
	s.finished[name] = true
	s.collector.RecordFailure(string(status.ReasonLaunchError))
	s.logger.Error("worker launch failed",
		zap.String("run_id", s.runID),
		zap.String("worker", name),
		zap.Error(cause))

	err := s.store.MarkCoordinatorFailure(s.runID, name, status.ReasonLaunchError, cause.Error())
	if err != nil && !errors.Is(err, status.ErrInvalidTransition) {
		s.logger.Error("failed to record launch failure",
			zap.String("run_id", s.runID),
			zap.String("worker", name),
			zap.Error(err))
		s.overlay[name] = coordinatorVerdict(prev, status.ReasonLaunchError, cause.Error())
	}
}

// finishWorker records terminal bookkeeping for a supervised worker.
func (s *scheduler) finishWorker(name string, h *worker.Handle, rec status.Record) {
	if s.finished[name] {
		delete(s.handles, name)
		return
	}
	s.finished[name] = true
	took := time.Since(h.StartedAt).Round(time.Second)
	s.collector.RecordWorkerFinished(name, string(rec.State), time.Since(h.StartedAt))

	switch rec.State {
	case status.StateCompleted:
		s.logger.Info("worker completed",
			zap.String("run_id", s.runID),
			zap.String("worker", name),
			zap.Duration("took", took),
			zap.Int("tasks_done", len(rec.CompletedTasks)))
	case status.StateError:
		reason := rec.ErrorReason
		if reason == "" {
			reason = status.ReasonWorkerReported
		}
		s.collector.RecordFailure(string(reason))
		s.logger.Error("worker failed",
			zap.String("run_id", s.runID),
			zap.String("worker", name),
			zap.String("reason", string(reason)),
			zap.String("detail", rec.ErrorDetail),
			zap.Duration("took", took))
	}

	delete(s.handles, name)
	delete(s.hrecs, name)
	s.dirty = true
}

func (s *scheduler) liveCount() int {
	n := 0
	for _, h := range s.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

// finalize builds the outcome from the settled snapshot.
func (s *scheduler) finalize(snap status.Snapshot) *Outcome {
	// Sweep workers that reached a terminal record while their process
	// is still winding down, so per-worker metrics are not lost.
	for name, h := range s.handles {
		if snap.State(name).Terminal() {
			s.finishWorker(name, h, snap[name])
		}
	}

	failed := s.graph.Failed(snap)
	blocked := s.graph.Blocked(snap)
	blockedSet := make(map[string]bool, len(blocked))
	for _, name := range blocked {
		blockedSet[name] = true
	}

	var abandoned []string
	for _, name := range s.graph.Required() {
		if snap.State(name) == status.StatePending && !blockedSet[name] && !s.launched[name] {
			abandoned = append(abandoned, name)
		}
	}

	var stalled []string
	for name := range s.everStalled {
		stalled = append(stalled, name)
	}
	sort.Strings(stalled)

	state := RunCompleted
	for _, name := range s.graph.Required() {
		if snap.State(name) != status.StateCompleted {
			state = RunAborted
			break
		}
	}
	if s.canceled {
		state = RunAborted
	}

	workers := make(map[string]status.Record, len(snap))
	for name, rec := range snap {
		workers[name] = rec
	}

	now := time.Now().UTC()
	o := &Outcome{
		RunID:         s.runID,
		Feature:       s.feature,
		State:         state,
		Canceled:      s.canceled,
		Failed:        failed,
		Blocked:       blocked,
		Abandoned:     abandoned,
		SkippedByPlan: s.graph.Skipped(),
		Stalled:       stalled,
		StartedAt:     s.startedAt,
		FinishedAt:    now,
		Workers:       workers,
	}

	s.collector.RecordRunFinished(string(state), now.Sub(s.startedAt))
	s.collector.SetLiveWorkers(0)
	s.logger.Info("run settled",
		zap.String("run_id", s.runID),
		zap.String("state", string(state)),
		zap.Bool("canceled", s.canceled),
		zap.Strings("failed", failed),
		zap.Strings("blocked", blocked),
		zap.Duration("took", o.Duration().Round(time.Second)))
	return o
}

// coordinatorVerdict derives a failure record from the last observed
// one, preserving the worker's reported progress.
func coordinatorVerdict(prev status.Record, reason status.FailureReason, detail string) status.Record {
	rec := prev
	rec.State = status.StateError
	rec.ErrorReason = reason
	rec.ErrorDetail = detail
	rec.Timestamp = status.Now()
	return rec
}
