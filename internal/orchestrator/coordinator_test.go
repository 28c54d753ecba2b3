package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/metrics"
	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
	"github.com/avhart/crew/internal/worker"
)

// TestCrewWorkerHelper is not a test: the scenario tests below re-exec
// the test binary as real worker processes and this function plays the
// worker. The behavior is chosen by the worker ID suffix.
func TestCrewWorkerHelper(t *testing.T) {
	if !config.IsWorker() {
		return
	}
	contract := config.WorkerEnv()
	rep, err := worker.NewReporter(contract)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	must := func(err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	id := contract.WorkerID
	switch mode := id[strings.LastIndex(id, "_")+1:]; mode {
	case "ok":
		must(rep.Start("setting up"))
		must(rep.Progress(40, "doing the work"))
		must(rep.TaskDone("main task"))
		must(rep.Complete())
		os.Exit(0)
	case "fail":
		must(rep.Start("setting up"))
		must(rep.Fail("simulated failure"))
		os.Exit(1)
	case "crash":
		must(rep.Start("almost there"))
		os.Exit(3)
	case "silent":
		os.Exit(0)
	case "hang":
		must(rep.Start("long task"))
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown worker mode %q\n", mode)
		os.Exit(2)
	}
}

func helperRole(t *testing.T, name string, deps ...string) roster.Role {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return roster.Role{
		Name:      name,
		Command:   exe,
		Args:      []string{"-test.run=^TestCrewWorkerHelper$"},
		DependsOn: deps,
	}
}

func helperTemplate(t *testing.T, roles ...roster.Role) *roster.Template {
	t.Helper()
	tpl, err := roster.New(roles)
	require.NoError(t, err)
	return tpl
}

func newTestCoordinator(t *testing.T, tpl *roster.Template, tweaks ...func(*config.Config)) *Coordinator {
	t.Helper()
	cfg := &config.Config{
		RunsDir:       filepath.Join(t.TempDir(), "runs"),
		PollInterval:  25 * time.Millisecond,
		StaleAfter:    time.Minute,
		WorkerTimeout: time.Minute,
		TermGrace:     200 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	logger := zaptest.NewLogger(t)
	launcher := worker.NewExecLauncher(cfg.TermGrace, logger)
	return New(cfg, tpl, launcher, Options{Logger: logger, Metrics: metrics.NewCollector()})
}

func startAndAwait(t *testing.T, c *Coordinator, spec StartSpec) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := c.StartRun(ctx, spec)
	require.NoError(t, err)
	out, err := c.Await(ctx, run)
	require.NoError(t, err)
	return out
}

func pick(names ...string) plan.Selector {
	return func(string, *roster.Template) ([]string, error) {
		return names, nil
	}
}

func TestRunChainCompletes(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_ok"),
		helperRole(t, "test_ok", "build_ok"),
		helperRole(t, "ship_ok", "test_ok"),
	)
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "add login form"})

	assert.Equal(t, RunCompleted, out.State)
	assert.True(t, out.Succeeded())
	assert.False(t, out.Canceled)
	assert.Empty(t, out.Failed)
	assert.Empty(t, out.Blocked)
	require.Len(t, out.Workers, 3)
	for _, name := range []string{"build_ok", "test_ok", "ship_ok"} {
		rec := out.Workers[name]
		assert.Equal(t, status.StateCompleted, rec.State, name)
		assert.Equal(t, 100, rec.Progress, name)
		assert.Equal(t, []string{"main task"}, rec.CompletedTasks, name)
	}

	// Dependents finish no earlier than their dependencies.
	assert.False(t, out.Workers["test_ok"].Timestamp.Before(out.Workers["build_ok"].Timestamp.Time))
	assert.False(t, out.Workers["ship_ok"].Timestamp.Before(out.Workers["test_ok"].Timestamp.Time))

	// The outcome is recorded in the run directory.
	saved, err := LoadOutcome(OutcomePath(c.cfg.RunDir(out.RunID)))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, saved.State)
}

func TestPlanSkipsUnselectedRoles(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_ok"),
		helperRole(t, "bench_ok", "build_ok"),
		helperRole(t, "ship_ok", "bench_ok"),
	)
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{
		Feature: "skip the benchmarks",
		Select:  pick("build_ok", "ship_ok"),
	})

	assert.Equal(t, RunCompleted, out.State)
	assert.Equal(t, []string{"bench_ok"}, out.SkippedByPlan)
	require.Len(t, out.Workers, 2)
	assert.Equal(t, status.StateCompleted, out.Workers["build_ok"].State)
	assert.Equal(t, status.StateCompleted, out.Workers["ship_ok"].State)
}

func TestFailureBlocksDependents(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_fail"),
		helperRole(t, "test_ok", "build_fail"),
		helperRole(t, "ship_ok", "test_ok"),
	)
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "doomed"})

	assert.Equal(t, RunAborted, out.State)
	assert.Equal(t, []string{"build_fail"}, out.Failed)
	assert.Equal(t, []string{"test_ok", "ship_ok"}, out.Blocked)

	failed := out.Workers["build_fail"]
	assert.Equal(t, status.StateError, failed.State)
	assert.Equal(t, status.ReasonWorkerReported, failed.ErrorReason)
	assert.Equal(t, "simulated failure", failed.ErrorDetail)

	// Blocked workers were never launched: their records are untouched.
	for _, name := range []string{"test_ok", "ship_ok"} {
		rec, rerr := c.Store().Read(out.RunID, name)
		require.NoError(t, rerr)
		assert.Equal(t, status.StatePending, rec.State, name)
	}
}

func TestDeadlineTimeoutAbortsRun(t *testing.T) {
	slowpoke := helperRole(t, "deploy_hang")
	slowpoke.MaxDuration = roster.Duration(300 * time.Millisecond)
	tpl := helperTemplate(t, slowpoke)
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "never finishes"})

	assert.Equal(t, RunAborted, out.State)
	rec := out.Workers["deploy_hang"]
	assert.Equal(t, status.StateError, rec.State)
	assert.Equal(t, status.ReasonTimeout, rec.ErrorReason)
	assert.Contains(t, rec.ErrorDetail, "terminated by coordinator")

	// Timeouts are the coordinator's one sanctioned status write.
	stored, err := c.Store().Read(out.RunID, "deploy_hang")
	require.NoError(t, err)
	assert.Equal(t, status.ReasonTimeout, stored.ErrorReason)
}

func TestSilentCrashIsAbnormalExit(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "flaky_crash"))
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "crashy"})

	assert.Equal(t, RunAborted, out.State)
	rec := out.Workers["flaky_crash"]
	assert.Equal(t, status.StateError, rec.State)
	assert.Equal(t, status.ReasonAbnormalExit, rec.ErrorReason)
	// Progress the worker reported before dying is preserved.
	assert.Equal(t, "almost there", rec.CurrentTask)

	// The abnormal-exit verdict is the coordinator's view only. The
	// worker's own record keeps its last honest state.
	stored, err := c.Store().Read(out.RunID, "flaky_crash")
	require.NoError(t, err)
	assert.Equal(t, status.StateInProgress, stored.State)
}

func TestExitWithoutAnyReportIsAbnormalExit(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "ghost_silent"))
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "says nothing"})

	assert.Equal(t, RunAborted, out.State)
	rec := out.Workers["ghost_silent"]
	assert.Equal(t, status.StateError, rec.State)
	assert.Equal(t, status.ReasonAbnormalExit, rec.ErrorReason)

	stored, err := c.Store().Read(out.RunID, "ghost_silent")
	require.NoError(t, err)
	assert.Equal(t, status.StatePending, stored.State)
}

func TestStallWarningIsSurfacedButHarmless(t *testing.T) {
	slowpoke := helperRole(t, "deploy_hang")
	slowpoke.MaxDuration = roster.Duration(600 * time.Millisecond)
	tpl := helperTemplate(t, slowpoke)
	c := newTestCoordinator(t, tpl, func(cfg *config.Config) {
		cfg.StaleAfter = 100 * time.Millisecond
	})

	out := startAndAwait(t, c, StartSpec{Feature: "quietly stuck"})

	// The worker stalled before its deadline killed it; the stall is
	// reported but the abort cause stays the timeout.
	assert.Equal(t, []string{"deploy_hang"}, out.Stalled)
	assert.Equal(t, status.ReasonTimeout, out.Workers["deploy_hang"].ErrorReason)
}

func TestCancelStopsRun(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "task_hang"))
	c := newTestCoordinator(t, tpl)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := c.StartRun(ctx, StartSpec{Feature: "about to be canceled"})
	require.NoError(t, err)

	done := make(chan *Outcome, 1)
	go func() {
		out, aerr := c.Await(ctx, run)
		assert.NoError(t, aerr)
		done <- out
	}()

	require.Eventually(t, func() bool {
		rec, rerr := c.Store().Read(run.ID(), "task_hang")
		return rerr == nil && rec.State == status.StateInProgress
	}, 10*time.Second, 20*time.Millisecond, "worker never started")

	require.NoError(t, c.Cancel(run.ID()))

	select {
	case out := <-done:
		assert.Equal(t, RunAborted, out.State)
		assert.True(t, out.Canceled)
		rec := out.Workers["task_hang"]
		assert.Equal(t, status.StateError, rec.State)
		assert.Equal(t, status.ReasonAbnormalExit, rec.ErrorReason)
		assert.Contains(t, rec.ErrorDetail, "cancel")
	case <-time.After(15 * time.Second):
		t.Fatal("run did not settle after cancel")
	}
}

func TestContextCancelAbortsRun(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "task_hang"))
	c := newTestCoordinator(t, tpl)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := c.StartRun(ctx, StartSpec{Feature: "interrupted"})
	require.NoError(t, err)

	done := make(chan *Outcome, 1)
	go func() {
		out, aerr := c.Await(ctx, run)
		assert.NoError(t, aerr)
		done <- out
	}()

	require.Eventually(t, func() bool {
		rec, rerr := c.Store().Read(run.ID(), "task_hang")
		return rerr == nil && rec.State == status.StateInProgress
	}, 10*time.Second, 20*time.Millisecond, "worker never started")

	cancel()

	select {
	case out := <-done:
		assert.Equal(t, RunAborted, out.State)
		assert.True(t, out.Canceled)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not settle after context cancel")
	}
}

func TestEmptySelectionCompletesVacuously(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "build_ok"))
	c := newTestCoordinator(t, tpl)

	out := startAndAwait(t, c, StartSpec{Feature: "nothing to do", Select: pick()})

	assert.Equal(t, RunCompleted, out.State)
	assert.Empty(t, out.Workers)
	assert.Equal(t, []string{"build_ok"}, out.SkippedByPlan)
}

func TestStartRunRejectsDuplicateID(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "build_ok"))
	c := newTestCoordinator(t, tpl)

	ctx := context.Background()
	_, err := c.StartRun(ctx, StartSpec{Feature: "first", RunID: "RUN1", Select: pick()})
	require.NoError(t, err)

	_, err = c.StartRun(ctx, StartSpec{Feature: "second", RunID: "RUN1", Select: pick()})
	assert.ErrorIs(t, err, status.ErrAlreadyInitialized)
}

func TestResumeFinishedRunReturnsRecordedOutcome(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "build_ok"))
	c := newTestCoordinator(t, tpl)

	first := startAndAwait(t, c, StartSpec{Feature: "one and done"})

	ctx := context.Background()
	resumed, err := c.Resume(ctx, first.RunID)
	require.NoError(t, err)
	assert.True(t, resumed.Finished())

	again, err := c.Await(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, first.State, again.State)
	assert.True(t, first.FinishedAt.Equal(again.FinishedAt))
}

func TestResumeRunsRemainingWorkers(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_ok"),
		helperRole(t, "verify_ok", "build_ok"),
	)
	c := newTestCoordinator(t, tpl)

	ctx := context.Background()
	run, err := c.StartRun(ctx, StartSpec{Feature: "resume me"})
	require.NoError(t, err)
	runID := run.ID()

	// The first worker completed before the previous coordinator died.
	done := status.Record{
		Agent:          "build_ok",
		State:          status.StateCompleted,
		Progress:       100,
		CompletedTasks: []string{"db migration"},
		Timestamp:      status.Now(),
	}
	require.NoError(t, c.Store().Write(runID, "build_ok", done))

	resumed, err := c.Resume(ctx, runID)
	require.NoError(t, err)
	require.False(t, resumed.Finished())

	out, err := c.Await(ctx, resumed)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, out.State)
	// The completed worker was not relaunched: its record is untouched.
	assert.Equal(t, []string{"db migration"}, out.Workers["build_ok"].CompletedTasks)
	assert.Equal(t, []string{"main task"}, out.Workers["verify_ok"].CompletedTasks)
}

func TestResumeMarksOrphanedWorkers(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_ok"),
		helperRole(t, "verify_ok", "build_ok"),
	)
	c := newTestCoordinator(t, tpl)

	ctx := context.Background()
	run, err := c.StartRun(ctx, StartSpec{Feature: "lost worker"})
	require.NoError(t, err)
	runID := run.ID()

	// An in_progress record with no persisted handle: the previous
	// coordinator crashed before saving it.
	working := status.Record{
		Agent:          "build_ok",
		State:          status.StateInProgress,
		Progress:       30,
		CurrentTask:    "half done",
		CompletedTasks: []string{},
		Timestamp:      status.Now(),
	}
	require.NoError(t, c.Store().Write(runID, "build_ok", working))

	resumed, err := c.Resume(ctx, runID)
	require.NoError(t, err)
	out, err := c.Await(ctx, resumed)
	require.NoError(t, err)

	assert.Equal(t, RunAborted, out.State)
	rec := out.Workers["build_ok"]
	assert.Equal(t, status.ReasonAbnormalExit, rec.ErrorReason)
	assert.Contains(t, rec.ErrorDetail, "restart")
	assert.Equal(t, []string{"verify_ok"}, out.Blocked)

	stored, err := c.Store().Read(runID, "build_ok")
	require.NoError(t, err)
	assert.Equal(t, status.StateInProgress, stored.State)
}

func TestResumeAdoptsLiveProcess(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "solo_ok"))
	c := newTestCoordinator(t, tpl)

	ctx := context.Background()
	run, err := c.StartRun(ctx, StartSpec{Feature: "adopt me"})
	require.NoError(t, err)
	runID := run.ID()

	working := status.Record{
		Agent:          "solo_ok",
		State:          status.StateInProgress,
		Progress:       30,
		CompletedTasks: []string{},
		Timestamp:      status.Now(),
	}
	require.NoError(t, c.Store().Write(runID, "solo_ok", working))
	// The handle points at a process that is definitely alive.
	require.NoError(t, saveHandles(c.cfg.RunDir(runID), map[string]handleRecord{
		"solo_ok": {HandleID: "h1", WorkerID: "solo_ok", PID: os.Getpid(), StartedAt: time.Now().UTC()},
	}))

	resumed, err := c.Resume(ctx, runID)
	require.NoError(t, err)
	require.False(t, resumed.Finished())

	done := make(chan *Outcome, 1)
	go func() {
		out, aerr := c.Await(ctx, resumed)
		assert.NoError(t, aerr)
		done <- out
	}()

	// The adopted worker keeps running and eventually completes.
	time.Sleep(150 * time.Millisecond)
	final := working
	final.State = status.StateCompleted
	final.Progress = 100
	final.Timestamp = status.Now()
	require.NoError(t, c.Store().Write(runID, "solo_ok", final))

	select {
	case out := <-done:
		assert.Equal(t, RunCompleted, out.State)
		assert.Equal(t, status.StateCompleted, out.Workers["solo_ok"].State)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not settle after adopted worker completed")
	}
}

func TestResumeDetectsDeadProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix pid probing")
	}
	tpl := helperTemplate(t, helperRole(t, "solo_ok"))
	c := newTestCoordinator(t, tpl)

	ctx := context.Background()
	run, err := c.StartRun(ctx, StartSpec{Feature: "dead on arrival"})
	require.NoError(t, err)
	runID := run.ID()

	working := status.Record{
		Agent:          "solo_ok",
		State:          status.StateInProgress,
		Progress:       60,
		CompletedTasks: []string{},
		Timestamp:      status.Now(),
	}
	require.NoError(t, c.Store().Write(runID, "solo_ok", working))
	// A PID far above pid_max: guaranteed not to exist.
	require.NoError(t, saveHandles(c.cfg.RunDir(runID), map[string]handleRecord{
		"solo_ok": {HandleID: "h1", WorkerID: "solo_ok", PID: 1 << 28, StartedAt: time.Now().UTC()},
	}))

	resumed, err := c.Resume(ctx, runID)
	require.NoError(t, err)
	out, err := c.Await(ctx, resumed)
	require.NoError(t, err)

	assert.Equal(t, RunAborted, out.State)
	rec := out.Workers["solo_ok"]
	assert.Equal(t, status.StateError, rec.State)
	assert.Equal(t, status.ReasonAbnormalExit, rec.ErrorReason)
	// The worker's own record is never rewritten by the coordinator.
	stored, err := c.Store().Read(runID, "solo_ok")
	require.NoError(t, err)
	assert.Equal(t, status.StateInProgress, stored.State)
	assert.Equal(t, 60, stored.Progress)
}

func TestResumeUnknownRun(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "build_ok"))
	c := newTestCoordinator(t, tpl)

	_, err := c.Resume(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelErrors(t *testing.T) {
	tpl := helperTemplate(t, helperRole(t, "build_ok"))
	c := newTestCoordinator(t, tpl)

	assert.ErrorIs(t, c.Cancel("NOPE"), ErrRunNotFound)

	out := startAndAwait(t, c, StartSpec{Feature: "already over"})
	assert.ErrorIs(t, c.Cancel(out.RunID), ErrRunFinished)
}

func TestStatusView(t *testing.T) {
	tpl := helperTemplate(t,
		helperRole(t, "build_ok"),
		helperRole(t, "ship_ok", "build_ok"),
	)
	c := newTestCoordinator(t, tpl)

	_, err := c.Status("NOPE")
	assert.ErrorIs(t, err, ErrRunNotFound)

	out := startAndAwait(t, c, StartSpec{Feature: "inspect me"})

	rs, err := c.Status(out.RunID)
	require.NoError(t, err)
	require.NotNil(t, rs.Outcome)
	assert.Equal(t, RunCompleted, rs.Outcome.State)
	assert.Equal(t, []string{"build_ok", "ship_ok"}, rs.Plan.Required)
	assert.Equal(t, status.StateCompleted, rs.Snapshot.State("build_ok"))
	assert.Empty(t, rs.Blocked)
	assert.False(t, rs.CancelRequested)
}
