package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
)

// teamTemplate mirrors the built-in catalog shape: a chain with a
// diamond in the middle and a gate at the end.
func teamTemplate(t *testing.T) *roster.Template {
	t.Helper()
	tpl, err := roster.New([]roster.Role{
		{Name: "test_engineer", Command: "x"},
		{Name: "db_engineer", Command: "x", DependsOn: []string{"test_engineer"}},
		{Name: "backend_dev", Command: "x", DependsOn: []string{"test_engineer", "db_engineer"}},
		{Name: "frontend_dev", Command: "x", DependsOn: []string{"backend_dev"}},
		{Name: "e2e_tester", Command: "x", DependsOn: []string{"backend_dev", "frontend_dev"}},
	})
	require.NoError(t, err)
	return tpl
}

func buildGraph(t *testing.T, tpl *roster.Template, required ...string) *Graph {
	t.Helper()
	p, err := plan.New("run-1", "feature", "/work", required, tpl)
	require.NoError(t, err)
	g, err := Build(p, tpl)
	require.NoError(t, err)
	return g
}

func snapshotOf(states map[string]status.State) status.Snapshot {
	snap := make(status.Snapshot, len(states))
	for id, st := range states {
		snap[id] = status.Record{Agent: id, State: st, Timestamp: status.Now()}
	}
	return snap
}

func TestBuildSplitsRequiredAndSkipped(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "backend_dev", "test_engineer", "e2e_tester")

	assert.Equal(t, []string{"test_engineer", "backend_dev", "e2e_tester"}, g.Required())
	assert.Equal(t, []string{"db_engineer", "frontend_dev"}, g.Skipped())
}

func TestBuildRejectsRoleMissingFromRoster(t *testing.T) {
	tpl := teamTemplate(t)
	p := &plan.Plan{RunID: "run-1", Required: []string{"warlock"}}

	_, err := Build(p, tpl)
	assert.ErrorContains(t, err, "warlock")
}

func TestReadyRootOnly(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer", "backend_dev")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StatePending,
		"db_engineer":   status.StatePending,
		"backend_dev":   status.StatePending,
	})

	assert.Equal(t, []string{"test_engineer"}, g.Ready(snap))
}

func TestReadyUnlocksAsDependenciesComplete(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer", "backend_dev")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateCompleted,
		"db_engineer":   status.StatePending,
		"backend_dev":   status.StatePending,
	})
	assert.Equal(t, []string{"db_engineer"}, g.Ready(snap),
		"backend still gated on db_engineer")

	snap["db_engineer"] = status.Record{Agent: "db_engineer", State: status.StateCompleted, Timestamp: status.Now()}
	assert.Equal(t, []string{"backend_dev"}, g.Ready(snap))
}

func TestReadyNeverReturnsRunningOrTerminalWorkers(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateInProgress,
		"db_engineer":   status.StatePending,
	})
	assert.Empty(t, g.Ready(snap))

	snap = snapshotOf(map[string]status.State{
		"test_engineer": status.StateError,
		"db_engineer":   status.StateCompleted,
	})
	assert.Empty(t, g.Ready(snap))
}

func TestSkippedDependencyIsAutoSatisfied(t *testing.T) {
	tpl := teamTemplate(t)
	// db_engineer is left out of the plan: backend must not wait for it.
	g := buildGraph(t, tpl, "test_engineer", "backend_dev")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateCompleted,
		"backend_dev":   status.StatePending,
	})
	assert.Equal(t, []string{"backend_dev"}, g.Ready(snap))
}

func TestReadyIsDeterministic(t *testing.T) {
	// Several workers become ready at once; template position breaks
	// the tie, never map iteration order.
	tpl, err := roster.New([]roster.Role{
		{Name: "zeta", Command: "x"},
		{Name: "alpha", Command: "x"},
		{Name: "mike", Command: "x"},
	})
	require.NoError(t, err)

	p, err := plan.New("run-1", "f", "/w", []string{"alpha", "mike", "zeta"}, tpl)
	require.NoError(t, err)
	g, err := Build(p, tpl)
	require.NoError(t, err)

	snap := snapshotOf(map[string]status.State{
		"zeta":  status.StatePending,
		"alpha": status.StatePending,
		"mike":  status.StatePending,
	})

	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"zeta", "alpha", "mike"}, g.Ready(snap))
	}
}

func TestTerminalAndFailed(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateCompleted,
		"db_engineer":   status.StateInProgress,
	})
	assert.False(t, g.Terminal(snap))
	assert.False(t, g.HasFatalFailure(snap))

	snap["db_engineer"] = status.Record{Agent: "db_engineer", State: status.StateError, Timestamp: status.Now()}
	assert.True(t, g.Terminal(snap))
	assert.True(t, g.HasFatalFailure(snap))
	assert.Equal(t, []string{"db_engineer"}, g.Failed(snap))
}

func TestBlockedCascadesTransitively(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer", "backend_dev", "frontend_dev", "e2e_tester")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateCompleted,
		"db_engineer":   status.StateError,
		"backend_dev":   status.StatePending,
		"frontend_dev":  status.StatePending,
		"e2e_tester":    status.StatePending,
	})

	assert.Equal(t, []string{"backend_dev", "frontend_dev", "e2e_tester"}, g.Blocked(snap))
	assert.Empty(t, g.Ready(snap), "blocked workers are never ready")
}

func TestBlockedByNamesTheDoomingDependency(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl, "test_engineer", "db_engineer", "backend_dev", "frontend_dev", "e2e_tester")

	snap := snapshotOf(map[string]status.State{
		"test_engineer": status.StateCompleted,
		"db_engineer":   status.StateError,
		"backend_dev":   status.StatePending,
		"frontend_dev":  status.StatePending,
		"e2e_tester":    status.StatePending,
	})

	byDep := g.BlockedBy(snap)
	assert.Equal(t, "db_engineer", byDep["backend_dev"], "direct edge names the failed worker")
	assert.Equal(t, "backend_dev", byDep["frontend_dev"], "transitive edge names the nearest doomed step")
	assert.Equal(t, "backend_dev", byDep["e2e_tester"])
	assert.NotContains(t, byDep, "test_engineer")
}

func TestBlockedIgnoresIndependentBranches(t *testing.T) {
	tpl, err := roster.New([]roster.Role{
		{Name: "a", Command: "x"},
		{Name: "b", Command: "x"},
		{Name: "c", Command: "x", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	p, err := plan.New("run-1", "f", "/w", []string{"a", "b", "c"}, tpl)
	require.NoError(t, err)
	g, err := Build(p, tpl)
	require.NoError(t, err)

	snap := snapshotOf(map[string]status.State{
		"a": status.StateError,
		"b": status.StatePending,
		"c": status.StatePending,
	})

	assert.Equal(t, []string{"c"}, g.Blocked(snap))
	assert.Equal(t, []string{"b"}, g.Ready(snap),
		"independent branch is unaffected by the failure")
}

func TestEmptyPlanIsVacuouslyTerminal(t *testing.T) {
	tpl := teamTemplate(t)
	g := buildGraph(t, tpl)

	snap := status.Snapshot{}
	assert.True(t, g.Terminal(snap))
	assert.Empty(t, g.Ready(snap))
	assert.False(t, g.HasFatalFailure(snap))
}
