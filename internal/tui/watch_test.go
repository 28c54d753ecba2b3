package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/status"
)

func watchFixture() *orchestrator.RunStatus {
	return &orchestrator.RunStatus{
		Plan: &plan.Plan{
			RunID:     "01JWATCH",
			Feature:   "add dark mode",
			Workdir:   "/srv/project",
			Required:  []string{"build", "test", "ship"},
			CreatedAt: time.Now().Add(-time.Minute),
		},
		Snapshot: status.Snapshot{
			"build": {Agent: "build", State: status.StateCompleted, Progress: 100},
			"test": {
				Agent: "test", State: status.StateInProgress, Progress: 60,
				CurrentTask: "integration suite",
			},
			"ship": {Agent: "ship", State: status.StatePending},
		},
	}
}

func apply(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func TestWatchRendersWorkerRows(t *testing.T) {
	st := watchFixture()
	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return st, nil }, time.Second)

	m, _ = apply(t, m, m.fetchCmd()())

	view := m.View()
	assert.Contains(t, view, "crew watch 01JWATCH")
	assert.Contains(t, view, "add dark mode")
	assert.Contains(t, view, "build")
	assert.Contains(t, view, "integration suite")
	assert.Contains(t, view, "1 in flight")
	assert.Contains(t, view, "q: quit")
}

func TestWatchLoadingBeforeFirstFetch(t *testing.T) {
	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return nil, nil }, time.Second)
	assert.Contains(t, m.View(), "loading run state")
}

func TestWatchShowsRecordedOutcome(t *testing.T) {
	st := watchFixture()
	st.Snapshot["test"] = status.Record{
		Agent: "test", State: status.StateError,
		ErrorReason: status.ReasonWorkerReported, ErrorDetail: "assertions failed",
	}
	st.Outcome = &orchestrator.Outcome{
		RunID:      "01JWATCH",
		State:      orchestrator.RunAborted,
		Failed:     []string{"test"},
		Blocked:    []string{"ship"},
		StartedAt:  time.Now().Add(-2 * time.Minute),
		FinishedAt: time.Now(),
	}

	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return st, nil }, time.Second)
	m, _ = apply(t, m, m.fetchCmd()())

	view := m.View()
	assert.Contains(t, view, "RUN ABORTED")
	assert.Contains(t, view, "failed: test")
	assert.Contains(t, view, "blocked: ship")

	_, cmd := apply(t, m, tickMsg(time.Now()))
	assert.Nil(t, cmd, "a settled run schedules no more refreshes")
}

func TestWatchTickRefreshesWhileRunning(t *testing.T) {
	st := watchFixture()
	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return st, nil }, time.Second)
	m, _ = apply(t, m, m.fetchCmd()())

	_, cmd := apply(t, m, tickMsg(time.Now()))
	assert.NotNil(t, cmd, "a live run keeps polling")
}

func TestWatchSurfacesReadErrors(t *testing.T) {
	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) {
		return nil, errors.New("plan.json unreadable")
	}, time.Second)

	m, _ = apply(t, m, m.fetchCmd()())
	assert.Contains(t, m.View(), "plan.json unreadable")
}

func TestWatchQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "esc", "ctrl+c"} {
		m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return watchFixture(), nil }, time.Second)

		var msg tea.KeyMsg
		switch key {
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		case "ctrl+c":
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		}

		m, cmd := apply(t, m, msg)
		assert.NotNil(t, cmd, "key %s quits", key)
		assert.Empty(t, m.View())
	}
}

func TestWatchCancelBanner(t *testing.T) {
	st := watchFixture()
	st.CancelRequested = true

	m := New("01JWATCH", func() (*orchestrator.RunStatus, error) { return st, nil }, time.Second)
	m, _ = apply(t, m, m.fetchCmd()())
	assert.Contains(t, m.View(), "cancel requested")
}
