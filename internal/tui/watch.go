// Package tui provides the live watch view for a run using Bubble Tea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/report"
	"github.com/avhart/crew/internal/status"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	cancelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	summaryGoodStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Bold(true)

	summaryBadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)
)

// StatusFunc supplies a fresh run view on every refresh tick.
type StatusFunc func() (*orchestrator.RunStatus, error)

// Message types
type statusMsg *orchestrator.RunStatus
type errMsg error
type tickMsg time.Time

// Model is the watch view model.
type Model struct {
	runID    string
	fetch    StatusFunc
	interval time.Duration

	st       *orchestrator.RunStatus
	err      error
	spinner  spinner.Model
	width    int
	quitting bool
}

// New creates a watch model refreshing at the given interval.
func New(runID string, fetch StatusFunc, interval time.Duration) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle

	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		runID:    runID,
		fetch:    fetch,
		interval: interval,
		spinner:  s,
		width:    100,
	}
}

// Init starts the spinner, the first fetch, and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd(), m.tickCmd())
}

func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		st, err := m.fetch()
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// finished reports whether the run has a recorded outcome.
func (m Model) finished() bool {
	return m.st != nil && m.st.Outcome != nil
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case statusMsg:
		m.st = msg
		m.err = nil

	case errMsg:
		m.err = msg

	case tickMsg:
		if m.finished() {
			return m, nil
		}
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the watch screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("crew watch "+m.runID) + "\n\n")

	if m.err != nil {
		b.WriteString(failedStyle.Render(fmt.Sprintf("  read error: %v", m.err)) + "\n")
	}
	if m.st == nil {
		b.WriteString(fmt.Sprintf("  %s loading run state...\n", m.spinner.View()))
		return b.String()
	}

	info := fmt.Sprintf("  %s · %s", m.st.Plan.Feature, m.st.Plan.Workdir)
	b.WriteString(infoStyle.Render(info) + "\n\n")

	nameW := 8
	for _, name := range m.st.Plan.Required {
		if len(name) > nameW {
			nameW = len(name)
		}
	}
	for _, name := range m.st.Plan.Required {
		b.WriteString(m.renderWorkerLine(name, nameW) + "\n")
	}

	if m.st.CancelRequested && !m.finished() {
		b.WriteString("\n" + cancelStyle.Render("  cancel requested, waiting for workers to stop") + "\n")
	}

	b.WriteString("\n" + m.renderFooter())
	return b.String()
}

func (m Model) renderWorkerLine(name string, nameW int) string {
	rec := m.st.Snapshot[name]

	var style lipgloss.Style
	var glyph string
	switch rec.State {
	case status.StateCompleted:
		style, glyph = completedStyle, "✓"
	case status.StateInProgress:
		style, glyph = runningStyle, "▸"
	case status.StateError:
		style, glyph = failedStyle, "✗"
	default:
		style, glyph = pendingStyle, "•"
	}

	line := fmt.Sprintf("  %s %-*s %-12s %s %3d%%",
		glyph, nameW, name, rec.State, renderBar(rec.Progress, 10), rec.Progress)
	if tail := workerTail(name, rec, m.st.BlockedBy); tail != "" {
		line += "  " + report.Truncate(tail, 60)
	}
	return style.Render(line)
}

// renderBar builds a progress bar, █ full and ░ empty.
func renderBar(progress, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	full := progress * width / 100
	return strings.Repeat("█", full) + strings.Repeat("░", width-full)
}

func workerTail(name string, rec status.Record, blockedBy map[string]string) string {
	switch rec.State {
	case status.StateInProgress:
		return rec.CurrentTask
	case status.StateError:
		tail := string(rec.ErrorReason)
		if rec.ErrorDetail != "" {
			tail += ": " + rec.ErrorDetail
		}
		return tail
	case status.StateCompleted:
		if n := len(rec.CompletedTasks); n > 0 {
			return fmt.Sprintf("%d tasks", n)
		}
		return ""
	default:
		if dep, ok := blockedBy[name]; ok {
			return "blocked by " + dep
		}
		return "waiting"
	}
}

func (m Model) renderFooter() string {
	if o := m.st.Outcome; o != nil {
		verdict := summaryGoodStyle.Render(fmt.Sprintf("  RUN COMPLETED in %s", report.FormatDuration(o.Duration())))
		if !o.Succeeded() {
			text := fmt.Sprintf("  RUN ABORTED in %s", report.FormatDuration(o.Duration()))
			if o.Canceled {
				text += " (canceled)"
			}
			verdict = summaryBadStyle.Render(text)
		}
		var extras []string
		if len(o.Failed) > 0 {
			extras = append(extras, "failed: "+strings.Join(o.Failed, ", "))
		}
		if len(o.Blocked) > 0 {
			extras = append(extras, "blocked: "+strings.Join(o.Blocked, ", "))
		}
		out := verdict
		if len(extras) > 0 {
			out += "\n" + infoStyle.Render("  "+strings.Join(extras, " · "))
		}
		return out + helpStyle.Render("\n  q: quit")
	}

	inFlight := 0
	for _, name := range m.st.Plan.Required {
		if m.st.Snapshot.State(name) == status.StateInProgress {
			inFlight++
		}
	}
	elapsed := time.Since(m.st.Plan.CreatedAt).Round(time.Second)
	line := fmt.Sprintf("  %s running · %d in flight · elapsed %s",
		m.spinner.View(), inFlight, report.FormatDuration(elapsed))
	return line + helpStyle.Render("\n  q: quit")
}

// Run starts the watch program in the alternate screen.
func Run(runID string, fetch StatusFunc, interval time.Duration) error {
	p := tea.NewProgram(New(runID, fetch, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
