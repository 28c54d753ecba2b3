package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"

	"github.com/avhart/crew/internal/archive"
	"github.com/avhart/crew/internal/orchestrator"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
)

// Run renders run views. Width controls tail-column truncation and
// defaults to the terminal width.
type Run struct {
	*Writer
	Width int
}

// NewRun creates a renderer writing to out.
func NewRun(out io.Writer) *Run {
	return &Run{Writer: NewWriter(out), Width: terminalWidth()}
}

// FilterWorkers narrows worker names by a doublestar pattern. An empty
// pattern keeps everything.
func FilterWorkers(names []string, pattern string) ([]string, error) {
	if pattern == "" {
		return names, nil
	}
	var out []string
	for _, name := range names {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("worker pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Status renders the live view of a run: one row per required worker,
// then the cancel banner or the recorded outcome.
func (r *Run) Status(st *orchestrator.RunStatus, pattern string) error {
	names, err := FilterWorkers(st.Plan.Required, pattern)
	if err != nil {
		return err
	}

	r.Header("run %s", st.Plan.RunID)
	r.Item("Feature: %s", st.Plan.Feature)
	r.Item("Workdir: %s", st.Plan.Workdir)
	r.Line()

	if len(names) == 0 {
		if pattern != "" {
			r.Empty(fmt.Sprintf("No workers match %q", pattern))
		} else {
			r.Empty("Plan requires no workers")
		}
		return nil
	}

	nameW := 8
	for _, name := range names {
		if len(name) > nameW {
			nameW = len(name)
		}
	}
	tailMax := r.Width - nameW - 38
	if tailMax < 20 {
		tailMax = 20
	}

	for _, name := range names {
		rec := st.Snapshot[name]
		r.Item("%s %-*s %s %s  %s",
			stateGlyph(rec.State), nameW, name, stateLabel(rec.State),
			progressBar(rec.Progress, 10),
			Truncate(r.workerTail(name, rec, st.BlockedBy), tailMax))
	}

	if st.CancelRequested {
		r.Line()
		r.Println(color.YellowString("CANCEL REQUESTED, waiting for workers to stop"))
	}
	if st.Outcome != nil {
		r.Line()
		r.Summary(st.Outcome)
	}
	return nil
}

// workerTail builds the free-text column for one worker row.
func (r *Run) workerTail(name string, rec status.Record, blockedBy map[string]string) string {
	switch rec.State {
	case status.StateInProgress:
		parts := make([]string, 0, 2)
		if rec.CurrentTask != "" {
			parts = append(parts, rec.CurrentTask)
		}
		if a := age(rec.Timestamp.Time); a != "" {
			parts = append(parts, a)
		}
		return strings.Join(parts, ", ")
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
			return color.RedString("blocked by %s", dep)
		}
		return color.HiBlackString("waiting")
	}
}

// Summary renders a settled run's verdict and the worker taxonomy.
func (r *Run) Summary(o *orchestrator.Outcome) {
	verdict := color.GreenString("RUN COMPLETED")
	if !o.Succeeded() {
		verdict = color.RedString("RUN ABORTED")
	}
	suffix := ""
	if o.Canceled {
		suffix = " (canceled)"
	}
	r.Println("%s in %s%s", verdict, FormatDuration(o.Duration()), suffix)

	if len(o.Failed) > 0 {
		r.Item("Failed:")
		for _, name := range o.Failed {
			rec := o.Workers[name]
			detail := string(rec.ErrorReason)
			if rec.ErrorDetail != "" {
				detail += ": " + rec.ErrorDetail
			}
			r.Nested("%s: %s", name, Truncate(detail, 90))
		}
	}
	if len(o.Blocked) > 0 {
		r.Item("Blocked:         %s", strings.Join(o.Blocked, ", "))
	}
	if len(o.Abandoned) > 0 {
		r.Item("Abandoned:       %s", strings.Join(o.Abandoned, ", "))
	}
	if len(o.SkippedByPlan) > 0 {
		r.Item("Skipped by plan: %s", strings.Join(o.SkippedByPlan, ", "))
	}
	if len(o.Stalled) > 0 {
		r.Item("Stalled at some point: %s", strings.Join(o.Stalled, ", "))
	}
}

// History renders archived runs, most recent first.
func (r *Run) History(runs []archive.RunSummary) {
	if len(runs) == 0 {
		r.Empty("No archived runs")
		return
	}

	r.Header("recent runs (%d)", len(runs))
	for _, run := range runs {
		glyph := color.GreenString("✓")
		state := run.State
		if run.State != "completed" {
			glyph = color.RedString("✗")
		}
		if run.Canceled {
			state = "canceled"
		}
		r.Item("%s %s  %s  %-9s %-8s %d/%d workers  %s",
			glyph, run.RunID,
			run.FinishedAt.Local().Format("2006-01-02 15:04"),
			state, FormatDuration(run.Duration),
			run.WorkersCompleted, run.WorkersTotal,
			Truncate(run.Feature, 48))
		if len(run.Failed) > 0 {
			r.Nested("failed: %s", strings.Join(run.Failed, ", "))
		}
	}
}

// Archived renders one archived run with its worker results.
func (r *Run) Archived(run *archive.RunSummary, workers []archive.WorkerResult) {
	r.Header("run %s (archived)", run.RunID)
	r.Item("Feature:  %s", run.Feature)
	r.Item("Workdir:  %s", run.Workdir)
	state := run.State
	if run.Canceled {
		state += " (canceled)"
	}
	r.Item("State:    %s", state)
	r.Item("Finished: %s after %s",
		run.FinishedAt.Local().Format("2006-01-02 15:04:05"), FormatDuration(run.Duration))
	r.Line()

	nameW := 8
	for _, w := range workers {
		if len(w.WorkerID) > nameW {
			nameW = len(w.WorkerID)
		}
	}
	for _, w := range workers {
		st := status.State(w.State)
		tail := ""
		switch {
		case w.ErrorReason != "":
			tail = w.ErrorReason
			if w.ErrorDetail != "" {
				tail += ": " + w.ErrorDetail
			}
		case len(w.CompletedTasks) > 0:
			tail = fmt.Sprintf("%d tasks", len(w.CompletedTasks))
		}
		r.Item("%s %-*s %s %s  %s",
			stateGlyph(st), nameW, w.WorkerID, stateLabel(st),
			progressBar(w.Progress, 10), Truncate(tail, 70))
	}

	if len(run.Blocked) > 0 || len(run.Abandoned) > 0 || len(run.Stalled) > 0 {
		r.Line()
		if len(run.Blocked) > 0 {
			r.Item("Blocked:   %s", strings.Join(run.Blocked, ", "))
		}
		if len(run.Abandoned) > 0 {
			r.Item("Abandoned: %s", strings.Join(run.Abandoned, ", "))
		}
		if len(run.Stalled) > 0 {
			r.Item("Stalled:   %s", strings.Join(run.Stalled, ", "))
		}
	}
}

// ArchiveStats renders archive-wide aggregates.
func (r *Run) ArchiveStats(st *archive.Stats) {
	r.Header("archive")
	r.Item("Runs:            %d (%d completed, %d aborted, %d canceled)",
		st.TotalRuns, st.Completed, st.Aborted, st.Canceled)
	r.Item("Worker failures: %d", st.WorkersFailed)
	if st.TotalRuns > 0 {
		r.Item("Avg duration:    %s", FormatDuration(st.AvgDuration))
	}
}

// Selection renders a plan selection against the roster, for plan
// inspection before any run exists.
func (r *Run) Selection(feature string, required []string, tpl *roster.Template) {
	r.Header("plan for %q", feature)

	isRequired := make(map[string]bool, len(required))
	for _, name := range required {
		isRequired[name] = true
	}

	for i, name := range required {
		role, ok := tpl.Get(name)
		if !ok {
			continue
		}
		var needs []string
		for _, dep := range role.DependsOn {
			if isRequired[dep] {
				needs = append(needs, dep)
			}
		}
		if len(needs) > 0 {
			r.Item("%d. %-16s needs %s", i+1, name, strings.Join(needs, ", "))
		} else {
			r.Item("%d. %s", i+1, name)
		}
	}

	var skipped []string
	for _, name := range tpl.Names() {
		if !isRequired[name] {
			skipped = append(skipped, name)
		}
	}
	if len(skipped) > 0 {
		r.Line()
		r.Item("Skipped: %s", strings.Join(skipped, ", "))
	}
}
