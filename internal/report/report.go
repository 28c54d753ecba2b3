// Package report formats run state for the terminal. Rendering is
// read-only over status snapshots and outcomes; nothing here mutates
// run files.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/avhart/crew/internal/status"
)

// Writer wraps an io.Writer with line-oriented formatting helpers.
type Writer struct {
	out io.Writer
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Println writes formatted text with a newline.
func (w *Writer) Println(format string, args ...any) {
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Line writes a blank line.
func (w *Writer) Line() {
	fmt.Fprintln(w.out)
}

// Header writes an upper-case header followed by a blank line.
func (w *Writer) Header(title string, args ...any) {
	if len(args) > 0 {
		title = fmt.Sprintf(title, args...)
	}
	fmt.Fprintln(w.out, strings.ToUpper(title))
	fmt.Fprintln(w.out)
}

// Item writes an indented line.
func (w *Writer) Item(format string, args ...any) {
	fmt.Fprintf(w.out, "  "+format+"\n", args...)
}

// Nested writes a tree-connected detail line under an item.
func (w *Writer) Nested(format string, args ...any) {
	fmt.Fprintf(w.out, "    └─ "+format+"\n", args...)
}

// Empty writes an empty-state message.
func (w *Writer) Empty(msg string) {
	fmt.Fprintln(w.out, msg)
}

// stateGlyph returns the one-character marker for a worker state.
func stateGlyph(s status.State) string {
	switch s {
	case status.StateCompleted:
		return color.GreenString("✓")
	case status.StateInProgress:
		return color.CyanString("▸")
	case status.StateError:
		return color.RedString("✗")
	default:
		return color.HiBlackString("•")
	}
}

// stateLabel returns the colored state column text.
func stateLabel(s status.State) string {
	switch s {
	case status.StateCompleted:
		return color.GreenString("%-11s", s)
	case status.StateInProgress:
		return color.CyanString("%-11s", s)
	case status.StateError:
		return color.RedString("%-11s", s)
	default:
		return color.HiBlackString("%-11s", s)
	}
}

// progressBar renders progress as a fixed-width bar, █ full and ░ empty.
func progressBar(progress, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	full := progress * width / 100
	return fmt.Sprintf("[%s%s] %3d%%",
		strings.Repeat("█", full), strings.Repeat("░", width-full), progress)
}

// Truncate shortens a string to max length.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// FormatDuration renders a duration in the shortest readable unit.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// age renders how long ago t was, or "" for a zero time.
func age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	return FormatDuration(d.Round(time.Second)) + " ago"
}

// terminalWidth returns the stdout width, or a sane default when
// stdout is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 100
	}
	return width
}
