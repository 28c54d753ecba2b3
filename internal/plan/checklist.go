package plan

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/avhart/crew/internal/roster"
)

// ParseChecklist extracts the required worker set from a markdown plan
// document. A line of the form
//
//	- [x] backend_dev
//
// marks the worker required, "- [ ]" marks it skipped, and every other
// line is ignored. Both "-" and "*" bullets work, the x is
// case-insensitive, and anything after the worker name on the line is
// treated as commentary.
func ParseChecklist(data []byte, tpl *roster.Template) ([]string, error) {
	var required []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		name, checked, ok := parseChecklistLine(sc.Text())
		if !ok {
			continue
		}
		if tpl.Position(name) < 0 {
			return nil, fmt.Errorf("plan line %d: %w: %s", lineNo, ErrUnknownWorker, name)
		}
		if checked {
			required = append(required, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan plan document: %w", err)
	}
	return required, nil
}

// parseChecklistLine returns the worker name and checked state of a
// checklist line, or ok=false for lines that are not checklist items.
func parseChecklistLine(line string) (name string, checked, ok bool) {
	s := strings.TrimSpace(line)
	if len(s) < 2 || (s[0] != '-' && s[0] != '*') {
		return "", false, false
	}
	s = strings.TrimSpace(s[1:])

	switch {
	case strings.HasPrefix(s, "[x]"), strings.HasPrefix(s, "[X]"):
		checked = true
	case strings.HasPrefix(s, "[ ]"):
		checked = false
	default:
		return "", false, false
	}
	rest := strings.TrimSpace(s[3:])
	if rest == "" {
		return "", false, false
	}

	fields := strings.Fields(rest)
	return fields[0], checked, true
}
