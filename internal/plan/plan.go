// Package plan decides which roster roles a run requires. The plan is
// written once when the run starts and never changes afterwards; resume
// trusts the persisted copy over any flag.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/avhart/crew/internal/roster"
)

// ErrUnknownWorker indicates a plan names a role the roster does not have.
var ErrUnknownWorker = errors.New("unknown worker")

// Plan is the immutable work selection for one run.
type Plan struct {
	RunID     string    `json:"run_id"`
	Feature   string    `json:"feature"`
	Workdir   string    `json:"workdir"`
	Required  []string  `json:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// Selector picks the required workers for a feature from the roster.
// It is a collaborator of the coordinator, not part of it: anything
// that can map a feature to role names can drive a run.
type Selector func(feature string, tpl *roster.Template) ([]string, error)

// All requires every non-optional roster role. The default selector
// when no plan document is given.
func All(feature string, tpl *roster.Template) ([]string, error) {
	var required []string
	for _, role := range tpl.Roles() {
		if !role.Optional {
			required = append(required, role.Name)
		}
	}
	return required, nil
}

// FromChecklist returns a selector that reads a markdown plan document.
func FromChecklist(path string) Selector {
	return func(feature string, tpl *roster.Template) ([]string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plan document: %w", err)
		}
		return ParseChecklist(data, tpl)
	}
}

// New builds a plan, normalizing the required set to template order.
func New(runID, feature, workdir string, required []string, tpl *roster.Template) (*Plan, error) {
	seen := make(map[string]bool, len(required))
	var normalized []string
	for _, name := range required {
		if tpl.Position(name) < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		normalized = append(normalized, name)
	}
	sort.Slice(normalized, func(i, j int) bool {
		return tpl.Position(normalized[i]) < tpl.Position(normalized[j])
	})

	return &Plan{
		RunID:     runID,
		Feature:   feature,
		Workdir:   workdir,
		Required:  normalized,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Requires reports whether the plan selects a worker.
func (p *Plan) Requires(name string) bool {
	for _, r := range p.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Save writes the plan through a temp file and rename.
func (p *Plan) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename plan: %w", err)
	}
	return nil
}

// Load reads a persisted plan.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if p.RunID == "" {
		return nil, fmt.Errorf("plan has no run ID")
	}
	return &p, nil
}
