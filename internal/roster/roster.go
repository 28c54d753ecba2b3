// Package roster defines the worker role catalog: which agent roles
// exist, what command runs each one, and the fixed dependency topology
// between them. Plans select from the roster; they never reshape it.
package roster

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so roster files can say "30m" or "1h15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("roster: duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("roster: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Role is one worker type in the catalog.
type Role struct {
	// Name is the worker ID used in plans, status files and reports.
	Name string `yaml:"name"`

	// Command and Args launch the worker process.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	// DependsOn lists roles that must complete first. Every entry must
	// appear earlier in the roster, which keeps the catalog a valid
	// topological order by construction.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// MaxDuration overrides the configured per-worker timeout. Zero
	// means use the default.
	MaxDuration Duration `yaml:"max_duration,omitempty"`

	// Optional roles are left out when no plan document is given.
	Optional bool `yaml:"optional,omitempty"`

	// Position is the role's index in the catalog. Assigned on load.
	Position int `yaml:"-"`
}

// Timeout returns the role's deadline, falling back to def.
func (r Role) Timeout(def time.Duration) time.Duration {
	if r.MaxDuration > 0 {
		return time.Duration(r.MaxDuration)
	}
	return def
}

// Template is the ordered role catalog.
type Template struct {
	roles  []Role
	byName map[string]int
}

// New validates a role list and builds the catalog. Roles must have
// unique names and may only depend on roles defined earlier.
func New(roles []Role) (*Template, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("roster: no roles defined")
	}
	byName := make(map[string]int, len(roles))
	for i, role := range roles {
		if role.Name == "" {
			return nil, fmt.Errorf("roster: role %d has no name", i)
		}
		if role.Command == "" {
			return nil, fmt.Errorf("roster: role %s has no command", role.Name)
		}
		if _, dup := byName[role.Name]; dup {
			return nil, fmt.Errorf("roster: duplicate role %s", role.Name)
		}
		for _, dep := range role.DependsOn {
			if dep == role.Name {
				return nil, fmt.Errorf("roster: role %s depends on itself", role.Name)
			}
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("roster: role %s depends on %s, which is not defined earlier in the roster", role.Name, dep)
			}
		}
		role.Position = i
		roles[i] = role
		byName[role.Name] = i
	}
	return &Template{roles: roles, byName: byName}, nil
}

// Default is the built-in engineering team. Commands launch the bundled
// simulator so a fresh install can run end to end; real deployments
// override the catalog with a roster file.
func Default() *Template {
	simulate := func(name string) Role {
		return Role{
			Name:    name,
			Command: "crew",
			Args:    []string{"worker", "simulate", "--role", name},
		}
	}

	roles := []Role{
		simulate("test_engineer"),
		simulate("db_engineer"),
		simulate("backend_dev"),
		simulate("frontend_dev"),
		simulate("e2e_tester"),
		simulate("qa_engineer"),
	}
	roles[1].DependsOn = []string{"test_engineer"}
	roles[2].DependsOn = []string{"test_engineer", "db_engineer"}
	roles[3].DependsOn = []string{"backend_dev"}
	roles[4].DependsOn = []string{"backend_dev", "frontend_dev"}
	roles[5].DependsOn = []string{"test_engineer", "db_engineer", "backend_dev", "frontend_dev", "e2e_tester"}

	t, err := New(roles)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in roster: %v", err))
	}
	return t
}

// Roles returns the catalog in template order.
func (t *Template) Roles() []Role {
	out := make([]Role, len(t.roles))
	copy(out, t.roles)
	return out
}

// Names returns role names in template order.
func (t *Template) Names() []string {
	names := make([]string, len(t.roles))
	for i, r := range t.roles {
		names[i] = r.Name
	}
	return names
}

// Get looks a role up by name.
func (t *Template) Get(name string) (Role, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Role{}, false
	}
	return t.roles[i], true
}

// Position returns the template index for a role, -1 when unknown.
func (t *Template) Position(name string) int {
	i, ok := t.byName[name]
	if !ok {
		return -1
	}
	return i
}

// Len returns the number of roles.
func (t *Template) Len() int {
	return len(t.roles)
}
