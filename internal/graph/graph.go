// Package graph evaluates launch readiness over the roster topology.
// The graph is a pure function of the plan and the roster: it owns no
// clock and no state, so every decision is replayable from a status
// snapshot.
package graph

import (
	"fmt"

	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/roster"
	"github.com/avhart/crew/internal/status"
)

// Graph is the dependency view for one run: the roster topology
// filtered down to the workers the plan requires. Roster roles the
// plan leaves out are skipped, and a skipped dependency counts as
// satisfied.
type Graph struct {
	required []string
	skipped  []string
	isReq    map[string]bool
	deps     map[string][]string
	position map[string]int
}

// Build filters the roster topology by the plan.
func Build(p *plan.Plan, tpl *roster.Template) (*Graph, error) {
	g := &Graph{
		isReq:    make(map[string]bool, len(p.Required)),
		deps:     make(map[string][]string, len(p.Required)),
		position: make(map[string]int, tpl.Len()),
	}

	for _, name := range p.Required {
		role, ok := tpl.Get(name)
		if !ok {
			return nil, fmt.Errorf("plan requires %s, which the roster does not define", name)
		}
		g.isReq[name] = true
		g.deps[name] = role.DependsOn
	}

	for i, name := range tpl.Names() {
		g.position[name] = i
		if g.isReq[name] {
			g.required = append(g.required, name)
		} else {
			g.skipped = append(g.skipped, name)
		}
	}
	return g, nil
}

// Required returns the plan's workers in template order.
func (g *Graph) Required() []string {
	out := make([]string, len(g.required))
	copy(out, g.required)
	return out
}

// Skipped returns the roster roles the plan left out, in template order.
func (g *Graph) Skipped() []string {
	out := make([]string, len(g.skipped))
	copy(out, g.skipped)
	return out
}

// depSatisfied reports whether a single dependency edge is met: the
// dependency is skipped, or it is required and completed.
func (g *Graph) depSatisfied(dep string, snap status.Snapshot) bool {
	if !g.isReq[dep] {
		return true
	}
	return snap.State(dep) == status.StateCompleted
}

// Ready returns the required workers that are pending with every
// dependency satisfied, in template order. The order is deterministic
// for identical snapshots; callers own the not-yet-launched bookkeeping.
func (g *Graph) Ready(snap status.Snapshot) []string {
	var ready []string
	for _, name := range g.required {
		if snap.State(name) != status.StatePending {
			continue
		}
		ok := true
		for _, dep := range g.deps[name] {
			if !g.depSatisfied(dep, snap) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Terminal reports whether every required worker reached a final state.
func (g *Graph) Terminal(snap status.Snapshot) bool {
	return snap.Terminal(g.required)
}

// Failed returns the required workers in error state, in template order.
func (g *Graph) Failed(snap status.Snapshot) []string {
	return snap.Failed(g.required)
}

// HasFatalFailure reports whether any required worker failed, which
// makes completing the full plan impossible.
func (g *Graph) HasFatalFailure(snap status.Snapshot) bool {
	return len(g.Failed(snap)) > 0
}

// Blocked returns pending workers that can never become ready because a
// transitive dependency failed, in template order. Template order is a
// topological order, so one forward pass settles transitivity.
func (g *Graph) Blocked(snap status.Snapshot) []string {
	byDep := g.BlockedBy(snap)
	var blocked []string
	for _, name := range g.required {
		if _, ok := byDep[name]; ok {
			blocked = append(blocked, name)
		}
	}
	return blocked
}

// BlockedBy maps each blocked worker to the dependency that dooms it:
// the failed one, or the nearest doomed one on the path to the failure.
func (g *Graph) BlockedBy(snap status.Snapshot) map[string]string {
	doomed := make(map[string]string, len(g.required))
	for _, name := range g.required {
		if snap.State(name) != status.StatePending {
			continue
		}
		for _, dep := range g.deps[name] {
			if !g.isReq[dep] {
				continue
			}
			if snap.State(dep) == status.StateError || doomed[dep] != "" {
				doomed[name] = dep
				break
			}
		}
	}
	return doomed
}
