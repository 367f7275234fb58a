// Package plan models the directed graph of steps a run executes and builds
// that graph deterministically from a run's request.
package plan

import (
	"fmt"
	"sort"
)

// Node describes one step: the subagent that runs it, the steps whose
// outputs it needs, and what it produces.
type Node struct {
	// Subagent is the registry id of the implementation executing this step
	Subagent string `json:"subagent"`

	// DependsOn lists step ids whose results must exist before this step runs
	DependsOn []string `json:"dependsOn,omitempty"`

	// Produces names the artifact kind this step yields
	Produces string `json:"produces"`

	// Section is the target document section for writer steps
	Section string `json:"section,omitempty"`

	// Approval marks the step as a sub-step approval checkpoint
	Approval bool `json:"approval,omitempty"`
}

// Plan is a directed acyclic graph over step identifiers. EntryID names the
// step that begins execution.
type Plan struct {
	EntryID string          `json:"entryId"`
	Nodes   map[string]Node `json:"nodes"`
}

// Empty reports whether the plan has no steps. An empty plan executes as an
// immediate completion with no artifact.
func (p Plan) Empty() bool {
	return len(p.Nodes) == 0
}

// Validate checks graph integrity: the entry exists and has no dependencies,
// every dependency references a known step, and the graph is acyclic. An
// empty plan is valid.
func (p Plan) Validate() error {
	if p.Empty() {
		if p.EntryID != "" {
			return fmt.Errorf("plan: entry %q references no node", p.EntryID)
		}
		return nil
	}

	entry, ok := p.Nodes[p.EntryID]
	if !ok {
		return fmt.Errorf("plan: entry %q not found in nodes", p.EntryID)
	}
	if len(entry.DependsOn) > 0 {
		return fmt.Errorf("plan: entry %q must not have dependencies", p.EntryID)
	}

	for id, node := range p.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := p.Nodes[dep]; !ok {
				return fmt.Errorf("plan: step %q depends on unknown step %q", id, dep)
			}
			if dep == id {
				return fmt.Errorf("plan: step %q depends on itself", id)
			}
		}
	}

	if _, err := p.ExecutionOrder(); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder returns the step ids in an order that satisfies every
// dependency. Ties are broken lexicographically so the order is stable for
// a given plan. Returns an error when the graph contains a cycle.
func (p Plan) ExecutionOrder() ([]string, error) {
	if p.Empty() {
		return nil, nil
	}

	remaining := make(map[string]int, len(p.Nodes))
	dependents := make(map[string][]string, len(p.Nodes))
	for id, node := range p.Nodes {
		remaining[id] = len(node.DependsOn)
		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deps := range remaining {
		if deps == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		unblocked := false
		for _, dependent := range dependents[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
				unblocked = true
			}
		}
		if unblocked {
			sort.Strings(ready)
		}
	}

	if len(order) != len(p.Nodes) {
		return nil, fmt.Errorf("plan: dependency cycle among %d steps", len(p.Nodes)-len(order))
	}
	return order, nil
}
