// Package approval tracks the checkpoint a run is paused on and validates
// externally submitted decisions against it. Two checkpoint kinds exist:
// plan approval before any step executes, and step approval before a
// flagged sub-agent step. A run waits on at most one checkpoint at a time;
// a decision addressed to the wrong or already-resolved checkpoint is a
// conflict and changes nothing.
package approval

import (
	"errors"
	"sync"
)

// PlanStepID addresses the top-level plan checkpoint.
const PlanStepID = "plan"

// ErrConflict reports a decision for a checkpoint the run is not waiting on.
var ErrConflict = errors.New("no matching approval checkpoint")

// Decision is an externally supplied approval or rejection.
type Decision struct {
	Approved bool   `json:"approved"`
	StepID   string `json:"stepId,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Gate is the checkpoint registry shared by the engine and the HTTP
// surface.
type Gate struct {
	mu      sync.Mutex
	pending map[string]string
}

// NewGate creates an empty gate
func NewGate() *Gate {
	return &Gate{pending: make(map[string]string)}
}

// Arm records that a run is paused waiting for a decision on stepID,
// replacing any previous checkpoint for the run
func (g *Gate) Arm(runID, stepID string) {
	if stepID == "" {
		stepID = PlanStepID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[runID] = stepID
}

// Pending returns the step id the run is waiting on, if any
func (g *Gate) Pending(runID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stepID, ok := g.pending[runID]
	return stepID, ok
}

// Resolve consumes the run's pending checkpoint. An empty stepID addresses
// the plan checkpoint. Returns ErrConflict, without clearing anything, when
// the run has no pending checkpoint or the id names a different one.
func (g *Gate) Resolve(runID, stepID string) error {
	if stepID == "" {
		stepID = PlanStepID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pending[runID]
	if !ok || pending != stepID {
		return ErrConflict
	}
	delete(g.pending, runID)
	return nil
}

// Clear drops any checkpoint for the run, used when a run reaches a
// terminal state through another path
func (g *Gate) Clear(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, runID)
}
