// Package subagent defines the pluggable step-execution contract and the
// built-in implementations behind plan nodes. A subagent resolves its input
// context, calls the generation client, and reports progress through the
// emitter; it never touches the run store. Store mutation happens downstream
// when the relay interprets the emitted events.
package subagent

import (
	"context"
	"encoding/json"

	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/template"
)

// Built-in subagent ids, matching the references used by plan templates.
const (
	IDContextAnalyzer   = "context-analyzer"
	IDSectionWriter     = "section-writer"
	IDPersonaResearcher = "persona-researcher"
	IDStoryMapper       = "story-mapper"
	IDAssembler         = "assembler"
)

// Intermediate artifact kinds flowing between steps.
const (
	KindAnalysis = "analysis"
	KindSection  = "section"
	KindResearch = "research"
)

// Progress stages every subagent reports through its emitter.
const (
	StageContext    = "context"
	StageGeneration = "generation"
	StageReady      = "ready"
)

// Generation strategies reported on the ready stage.
const (
	StrategyModel    = "model"
	StrategyFallback = "fallback"
)

// Manifest is the static description of a subagent: discovery and
// compatibility checks, not execution.
type Manifest struct {
	ID           string   `json:"id"`
	Produces     string   `json:"produces"`
	Consumes     []string `json:"consumes,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version"`
}

// Request is the execution input for one plan step.
type Request struct {
	// RunID and StepID identify the step for events and logging
	RunID  string
	StepID string

	// Kind is the run's requested artifact kind
	Kind string

	// Produces is the artifact kind the plan expects from this step
	Produces string

	// Section is the template section id for writer steps
	Section string

	// Template is the definition for the run's artifact kind; may be nil
	Template *template.Definition

	// Messages is the run's conversation history
	Messages []run.Message

	// Settings carries per-run generation overrides
	Settings run.Settings

	// Context is the externally supplied context payload, including any
	// clarification answers
	Context map[string]any

	// Inputs holds upstream step outputs keyed by step id
	Inputs map[string]Artifact

	// Prior is the existing artifact when revising
	Prior *run.ArtifactRef
}

// Artifact is one step's output.
type Artifact struct {
	Kind    string          `json:"kind"`
	Title   string          `json:"title,omitempty"`
	Section string          `json:"section,omitempty"`
	Content string          `json:"content,omitempty"`
	Object  json.RawMessage `json:"object,omitempty"`
}

// Result bundles a step's artifact with execution metadata.
type Result struct {
	Artifact Artifact
	Metadata map[string]any
	Usage    generate.Usage
	Strategy string
}

// Emitter receives progress payloads while a step executes. Implementations
// forward them to the run's event stream.
type Emitter interface {
	Emit(stage string, fields map[string]any)
}

// Subagent executes one kind of plan step.
type Subagent interface {
	Manifest() Manifest
	Execute(ctx context.Context, req Request, emit Emitter) (*Result, error)
}

// NeedInput reports that a step cannot proceed without an answer from the
// requester. The engine surfaces it as a clarification event and parks the
// run until an answer arrives.
type NeedInput struct {
	Question string
}

func (e *NeedInput) Error() string {
	return "need input: " + e.Question
}
