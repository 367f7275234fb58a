// Package generate defines the language-model client contract shared by the
// document sub-agents. Concrete providers live in the anthropic and openai
// subpackages; Static serves offline runs and tests.
package generate

import (
	"context"
	"encoding/json"
	"errors"
)

// DefaultSchemaName is the tool name adapters force when a request carries a
// schema but no name of its own.
const DefaultSchemaName = "emit"

// ErrUnavailable marks generation failures callers may recover from with a
// deterministic fallback: unreachable providers, missing credentials,
// provider-side errors.
var ErrUnavailable = errors.New("generation unavailable")

// Request describes a single completion call.
type Request struct {
	// System is the system prompt; empty omits it
	System string

	// Prompt is the user message
	Prompt string

	// Schema, when set, forces structured output matching this JSON schema
	Schema map[string]any

	// SchemaName names the forced tool call; empty uses DefaultSchemaName
	SchemaName string

	// Model overrides the adapter default when non-empty
	Model string

	// Temperature overrides the adapter default when set
	Temperature *float64

	// MaxTokens overrides the adapter default when positive
	MaxTokens int64
}

// Result is a completed generation.
type Result struct {
	// Text is the concatenated text output
	Text string

	// Object holds the structured output; nil unless the request carried
	// a schema
	Object json.RawMessage

	// Usage reports provider token counts for the call
	Usage Usage
}

// Usage counts tokens consumed by a single call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another call's counts
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Client is the single entry point sub-agents use to call a language model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
