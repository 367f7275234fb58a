// Package event defines the normalized stream event variant and the rules
// for applying events to run records. Upstream payloads arrive in whatever
// shape the generation backend produces; Normalize is the single place that
// maps those shapes into the fixed variant, so downstream code works with
// one form only.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Docfold-Labs/docfold/internal/run"
)

// Type tags the normalized event variant
type Type string

const (
	// TypeProgress carries an opaque progress payload, optionally with usage
	TypeProgress Type = "progress"
	// TypeClarification pauses the run on a question for the caller
	TypeClarification Type = "clarification"
	// TypeComplete carries the final artifact
	TypeComplete Type = "complete"
	// TypePendingApproval pauses the run on an approval checkpoint
	TypePendingApproval Type = "pending-approval"
	// TypeError terminates the run with a message
	TypeError Type = "error"
)

// Known reports whether t is one of the recognized stream event types
func (t Type) Known() bool {
	switch t {
	case TypeProgress, TypeClarification, TypeComplete, TypePendingApproval, TypeError:
		return true
	default:
		return false
	}
}

// Event is the normalized form of one upstream stream event. Payload keeps
// the original bytes for relaying and progress history; the remaining fields
// are extracted once here so no other component re-parses upstream JSON.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Usage     *run.Usage      `json:"usage,omitempty"`
	Plan      json.RawMessage `json:"plan,omitempty"`
	StepID    string          `json:"stepId,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// envelope covers every field any upstream payload shape may carry. Absent
// fields simply stay zero.
type envelope struct {
	Artifact json.RawMessage `json:"artifact"`
	Metadata json.RawMessage `json:"metadata"`
	Plan     json.RawMessage `json:"plan"`
	StepID   string          `json:"stepId"`
	Mode     string          `json:"mode"`
	Error    string          `json:"error"`
	Usage    *wireUsage      `json:"usage"`
}

// metadataEnvelope is the slice of metadata the store cares about. Backends
// disagree on the usage key, so both spellings are accepted.
type metadataEnvelope struct {
	Usage      *wireUsage `json:"usage"`
	TokenUsage *wireUsage `json:"tokenUsage"`
}

// wireUsage tolerates the token-count field names used by different
// generation backends
type wireUsage struct {
	InputTokens      *int64   `json:"inputTokens"`
	OutputTokens     *int64   `json:"outputTokens"`
	PromptTokens     *int64   `json:"promptTokens"`
	CompletionTokens *int64   `json:"completionTokens"`
	TotalTokens      *int64   `json:"totalTokens"`
	CostUSD          *float64 `json:"costUsd"`
}

func (w *wireUsage) toUsage() *run.Usage {
	if w == nil {
		return nil
	}
	usage := &run.Usage{}
	if w.InputTokens != nil {
		usage.InputTokens = *w.InputTokens
	} else if w.PromptTokens != nil {
		usage.InputTokens = *w.PromptTokens
	}
	if w.OutputTokens != nil {
		usage.OutputTokens = *w.OutputTokens
	} else if w.CompletionTokens != nil {
		usage.OutputTokens = *w.CompletionTokens
	}
	if w.TotalTokens != nil {
		usage.TotalTokens = *w.TotalTokens
	} else {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if w.CostUSD != nil {
		usage.CostUSD = *w.CostUSD
	}
	return usage
}

// Normalize maps one raw frame into the internal event variant. The frame
// name must be a known type and the payload must be valid JSON; anything
// else is an error so the caller can log and skip the frame.
func Normalize(runID, name string, payload []byte) (Event, error) {
	eventType := Type(strings.TrimSpace(name))
	if !eventType.Known() {
		return Event{}, fmt.Errorf("unknown event type %q", name)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return Event{}, fmt.Errorf("event %q payload is not valid JSON", eventType)
	}

	ev := Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      eventType,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}

	var env envelope
	// Payloads may be any JSON value; non-object payloads carry no
	// extractable fields
	_ = json.Unmarshal(payload, &env)

	switch eventType {
	case TypeProgress:
		ev.Usage = usageFromMetadata(env.Metadata)
		if ev.Usage == nil {
			ev.Usage = env.Usage.toUsage()
		}

	case TypeComplete:
		if env.Artifact != nil {
			ev.Artifact = env.Artifact
		} else {
			// No artifact field: the payload itself is the artifact
			ev.Artifact = json.RawMessage(payload)
		}
		if env.Metadata != nil {
			ev.Metadata = env.Metadata
			ev.Usage = usageFromMetadata(env.Metadata)
		}

	case TypePendingApproval:
		ev.Plan = env.Plan
		ev.StepID = env.StepID
		ev.Mode = env.Mode

	case TypeError:
		ev.Message = env.Error
		if ev.Message == "" {
			ev.Message = "Unknown error"
		}
	}

	return ev, nil
}

func usageFromMetadata(metadata json.RawMessage) *run.Usage {
	if metadata == nil {
		return nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(metadata, &env); err != nil {
		return nil
	}
	if env.Usage != nil {
		return env.Usage.toUsage()
	}
	return env.TokenUsage.toUsage()
}
