// Package run holds the run lifecycle store and its state machine. A run is
// one end-to-end execution of a document-generation request; its record
// accumulates progress events, the computed plan, approval state, and the
// final artifact as the stream relay applies events to it.
package run

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a run
type Status string

const (
	// StatusPending indicates the run is created but not yet started
	StatusPending Status = "pending"
	// StatusRunning indicates the run is actively executing
	StatusRunning Status = "running"
	// StatusAwaitingInput indicates the run is paused on a clarification
	StatusAwaitingInput Status = "awaiting-input"
	// StatusPendingApproval indicates the run is paused on an approval checkpoint
	StatusPendingApproval Status = "pending-approval"
	// StatusCompleted indicates the run finished successfully
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run terminated with an error
	StatusFailed Status = "failed"
)

// Terminal returns true when no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo checks if a status transition is valid
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		return target == StatusAwaitingInput || target == StatusPendingApproval ||
			target == StatusCompleted || target == StatusFailed
	case StatusAwaitingInput:
		return target == StatusRunning || target == StatusFailed
	case StatusPendingApproval:
		return target == StatusRunning || target == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// Artifact kinds a run can produce
const (
	KindPRD      = "prd"
	KindPersona  = "persona"
	KindStoryMap = "story-map"
	KindPrompt   = "prompt"
)

// ValidKind reports whether k names a supported artifact kind
func ValidKind(k string) bool {
	switch k {
	case KindPRD, KindPersona, KindStoryMap, KindPrompt:
		return true
	default:
		return false
	}
}

// Approval modes accepted on a request. "auto" skips all checkpoints,
// "plan" gates the plan itself, "steps" additionally gates designated
// sub-agent steps.
const (
	ApprovalAuto  = "auto"
	ApprovalPlan  = "plan"
	ApprovalSteps = "steps"
)

// ArtifactRef attaches an existing artifact to a conversation message so a
// follow-up run can edit it instead of writing from scratch
type ArtifactRef struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Message is one turn of the product conversation driving the run
type Message struct {
	Role     string       `json:"role"`
	Content  string       `json:"content"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// Settings carries per-run generation preferences
type Settings struct {
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	ApprovalMode string   `json:"approvalMode,omitempty"`
}

// Request is the validated input that created the run. Immutable after
// creation.
type Request struct {
	ArtifactKind   string         `json:"artifactKind"`
	Messages       []Message      `json:"messages"`
	Settings       Settings       `json:"settings"`
	TargetSections []string       `json:"targetSections,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Usage tracks token and cost totals for a run
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Record is the stored state of a single run. Progress is append-only; the
// nullable fields are last-write-wins and stay untouched unless an update
// names them.
type Record struct {
	ID            string            `json:"id"`
	ArtifactKind  string            `json:"artifactKind"`
	Status        Status            `json:"status"`
	Request       Request           `json:"request"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Progress      []json.RawMessage `json:"progress"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	Usage         *Usage            `json:"usage,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         *string           `json:"error,omitempty"`
	Clarification json.RawMessage   `json:"clarification,omitempty"`
	Plan          json.RawMessage   `json:"plan,omitempty"`
	ApprovalURL   *string           `json:"approvalUrl,omitempty"`
	ApprovalMode  *string           `json:"approvalMode,omitempty"`
}

// Clone returns a copy of the record safe for callers to hold. The progress
// slice is copied; payload bytes are shared and treated as read-only.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Progress != nil {
		clone.Progress = make([]json.RawMessage, len(r.Progress))
		copy(clone.Progress, r.Progress)
	}
	if r.Usage != nil {
		usage := *r.Usage
		clone.Usage = &usage
	}
	if r.Error != nil {
		errStr := *r.Error
		clone.Error = &errStr
	}
	if r.ApprovalURL != nil {
		url := *r.ApprovalURL
		clone.ApprovalURL = &url
	}
	if r.ApprovalMode != nil {
		mode := *r.ApprovalMode
		clone.ApprovalMode = &mode
	}
	return &clone
}

// NewID generates a unique identifier with the given prefix
func NewID(prefix string) string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fall back to timestamp-based ID
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(bytes))
}
