package subagent

import (
	"encoding/json"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/run"
)

// Analysis is the structured output of the context analyzer, consumed by
// every downstream writer.
type Analysis struct {
	Summary     string   `json:"summary"`
	Audience    string   `json:"audience,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// AnalysisFrom decodes the analysis artifact out of upstream step outputs.
// A missing or malformed analysis yields the zero value; writers treat that
// as an empty context rather than an error.
func AnalysisFrom(inputs map[string]Artifact) Analysis {
	for _, artifact := range inputs {
		if artifact.Kind != KindAnalysis || len(artifact.Object) == 0 {
			continue
		}
		var analysis Analysis
		if err := json.Unmarshal(artifact.Object, &analysis); err == nil {
			return analysis
		}
	}
	return Analysis{}
}

// applyContextOverrides merges an externally supplied context payload into
// an analysis. Scalar keys override; list keys append without duplicates.
func applyContextOverrides(analysis *Analysis, payload map[string]any) {
	if payload == nil {
		return
	}
	if v, ok := payload["summary"].(string); ok && v != "" {
		analysis.Summary = v
	}
	if v, ok := payload["audience"].(string); ok && v != "" {
		analysis.Audience = v
	}
	analysis.Topics = appendStrings(analysis.Topics, payload["topics"])
	analysis.Constraints = appendStrings(analysis.Constraints, payload["constraints"])
}

func appendStrings(dst []string, v any) []string {
	items, ok := v.([]any)
	if !ok {
		return dst
	}
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" || seen[s] {
			continue
		}
		dst = append(dst, s)
		seen[s] = true
	}
	return dst
}

// userContent joins the text of every user message in order
func userContent(messages []run.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		if text := strings.TrimSpace(msg.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// lastUserMessage returns the most recent user message text
func lastUserMessage(messages []run.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// titleFor renders a kebab-case identifier as a document heading
func titleFor(id string) string {
	words := strings.Split(id, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
