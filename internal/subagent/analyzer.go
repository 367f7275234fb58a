package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

const analyzerSystem = "You analyze a product conversation and extract the context needed to " +
	"draft a document: a one-paragraph summary, the audience, the main topics, and any " +
	"constraints. Be concrete and terse."

var analysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":     map[string]any{"type": "string", "description": "One paragraph describing what the requester wants"},
		"audience":    map[string]any{"type": "string", "description": "Who the document is for"},
		"topics":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"constraints": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"summary"},
}

// ContextAnalyzer distills the conversation into the structured analysis
// every downstream step consumes. It is the entry step of every plan.
type ContextAnalyzer struct {
	client generate.Client
}

// NewContextAnalyzer creates the analyzer over a generation client
func NewContextAnalyzer(client generate.Client) *ContextAnalyzer {
	return &ContextAnalyzer{client: client}
}

func (a *ContextAnalyzer) Manifest() Manifest {
	return Manifest{
		ID:           IDContextAnalyzer,
		Produces:     KindAnalysis,
		Capabilities: []string{"extraction"},
		Version:      "1.0.0",
	}
}

// Execute resolves the conversation into an Analysis artifact. An empty
// conversation raises NeedInput so the run can ask for a description instead
// of failing.
func (a *ContextAnalyzer) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.Emit(StageContext, map[string]any{"step": req.StepID, "subagent": IDContextAnalyzer})

	userText := userContent(req.Messages)
	if answer, ok := req.Context["clarification"].(string); ok && answer != "" {
		userText = strings.TrimSpace(userText + "\n" + answer)
	}
	if userText == "" {
		return nil, &NeedInput{Question: "Describe the product or feature this document should cover."}
	}

	emit.Emit(StageGeneration, map[string]any{
		"step":        req.StepID,
		"messages":    len(req.Messages),
		"contextKeys": len(req.Context),
	})

	analysis, usage, strategy, err := a.analyze(ctx, req, userText)
	if err != nil {
		return nil, err
	}

	object, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  1,
		"strategy": strategy,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    KindAnalysis,
			Title:   "Context analysis",
			Content: analysis.Summary,
			Object:  object,
		},
		Metadata: map[string]any{"topics": len(analysis.Topics), "strategy": strategy},
		Usage:    usage,
		Strategy: strategy,
	}, nil
}

// analyze asks the model for a structured analysis and falls back to a
// deterministic digest of the conversation when generation is unavailable.
// Cancellation propagates instead of falling back.
func (a *ContextAnalyzer) analyze(ctx context.Context, req Request, userText string) (Analysis, generate.Usage, string, error) {
	result, err := a.client.Complete(ctx, generate.Request{
		System:      analyzerSystem,
		Prompt:      userText,
		Schema:      analysisSchema,
		SchemaName:  "analysis",
		Model:       req.Settings.Model,
		Temperature: req.Settings.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Analysis{}, generate.Usage{}, "", err
		}
		analysis := fallbackAnalysis(userText)
		applyContextOverrides(&analysis, req.Context)
		return analysis, generate.Usage{}, StrategyFallback, nil
	}

	var analysis Analysis
	if err := json.Unmarshal(result.Object, &analysis); err != nil || strings.TrimSpace(analysis.Summary) == "" {
		analysis = fallbackAnalysis(userText)
		applyContextOverrides(&analysis, req.Context)
		return analysis, result.Usage, StrategyFallback, nil
	}
	applyContextOverrides(&analysis, req.Context)
	return analysis, result.Usage, StrategyModel, nil
}

// fallbackAnalysis digests the conversation without a model: the first line
// becomes the summary and bullet lines become topics.
func fallbackAnalysis(userText string) Analysis {
	lines := strings.Split(userText, "\n")
	analysis := Analysis{Summary: strings.TrimSpace(lines[0])}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			if topic := strings.TrimSpace(line[2:]); topic != "" {
				analysis.Topics = append(analysis.Topics, topic)
			}
		}
	}
	return analysis
}
