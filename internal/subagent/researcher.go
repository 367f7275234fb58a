package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

const researcherSystem = "You research user personas for a product. Derive distinct, plausible " +
	"personas from the analysis you are given. Never invent demographic detail the context " +
	"does not support."

var personaSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"personas": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":         map[string]any{"type": "string"},
					"role":         map[string]any{"type": "string"},
					"goals":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"frustrations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"name", "role"},
			},
		},
	},
	"required": []string{"personas"},
}

// Persona is one researched user persona.
type Persona struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Goals        []string `json:"goals,omitempty"`
	Frustrations []string `json:"frustrations,omitempty"`
}

// PersonaResearcher derives user personas from the context analysis. When
// generation is unavailable it constructs a minimal persona set
// deterministically so the run can still complete.
type PersonaResearcher struct {
	client generate.Client
}

// NewPersonaResearcher creates the researcher over a generation client
func NewPersonaResearcher(client generate.Client) *PersonaResearcher {
	return &PersonaResearcher{client: client}
}

func (r *PersonaResearcher) Manifest() Manifest {
	return Manifest{
		ID:           IDPersonaResearcher,
		Produces:     KindResearch,
		Consumes:     []string{KindAnalysis},
		Capabilities: []string{"research", "fallback"},
		Version:      "1.0.0",
	}
}

func (r *PersonaResearcher) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.Emit(StageContext, map[string]any{"step": req.StepID, "subagent": IDPersonaResearcher})

	analysis := AnalysisFrom(req.Inputs)
	applyContextOverrides(&analysis, req.Context)

	audienceCount := 0
	if analysis.Audience != "" {
		audienceCount = 1
	}
	emit.Emit(StageGeneration, map[string]any{
		"step":     req.StepID,
		"topics":   len(analysis.Topics),
		"audience": audienceCount,
	})

	personas, usage, strategy, err := r.research(ctx, req, analysis)
	if err != nil {
		return nil, err
	}

	object, err := json.Marshal(map[string]any{"personas": personas})
	if err != nil {
		return nil, fmt.Errorf("encode personas: %w", err)
	}

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  len(personas),
		"strategy": strategy,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    KindResearch,
			Title:   "Persona research",
			Content: renderPersonas(personas),
			Object:  object,
		},
		Metadata: map[string]any{"personas": len(personas), "strategy": strategy},
		Usage:    usage,
		Strategy: strategy,
	}, nil
}

func (r *PersonaResearcher) research(ctx context.Context, req Request, analysis Analysis) ([]Persona, generate.Usage, string, error) {
	result, err := r.client.Complete(ctx, generate.Request{
		System:      researcherSystem,
		Prompt:      personaPrompt(analysis),
		Schema:      personaSchema,
		SchemaName:  "personas",
		Model:       req.Settings.Model,
		Temperature: req.Settings.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, generate.Usage{}, "", err
		}
		return fallbackPersonas(analysis), generate.Usage{}, StrategyFallback, nil
	}

	var out struct {
		Personas []Persona `json:"personas"`
	}
	if err := json.Unmarshal(result.Object, &out); err != nil || len(out.Personas) == 0 {
		return fallbackPersonas(analysis), result.Usage, StrategyFallback, nil
	}
	return out.Personas, result.Usage, StrategyModel, nil
}

func personaPrompt(analysis Analysis) string {
	var b strings.Builder
	b.WriteString("Derive the user personas for this product.\n")
	if analysis.Summary != "" {
		fmt.Fprintf(&b, "\nProduct: %s\n", analysis.Summary)
	}
	if analysis.Audience != "" {
		fmt.Fprintf(&b, "\nKnown audience: %s\n", analysis.Audience)
	}
	if len(analysis.Topics) > 0 {
		b.WriteString("\nWhat they care about:\n")
		for _, topic := range analysis.Topics {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
	}
	return b.String()
}

// fallbackPersonas builds a minimal persona set from the analysis alone,
// keeping the artifact shape identical to the model-backed path.
func fallbackPersonas(analysis Analysis) []Persona {
	role := firstNonEmpty(analysis.Audience, "End user")
	goals := analysis.Topics
	if len(goals) == 0 && analysis.Summary != "" {
		goals = []string{analysis.Summary}
	}
	if len(goals) > 3 {
		goals = goals[:3]
	}
	return []Persona{
		{Name: "Primary User", Role: role, Goals: goals, Frustrations: analysis.Constraints},
		{Name: "Evaluating Stakeholder", Role: "Decision maker", Goals: []string{"Understand the value before committing"}},
	}
}

func renderPersonas(personas []Persona) string {
	var b strings.Builder
	b.WriteString("## Personas\n")
	for _, p := range personas {
		fmt.Fprintf(&b, "\n### %s\n\n**Role:** %s\n", p.Name, p.Role)
		if len(p.Goals) > 0 {
			b.WriteString("\n**Goals**\n\n")
			for _, goal := range p.Goals {
				fmt.Fprintf(&b, "- %s\n", goal)
			}
		}
		if len(p.Frustrations) > 0 {
			b.WriteString("\n**Frustrations**\n\n")
			for _, frustration := range p.Frustrations {
				fmt.Fprintf(&b, "- %s\n", frustration)
			}
		}
	}
	return b.String()
}
