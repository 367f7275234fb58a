package subagent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

// Assembler merges section outputs into the final document, or revises an
// existing artifact against the latest instructions. Assembly itself never
// calls the model; only the revise path does, and it keeps the prior
// document when generation is unavailable.
type Assembler struct {
	client generate.Client
}

// NewAssembler creates the assembler over a generation client
func NewAssembler(client generate.Client) *Assembler {
	return &Assembler{client: client}
}

func (a *Assembler) Manifest() Manifest {
	return Manifest{
		ID:           IDAssembler,
		Produces:     "document",
		Consumes:     []string{KindSection, KindResearch},
		Capabilities: []string{"assembly", "revision"},
		Version:      "1.0.0",
	}
}

func (a *Assembler) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.Emit(StageContext, map[string]any{"step": req.StepID, "subagent": IDAssembler})

	if req.Prior != nil {
		return a.revise(ctx, req, emit)
	}
	return a.assemble(req, emit)
}

// assemble concatenates section and research outputs in template order under
// a document heading. Deterministic construction, reported as fallback.
func (a *Assembler) assemble(req Request, emit Emitter) (*Result, error) {
	sections := orderedSections(req)
	research, hasResearch := inputOfKind(req.Inputs, KindResearch)

	researchCount := 0
	if hasResearch {
		researchCount = 1
	}
	emit.Emit(StageGeneration, map[string]any{
		"step":     req.StepID,
		"sections": len(sections),
		"research": researchCount,
	})

	parts := make([]string, 0, len(sections)+1)
	for _, section := range sections {
		if text := strings.TrimSpace(section.Content); text != "" {
			parts = append(parts, text)
		}
	}
	if hasResearch {
		if text := strings.TrimSpace(research.Content); text != "" {
			parts = append(parts, text)
		}
	}

	content := fmt.Sprintf("# %s\n\n%s\n", documentTitle(req), strings.Join(parts, "\n\n"))

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  len(parts),
		"strategy": StrategyFallback,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    req.Produces,
			Title:   documentTitle(req),
			Content: content,
		},
		Metadata: map[string]any{"parts": len(parts), "strategy": StrategyFallback},
		Strategy: StrategyFallback,
	}, nil
}

// revise rewrites the prior artifact against the latest user instructions
func (a *Assembler) revise(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	instructions := lastUserMessage(req.Messages)

	emit.Emit(StageGeneration, map[string]any{
		"step":       req.StepID,
		"priorBytes": len(req.Prior.Content),
	})

	content, usage, strategy, err := a.reviseContent(ctx, req, instructions)
	if err != nil {
		return nil, err
	}

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  1,
		"strategy": strategy,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    req.Produces,
			Title:   documentTitle(req),
			Content: content,
		},
		Metadata: map[string]any{"revised": strategy == StrategyModel, "strategy": strategy},
		Usage:    usage,
		Strategy: strategy,
	}, nil
}

func (a *Assembler) reviseContent(ctx context.Context, req Request, instructions string) (string, generate.Usage, string, error) {
	result, err := a.client.Complete(ctx, generate.Request{
		System:      systemPrompt(req.Template),
		Prompt:      revisionPrompt(req.Prior.Content, instructions),
		Model:       req.Settings.Model,
		Temperature: req.Settings.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", generate.Usage{}, "", err
		}
		// Keep the existing document rather than failing the run
		return req.Prior.Content, generate.Usage{}, StrategyFallback, nil
	}

	content := strings.TrimSpace(result.Text)
	if content == "" {
		return req.Prior.Content, result.Usage, StrategyFallback, nil
	}
	return content, result.Usage, StrategyModel, nil
}

func revisionPrompt(prior, instructions string) string {
	var b strings.Builder
	b.WriteString("Revise the document below.\n")
	if instructions != "" {
		fmt.Fprintf(&b, "\nInstructions: %s\n", instructions)
	}
	fmt.Fprintf(&b, "\n---\n\n%s\n\n---\n", prior)
	b.WriteString("\nReturn the complete revised document as markdown.")
	return b.String()
}

// orderedSections collects section artifacts from the step inputs in
// template order; artifacts for sections the template does not know sort by
// section id after the known ones
func orderedSections(req Request) []Artifact {
	bySection := make(map[string]Artifact)
	var unknown []Artifact
	for _, artifact := range req.Inputs {
		if artifact.Kind != KindSection && artifact.Kind != req.Kind {
			continue
		}
		if artifact.Section == "" {
			continue
		}
		bySection[artifact.Section] = artifact
	}

	var ordered []Artifact
	if req.Template != nil {
		for _, section := range req.Template.Sections {
			if artifact, ok := bySection[section.ID]; ok {
				ordered = append(ordered, artifact)
				delete(bySection, section.ID)
			}
		}
	}
	for _, artifact := range bySection {
		unknown = append(unknown, artifact)
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i].Section < unknown[j].Section })
	return append(ordered, unknown...)
}

func inputOfKind(inputs map[string]Artifact, kind string) (Artifact, bool) {
	for _, artifact := range inputs {
		if artifact.Kind == kind {
			return artifact, true
		}
	}
	return Artifact{}, false
}

func documentTitle(req Request) string {
	if req.Template != nil && req.Template.Title != "" {
		return req.Template.Title
	}
	return titleFor(req.Kind)
}
