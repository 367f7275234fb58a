package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/template"
)

// SectionWriter drafts one template section as markdown. It has no
// deterministic fallback: prose cannot be fabricated, so generation failures
// propagate as the run's terminal error.
type SectionWriter struct {
	client generate.Client
}

// NewSectionWriter creates the writer over a generation client
func NewSectionWriter(client generate.Client) *SectionWriter {
	return &SectionWriter{client: client}
}

func (w *SectionWriter) Manifest() Manifest {
	return Manifest{
		ID:           IDSectionWriter,
		Produces:     KindSection,
		Consumes:     []string{KindAnalysis},
		Capabilities: []string{"markdown"},
		Version:      "1.0.0",
	}
}

func (w *SectionWriter) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.Emit(StageContext, map[string]any{"step": req.StepID, "subagent": IDSectionWriter})

	analysis := AnalysisFrom(req.Inputs)
	section := sectionDefinition(req)

	emit.Emit(StageGeneration, map[string]any{
		"step":        req.StepID,
		"section":     section.ID,
		"topics":      len(analysis.Topics),
		"constraints": len(analysis.Constraints),
	})

	result, err := w.client.Complete(ctx, generate.Request{
		System:      systemPrompt(req.Template),
		Prompt:      writerPrompt(section, analysis),
		Model:       req.Settings.Model,
		Temperature: req.Settings.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("write section %q: %w", section.ID, err)
	}

	content := strings.TrimSpace(result.Text)
	if !strings.HasPrefix(content, "#") {
		content = fmt.Sprintf("## %s\n\n%s", section.Title, content)
	}

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  1,
		"strategy": StrategyModel,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    req.Produces,
			Title:   section.Title,
			Section: section.ID,
			Content: content,
		},
		Metadata: map[string]any{"section": section.ID, "strategy": StrategyModel},
		Usage:    result.Usage,
		Strategy: StrategyModel,
	}, nil
}

// sectionDefinition resolves the step's section from the template, falling
// back to a title derived from the id when the template does not know it
func sectionDefinition(req Request) template.Section {
	if req.Template != nil {
		if section, ok := req.Template.Section(req.Section); ok {
			return section
		}
	}
	return template.Section{ID: req.Section, Title: titleFor(req.Section)}
}

func systemPrompt(def *template.Definition) string {
	if def != nil && def.SystemPrompt != "" {
		return def.SystemPrompt
	}
	return "You write clear, specific product documentation in markdown."
}

func writerPrompt(section template.Section, analysis Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %q section.\n", section.Title)
	if section.Guidance != "" {
		fmt.Fprintf(&b, "\nGuidance: %s\n", section.Guidance)
	}
	if analysis.Summary != "" {
		fmt.Fprintf(&b, "\nContext: %s\n", analysis.Summary)
	}
	if analysis.Audience != "" {
		fmt.Fprintf(&b, "\nAudience: %s\n", analysis.Audience)
	}
	if len(analysis.Topics) > 0 {
		b.WriteString("\nTopics to cover:\n")
		for _, topic := range analysis.Topics {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
	}
	if len(analysis.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, constraint := range analysis.Constraints {
			fmt.Fprintf(&b, "- %s\n", constraint)
		}
	}
	b.WriteString("\nReturn only the section markdown, starting with a \"##\" heading.")
	return b.String()
}
