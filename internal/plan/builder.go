package plan

import (
	"fmt"

	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/template"
)

// Well-known step ids. Writers get "write-<section>" ids derived from the
// template.
const (
	StepAnalyzeContext = "analyze-context"
	StepReviseDocument = "revise-document"
	StepAssemble       = "assemble-document"
)

// WriterStepID returns the step id for the writer of a section
func WriterStepID(section string) string {
	return "write-" + section
}

// ResearchStepID returns the step id for a kind's research sub-agent step
func ResearchStepID(kind string) string {
	return "research-" + kind
}

// Builder derives plans from run requests using the loaded artifact
// templates. CreatePlan is a pure function of the request: the same request
// always yields the same graph.
type Builder struct {
	templates *template.Registry
}

// NewBuilder creates a plan builder over a template registry
func NewBuilder(templates *template.Registry) *Builder {
	return &Builder{templates: templates}
}

// CreatePlan builds the step graph for a request.
//
// Every plan starts at a context-analysis entry step. After that:
//
//   - a conversation carrying an existing artifact of the requested kind
//     gets a single revise step
//   - a kind with a research sub-agent gets research then assembly
//   - one target section gets a single writer step producing the document
//   - several target sections fan out into writers plus an assembly step
//
// A request no nodes can be derived from yields an empty graph, which
// executes as an immediate completion with no artifact.
func (b *Builder) CreatePlan(req run.Request) Plan {
	def, ok := b.templates.Get(req.ArtifactKind)
	if !ok || len(req.Messages) == 0 {
		return Plan{}
	}

	nodes := map[string]Node{
		StepAnalyzeContext: {
			Subagent: "context-analyzer",
			Produces: "analysis",
		},
	}
	plan := Plan{EntryID: StepAnalyzeContext, Nodes: nodes}

	if hasArtifactOfKind(req.Messages, req.ArtifactKind) {
		nodes[StepReviseDocument] = Node{
			Subagent:  def.Assembler,
			DependsOn: []string{StepAnalyzeContext},
			Produces:  req.ArtifactKind,
		}
		return plan
	}

	if def.Researcher != "" {
		researchID := ResearchStepID(req.ArtifactKind)
		nodes[researchID] = Node{
			Subagent:  def.Researcher,
			DependsOn: []string{StepAnalyzeContext},
			Produces:  "research",
			Approval:  def.ResearchApproval,
		}
		nodes[StepAssemble] = Node{
			Subagent:  def.Assembler,
			DependsOn: []string{researchID},
			Produces:  req.ArtifactKind,
		}
		return plan
	}

	sections := targetSections(def, req.TargetSections)
	switch len(sections) {
	case 0:
		// Nothing derivable from this request
		return Plan{}

	case 1:
		nodes[WriterStepID(sections[0])] = Node{
			Subagent:  def.Writer,
			DependsOn: []string{StepAnalyzeContext},
			Produces:  req.ArtifactKind,
			Section:   sections[0],
		}
		return plan

	default:
		writerIDs := make([]string, 0, len(sections))
		for _, section := range sections {
			id := WriterStepID(section)
			nodes[id] = Node{
				Subagent:  def.Writer,
				DependsOn: []string{StepAnalyzeContext},
				Produces:  "section",
				Section:   section,
			}
			writerIDs = append(writerIDs, id)
		}
		nodes[StepAssemble] = Node{
			Subagent:  def.Assembler,
			DependsOn: writerIDs,
			Produces:  req.ArtifactKind,
		}
		return plan
	}
}

// targetSections filters the requested sections down to the ones the
// template knows, preserving template order. An empty request selects all
// template sections.
func targetSections(def *template.Definition, requested []string) []string {
	if len(requested) == 0 {
		return def.SectionIDs()
	}
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	var sections []string
	for _, section := range def.Sections {
		if want[section.ID] {
			sections = append(sections, section.ID)
		}
	}
	return sections
}

// hasArtifactOfKind reports whether any conversation message carries an
// existing artifact of the given kind
func hasArtifactOfKind(messages []run.Message, kind string) bool {
	for _, msg := range messages {
		if msg.Artifact != nil && msg.Artifact.Kind == kind {
			return true
		}
	}
	return false
}

// Describe renders a short human-readable summary of a plan, used for
// approval previews
func Describe(p Plan) string {
	if p.Empty() {
		return "empty plan (completes immediately)"
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		return fmt.Sprintf("invalid plan: %v", err)
	}
	summary := fmt.Sprintf("%d steps:", len(order))
	for _, id := range order {
		node := p.Nodes[id]
		summary += fmt.Sprintf("\n  %s (%s)", id, node.Subagent)
		if node.Approval {
			summary += " [approval required]"
		}
	}
	return summary
}
