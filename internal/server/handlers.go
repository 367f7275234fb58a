package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/plan"
	"github.com/Docfold-Labs/docfold/internal/run"
)

const contentTypeJSON = "application/json"

// createRunRequest is the payload accepted by POST /runs.
type createRunRequest struct {
	ArtifactKind   string         `json:"artifactKind"`
	Messages       []run.Message  `json:"messages"`
	Settings       run.Settings   `json:"settings"`
	TargetSections []string       `json:"targetSections,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

func (req *createRunRequest) validate() error {
	if req.ArtifactKind == "" {
		return errors.New("artifactKind is required")
	}
	if !run.ValidKind(req.ArtifactKind) {
		return fmt.Errorf("unsupported artifactKind %q", req.ArtifactKind)
	}
	if len(req.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return fmt.Errorf("message %d is missing a role", i)
		}
	}
	switch req.Settings.ApprovalMode {
	case "", run.ApprovalAuto, run.ApprovalPlan, run.ApprovalSteps:
	default:
		return fmt.Errorf("unsupported approvalMode %q", req.Settings.ApprovalMode)
	}
	return nil
}

// healthHandler responds to GET /health requests with server status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "docfold",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// runsHandler dispatches /runs: GET lists runs, POST creates one
func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w)
	case http.MethodPost:
		s.createRun(w, r)
	default:
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listRuns(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusOK, s.deps.Store.List())
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var payload createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if err := payload.validate(); err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := s.deps.Store.Create(run.Request{
		ArtifactKind:   payload.ArtifactKind,
		Messages:       payload.Messages,
		Settings:       payload.Settings,
		TargetSections: payload.TargetSections,
		Context:        payload.Context,
	})
	s.deps.Engine.StartRun(rec)

	// Re-read to pick up the plan the engine attached
	if refreshed, err := s.deps.Store.Get(rec.ID); err == nil {
		rec = refreshed
	}

	s.log.WithRun(rec.ID).Infof("created %s run", rec.ArtifactKind)
	s.respondJSON(w, http.StatusCreated, rec)
}

// runDetailsHandler serves GET /runs/{id}
func (s *Server) runDetailsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rec, err := s.deps.Store.Get(r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, statusForError(err), "Run not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// runCancelHandler serves POST /runs/{id}/cancel. Canceling a terminal run
// is a no-op that reports the stored state.
func (s *Server) runCancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.PathValue("id")
	rec, err := s.deps.Engine.Cancel(runID)
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	s.log.WithRun(runID).Info("run canceled")
	s.respondJSON(w, http.StatusOK, rec)
}

// approvalHandler serves POST /runs/{id}/approval. The checkpoint may be
// named in the body, the ?step query parameter, or left empty to address
// the plan checkpoint.
func (s *Server) approvalHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.PathValue("id")

	var decision approval.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if decision.StepID == "" {
		decision.StepID = r.URL.Query().Get("step")
	}
	if decision.StepID == "" {
		decision.StepID = approval.PlanStepID
	}

	rec, err := s.deps.Engine.Decide(runID, decision)
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	s.log.WithRun(runID).Infof("approval decision recorded: step=%s approved=%t", decision.StepID, decision.Approved)
	s.respondJSON(w, http.StatusOK, rec)
}

// clarificationHandler serves POST /runs/{id}/clarification
func (s *Server) clarificationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.PathValue("id")

	var payload struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Answer) == "" {
		s.respondWithError(w, http.StatusBadRequest, "answer is required")
		return
	}

	rec, err := s.deps.Engine.Answer(runID, payload.Answer)
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	s.log.WithRun(runID).Info("clarification answered")
	s.respondJSON(w, http.StatusOK, rec)
}

// previewHandler serves GET /runs/{id}/preview, rendering the run's
// markdown artifact as HTML
func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.PathValue("id")
	rec, err := s.deps.Store.Get(runID)
	if err != nil {
		s.respondWithError(w, statusForError(err), "Run not found")
		return
	}

	source := artifactMarkdown(rec.Result)
	if source == "" {
		source = planMarkdown(rec)
	}
	if source == "" {
		s.respondWithError(w, http.StatusConflict, "Run has no artifact to preview")
		return
	}

	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(source), &buf); err != nil {
		s.log.WithRun(runID).WithError(err).Error("markdown conversion failed")
		s.respondWithError(w, http.StatusInternalServerError, "Failed to render artifact")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// artifactMarkdown extracts markdown source from a stored result. Results
// are JSON: a string for document artifacts, null when the run produced
// nothing renderable.
func artifactMarkdown(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return ""
	}
	return text
}

// planMarkdown renders the stored plan as markdown so a run paused for
// approval still has something to review
func planMarkdown(rec *run.Record) string {
	if len(rec.Plan) == 0 {
		return ""
	}
	var p plan.Plan
	if err := json.Unmarshal(rec.Plan, &p); err != nil || p.Empty() {
		return ""
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Execution Plan: %s\n\n", rec.ArtifactKind)
	for i, stepID := range order {
		node := p.Nodes[stepID]
		fmt.Fprintf(&b, "%d. **%s** (%s)", i+1, stepID, node.Subagent)
		if len(node.DependsOn) > 0 {
			fmt.Fprintf(&b, ", after %s", strings.Join(node.DependsOn, ", "))
		}
		if node.Approval {
			b.WriteString(", requires approval")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// subagentsHandler serves GET /subagents with the registered manifests
func (s *Server) subagentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Registry.Manifests())
}

// templateInfo is the wire shape of one template listing.
type templateInfo struct {
	Kind     string   `json:"kind"`
	Title    string   `json:"title"`
	Sections []string `json:"sections,omitempty"`
}

// templatesHandler serves GET /templates with the loaded document templates
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	kinds := s.deps.Templates.Kinds()
	infos := make([]templateInfo, 0, len(kinds))
	for _, kind := range kinds {
		def, ok := s.deps.Templates.Get(kind)
		if !ok {
			continue
		}
		infos = append(infos, templateInfo{
			Kind:     def.Kind,
			Title:    def.Title,
			Sections: def.SectionIDs(),
		})
	}
	s.respondJSON(w, http.StatusOK, infos)
}
