// Package engine executes run plans and exposes each run's execution as an
// SSE byte stream. Execution is segmented into spans: a span runs only while
// a subscription holds its stream open, and ends at a terminal event, an
// approval checkpoint, or a clarification pause. State needed to resume, such
// as step outputs, cumulative usage and resolved checkpoints, is carried on
// the run's execution entry, so the next subscription picks up where the
// previous span stopped.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/event"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/plan"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/subagent"
	"github.com/Docfold-Labs/docfold/internal/template"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

// ErrNotWaiting reports a clarification answer for a run that is not paused
// on a question.
var ErrNotWaiting = errors.New("run is not awaiting input")

// Engine drives run execution. It implements upstream.Source so the stream
// relay subscribes to in-process runs exactly the way it subscribes to a
// remote upstream.
type Engine struct {
	store     *run.Store
	templates *template.Registry
	registry  *subagent.Registry
	builder   *plan.Builder
	gate      *approval.Gate
	log       *logger.ZapLogger

	mu    sync.Mutex
	execs map[string]*execution
}

// execution is the per-run state carried across spans
type execution struct {
	runID    string
	req      run.Request
	mode     string
	planned  plan.Plan
	planJSON json.RawMessage
	order    []string
	def      *template.Definition

	mu           sync.Mutex
	cursor       int
	outputs      map[string]subagent.Artifact
	usage        run.Usage
	planApproved bool
	approved     map[string]bool
	answer       string
	active       bool
	cancelSpan   context.CancelFunc
}

// New wires an engine over the given store, template registry, subagent
// registry and approval gate.
func New(store *run.Store, templates *template.Registry, registry *subagent.Registry, gate *approval.Gate, log *logger.ZapLogger) *Engine {
	return &Engine{
		store:     store,
		templates: templates,
		registry:  registry,
		builder:   plan.NewBuilder(templates),
		gate:      gate,
		log:       log,
		execs:     make(map[string]*execution),
	}
}

// StartRun builds the run's plan, registers its execution state, and attaches
// the plan to the record. Execution itself does not begin until a
// subscription opens the run's stream.
func (e *Engine) StartRun(rec *run.Record) plan.Plan {
	p := e.builder.CreatePlan(rec.Request)
	order, err := p.ExecutionOrder()
	if err != nil {
		// The builder only produces acyclic plans; treat anything else as empty
		e.log.WithRun(rec.ID).WithError(err).Error("discarding unorderable plan")
		p = plan.Plan{}
		order = nil
	}
	def, _ := e.templates.Get(rec.Request.ArtifactKind)
	mode := approvalMode(rec.Request.Settings.ApprovalMode)

	exec := &execution{
		runID:    rec.ID,
		req:      rec.Request,
		mode:     mode,
		planned:  p,
		order:    order,
		def:      def,
		outputs:  make(map[string]subagent.Artifact),
		approved: make(map[string]bool),
	}
	if !p.Empty() {
		if raw, err := json.Marshal(p); err == nil {
			exec.planJSON = raw
		}
	}

	e.mu.Lock()
	for id := range e.execs {
		if !e.store.Has(id) {
			delete(e.execs, id)
		}
	}
	e.execs[rec.ID] = exec
	e.mu.Unlock()

	if exec.planJSON != nil {
		_, _ = e.store.ApplyUpdate(rec.ID, run.Update{Plan: exec.planJSON, ApprovalMode: &mode})
	}

	e.log.WithRun(rec.ID).Infof("run registered: %s", plan.Describe(p))
	return p
}

// Open implements upstream.Source. Opening a run starts or resumes its
// execution span; the returned stream carries the span's SSE frames and
// closes when the span ends. A run allows one open stream at a time.
func (e *Engine) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	if !e.store.Has(runID) {
		e.mu.Lock()
		delete(e.execs, runID)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown run %q", upstream.ErrUnavailable, runID)
	}

	e.mu.Lock()
	exec, ok := e.execs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no execution state for run %q", upstream.ErrUnavailable, runID)
	}

	spanCtx, cancel := context.WithCancel(ctx)
	if !exec.beginSpan(cancel) {
		cancel()
		return nil, upstream.ErrBusy
	}

	pr, pw := io.Pipe()
	go func() {
		err := e.runSpan(spanCtx, exec, &frameSink{pw: pw})
		// Release the span before closing so a subscriber that sees EOF can
		// immediately reopen the run
		exec.endSpan()
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr, nil
}

// Decide resolves the approval checkpoint the run is paused on. Approving
// puts the run back in running so the next subscription resumes execution;
// rejecting fails the run with the decision feedback as its error.
func (e *Engine) Decide(runID string, decision approval.Decision) (*run.Record, error) {
	record, err := e.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if record.Status != run.StatusPendingApproval {
		return nil, fmt.Errorf("%w: run status is %s", approval.ErrConflict, record.Status)
	}
	if err := e.gate.Resolve(runID, decision.StepID); err != nil {
		return nil, err
	}

	stepID := decision.StepID
	if stepID == "" {
		stepID = approval.PlanStepID
	}

	if !decision.Approved {
		reason := decision.Feedback
		if reason == "" {
			reason = "rejected"
		}
		e.log.WithRun(runID).Infof("checkpoint %s rejected", stepID)
		status := run.StatusFailed
		return e.store.ApplyUpdate(runID, run.Update{Status: &status, Error: &reason})
	}

	if exec := e.exec(runID); exec != nil {
		exec.markApproved(stepID)
	}
	e.log.WithRun(runID).Infof("checkpoint %s approved", stepID)
	status := run.StatusRunning
	return e.store.ApplyUpdate(runID, run.Update{Status: &status, ClearError: true})
}

// Answer records the clarification answer and puts the run back in running
// so the next subscription resumes with the answer in context.
func (e *Engine) Answer(runID, answer string) (*run.Record, error) {
	record, err := e.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if record.Status != run.StatusAwaitingInput {
		return nil, fmt.Errorf("%w: run status is %s", ErrNotWaiting, record.Status)
	}
	exec := e.exec(runID)
	if exec == nil {
		return nil, fmt.Errorf("%w: no execution state for run %q", upstream.ErrUnavailable, runID)
	}
	exec.setAnswer(answer)
	status := run.StatusRunning
	return e.store.ApplyUpdate(runID, run.Update{Status: &status, ClearError: true})
}

// Cancel aborts any active span and fails the run unless it already reached
// a terminal state.
func (e *Engine) Cancel(runID string) (*run.Record, error) {
	record, err := e.store.Get(runID)
	if err != nil {
		return nil, err
	}
	e.gate.Clear(runID)
	if exec := e.exec(runID); exec != nil {
		exec.abort()
	}
	if record.Status.Terminal() {
		return record, nil
	}
	e.log.WithRun(runID).Info("run canceled")
	status := run.StatusFailed
	reason := "canceled by request"
	return e.store.ApplyUpdate(runID, run.Update{Status: &status, Error: &reason})
}

func (e *Engine) exec(runID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs[runID]
}

// runSpan executes plan steps until the run finishes or pauses, writing SSE
// frames to the sink as it goes. Pauses arm the approval gate or surface the
// open question, then end the span cleanly; the pause event is emitted before
// the stream closes so subscribers always observe the reason the span ended.
// A non-nil return closes the stream with that error instead of a clean EOF.
func (e *Engine) runSpan(ctx context.Context, exec *execution, sink *frameSink) error {
	log := e.log.WithRun(exec.runID)

	record, err := e.store.Get(exec.runID)
	if err != nil {
		return err
	}

	// Subscriptions after a terminal state replay the terminal event
	if record.Status == run.StatusCompleted {
		sink.emit(event.TypeComplete, replayComplete(record))
		return nil
	}
	if record.Status == run.StatusFailed {
		sink.emit(event.TypeError, replayError(record))
		return nil
	}

	if exec.planned.Empty() {
		log.Warn("run has an empty plan, completing with no artifact")
		sink.emit(event.TypeComplete, map[string]any{
			"artifact": nil,
			"metadata": map[string]any{"emptyPlan": true},
		})
		return nil
	}

	if exec.planGateNeeded() {
		sink.emit(event.TypePendingApproval, map[string]any{
			"plan": exec.planJSON,
			"mode": exec.mode,
		})
		e.gate.Arm(exec.runID, approval.PlanStepID)
		log.Info("paused for plan approval")
		return nil
	}

	for {
		stepID, node, ok := exec.nextStep()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if exec.stepGateNeeded(stepID, node) {
			sink.emit(event.TypePendingApproval, map[string]any{
				"stepId": stepID,
				"plan":   exec.planJSON,
				"mode":   exec.mode,
			})
			e.gate.Arm(exec.runID, stepID)
			log.Infof("paused for approval on step %s", stepID)
			return nil
		}

		result, err := e.executeStep(ctx, exec, stepID, node, sink)
		if err != nil {
			var need *subagent.NeedInput
			switch {
			case errors.As(err, &need):
				sink.emit(event.TypeClarification, map[string]any{"question": need.Question})
				log.Info("paused for clarification")
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				log.WithError(err).Errorf("step %s failed", stepID)
				sink.emit(event.TypeError, map[string]any{"error": err.Error(), "stepId": stepID})
				e.gate.Clear(exec.runID)
			}
			return nil
		}

		exec.recordStep(stepID, result)
		sink.emit(event.TypeProgress, map[string]any{
			"stage":    "step-complete",
			"step":     stepID,
			"strategy": result.Strategy,
			"usage":    exec.usageSnapshot(),
		})
	}

	artifact, found := exec.finalArtifact()
	metadata := map[string]any{
		"kind":  exec.req.ArtifactKind,
		"steps": len(exec.order),
		"usage": exec.usageSnapshot(),
	}
	payload := map[string]any{"artifact": nil, "metadata": metadata}
	if found {
		metadata["title"] = artifact.Title
		payload["artifact"] = artifact.Content
	}
	sink.emit(event.TypeComplete, payload)
	log.Info("run completed")
	return nil
}

func (e *Engine) executeStep(ctx context.Context, exec *execution, stepID string, node plan.Node, sink *frameSink) (*subagent.Result, error) {
	impl, ok := e.registry.Get(node.Subagent)
	if !ok {
		return nil, fmt.Errorf("no subagent registered for %q", node.Subagent)
	}

	req := subagent.Request{
		RunID:    exec.runID,
		StepID:   stepID,
		Kind:     exec.req.ArtifactKind,
		Produces: node.Produces,
		Section:  node.Section,
		Template: exec.def,
		Messages: exec.req.Messages,
		Settings: exec.req.Settings,
		Context:  exec.contextPayload(),
		Inputs:   exec.inputsFor(node),
	}
	if stepID == plan.StepReviseDocument {
		req.Prior = priorArtifact(exec.req)
	}

	timed := e.log.WithStep(exec.runID, stepID, node.Subagent).Timed("subagent execution")
	result, err := impl.Execute(ctx, req, &stageEmitter{sink: sink, step: stepID})
	if err != nil {
		timed.DoneWithError(err)
		return nil, err
	}
	timed.Done()
	return result, nil
}

func (x *execution) beginSpan(cancel context.CancelFunc) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.active {
		return false
	}
	x.active = true
	x.cancelSpan = cancel
	return true
}

func (x *execution) endSpan() {
	x.mu.Lock()
	cancel := x.cancelSpan
	x.cancelSpan = nil
	x.active = false
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (x *execution) abort() {
	x.mu.Lock()
	cancel := x.cancelSpan
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (x *execution) planGateNeeded() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.planApproved {
		return false
	}
	return x.mode == run.ApprovalPlan || x.mode == run.ApprovalSteps
}

func (x *execution) stepGateNeeded(stepID string, node plan.Node) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.approved[stepID] {
		return false
	}
	return node.Approval || x.mode == run.ApprovalSteps
}

func (x *execution) markApproved(stepID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if stepID == approval.PlanStepID {
		x.planApproved = true
		return
	}
	x.approved[stepID] = true
}

func (x *execution) nextStep() (string, plan.Node, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cursor >= len(x.order) {
		return "", plan.Node{}, false
	}
	id := x.order[x.cursor]
	return id, x.planned.Nodes[id], true
}

func (x *execution) recordStep(stepID string, result *subagent.Result) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.outputs[stepID] = result.Artifact
	x.usage.InputTokens += result.Usage.InputTokens
	x.usage.OutputTokens += result.Usage.OutputTokens
	x.usage.TotalTokens = x.usage.InputTokens + x.usage.OutputTokens
	x.cursor++
}

func (x *execution) usageSnapshot() run.Usage {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.usage
}

func (x *execution) setAnswer(answer string) {
	x.mu.Lock()
	x.answer = answer
	x.mu.Unlock()
}

// contextPayload merges the clarification answer into the externally
// supplied context
func (x *execution) contextPayload() map[string]any {
	x.mu.Lock()
	answer := x.answer
	x.mu.Unlock()
	if answer == "" {
		return x.req.Context
	}
	merged := make(map[string]any, len(x.req.Context)+1)
	for k, v := range x.req.Context {
		merged[k] = v
	}
	merged["clarification"] = answer
	return merged
}

// inputsFor restricts accumulated step outputs to the node's declared
// dependencies
func (x *execution) inputsFor(node plan.Node) map[string]subagent.Artifact {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(node.DependsOn) == 0 {
		return nil
	}
	inputs := make(map[string]subagent.Artifact, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if artifact, ok := x.outputs[dep]; ok {
			inputs[dep] = artifact
		}
	}
	return inputs
}

// finalArtifact returns the output of the step that produces the run's
// artifact kind
func (x *execution) finalArtifact() (subagent.Artifact, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for stepID, node := range x.planned.Nodes {
		if node.Produces != x.req.ArtifactKind {
			continue
		}
		if artifact, ok := x.outputs[stepID]; ok {
			return artifact, true
		}
	}
	return subagent.Artifact{}, false
}

func approvalMode(mode string) string {
	switch mode {
	case run.ApprovalPlan, run.ApprovalSteps:
		return mode
	default:
		return run.ApprovalAuto
	}
}

// priorArtifact returns the most recent conversation artifact matching the
// run's kind
func priorArtifact(req run.Request) *run.ArtifactRef {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if a := req.Messages[i].Artifact; a != nil && a.Kind == req.ArtifactKind {
			return a
		}
	}
	return nil
}

func replayComplete(record *run.Record) map[string]any {
	payload := map[string]any{"artifact": nil}
	if record.Result != nil {
		payload["artifact"] = record.Result
	}
	if record.Metadata != nil {
		payload["metadata"] = record.Metadata
	}
	return payload
}

func replayError(record *run.Record) map[string]any {
	message := "run failed"
	if record.Error != nil {
		message = *record.Error
	}
	return map[string]any{"error": message}
}

// frameSink writes SSE frames to the span pipe
type frameSink struct {
	pw *io.PipeWriter
}

func (s *frameSink) emit(t event.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.pw.Write(event.EncodeFrame(string(t), data))
}

// stageEmitter forwards subagent stage notifications as progress frames
type stageEmitter struct {
	sink *frameSink
	step string
}

func (em *stageEmitter) Emit(stage string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["stage"] = stage
	if _, ok := payload["step"]; !ok {
		payload["step"] = em.step
	}
	em.sink.emit(event.TypeProgress, payload)
}
