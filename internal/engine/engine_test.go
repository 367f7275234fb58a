package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/event"
	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/subagent"
	"github.com/Docfold-Labs/docfold/internal/template"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

func newTestEngine(t *testing.T, client generate.Client) (*Engine, *run.Store) {
	t.Helper()
	store := run.NewStore(10)
	eng := New(store, template.MustLoadEmbedded(), subagent.Defaults(client), approval.NewGate(), logger.NewNop())
	return eng, store
}

// staticClient returns a canned client whose object satisfies the analyzer
// schema, so runs take the model path end to end.
func staticClient() *generate.Static {
	return &generate.Static{
		Text:   "Cash-flow visibility for independent professionals.",
		Object: json.RawMessage(`{"summary":"Budget tracker for freelancers","audience":"Freelancers","topics":["cash flow"]}`),
		Usage:  generate.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func prdRequest(sections ...string) run.Request {
	return run.Request{
		ArtifactKind: run.KindPRD,
		Messages: []run.Message{
			{Role: "user", Content: "A budgeting app for freelancers"},
		},
		TargetSections: sections,
	}
}

// collectFrames drains the span stream and parses every SSE frame it carried
func collectFrames(t *testing.T, rc io.ReadCloser) []event.Frame {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	var scanner event.FrameScanner
	return scanner.Feed(data)
}

// applyFrames feeds frames through Normalize and Apply the way the relay
// does, returning the record after the last event
func applyFrames(t *testing.T, store *run.Store, runID string, frames []event.Frame) *run.Record {
	t.Helper()
	require.NotEmpty(t, frames)
	var rec *run.Record
	for _, f := range frames {
		ev, err := event.Normalize(runID, f.Name, f.Data)
		require.NoError(t, err)
		rec, err = event.Apply(store, ev)
		require.NoError(t, err)
	}
	return rec
}

func decodeData(t *testing.T, f event.Frame) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	return payload
}

func lastFrame(t *testing.T, frames []event.Frame) event.Frame {
	t.Helper()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func TestEngine_RunsPlanToCompletion(t *testing.T) {
	t.Parallel()

	client := staticClient()
	eng, store := newTestEngine(t, client)
	rec := store.Create(prdRequest("overview", "goals"))
	p := eng.StartRun(rec)
	require.Len(t, p.Nodes, 4)

	stored, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Plan)
	require.NotNil(t, stored.ApprovalMode)
	assert.Equal(t, run.ApprovalAuto, *stored.ApprovalMode)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)

	last := lastFrame(t, frames)
	require.Equal(t, string(event.TypeComplete), last.Name)
	for _, f := range frames[:len(frames)-1] {
		assert.Equal(t, string(event.TypeProgress), f.Name)
	}

	payload := decodeData(t, last)
	artifact, ok := payload["artifact"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(artifact, "# Product Requirements Document"))
	assert.Less(t, strings.Index(artifact, "## Overview"), strings.Index(artifact, "## Goals"))

	metadata, ok := payload["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, run.KindPRD, metadata["kind"])
	assert.Equal(t, float64(4), metadata["steps"])
	usage, ok := metadata["usage"].(map[string]any)
	require.True(t, ok)
	// analyzer plus two writers hit the client; assembly is deterministic
	assert.Equal(t, float64(45), usage["totalTokens"])
	assert.Len(t, client.Calls(), 3)

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
	assert.NotNil(t, after.Result)
	require.NotNil(t, after.Usage)
	assert.Equal(t, int64(45), after.Usage.TotalTokens)
	assert.NotEmpty(t, after.Progress)
}

func TestEngine_EmptyPlanCompletesImmediately(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	rec := store.Create(run.Request{
		ArtifactKind: "wiki",
		Messages:     []run.Message{{Role: "user", Content: "unsupported"}},
	})
	p := eng.StartRun(rec)
	assert.True(t, p.Empty())

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)
	require.Len(t, frames, 1)
	require.Equal(t, string(event.TypeComplete), frames[0].Name)

	payload := decodeData(t, frames[0])
	assert.Nil(t, payload["artifact"])

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
}

func TestEngine_PlanApprovalPauseAndResume(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	req := prdRequest("overview")
	req.Settings.ApprovalMode = run.ApprovalPlan
	rec := store.Create(req)
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)
	require.Len(t, frames, 1)
	require.Equal(t, string(event.TypePendingApproval), frames[0].Name)

	payload := decodeData(t, frames[0])
	assert.NotNil(t, payload["plan"])
	assert.Equal(t, run.ApprovalPlan, payload["mode"])
	_, hasStep := payload["stepId"]
	assert.False(t, hasStep)

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusPendingApproval, after.Status)
	require.NotNil(t, after.ApprovalURL)
	assert.Equal(t, "/runs/"+rec.ID+"/approval", *after.ApprovalURL)

	// A decision addressed to a step the run is not paused on is a conflict
	_, err = eng.Decide(rec.ID, approval.Decision{Approved: true, StepID: "write-overview"})
	require.ErrorIs(t, err, approval.ErrConflict)

	updated, err := eng.Decide(rec.ID, approval.Decision{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, updated.Status)
	assert.Nil(t, updated.Error)

	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames = collectFrames(t, rc)
	require.Equal(t, string(event.TypeComplete), lastFrame(t, frames).Name)

	after = applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
}

func TestEngine_DecideConflictsOutsideApprovalPause(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	rec := store.Create(prdRequest("overview"))
	eng.StartRun(rec)

	_, err := eng.Decide(rec.ID, approval.Decision{Approved: true})
	require.ErrorIs(t, err, approval.ErrConflict)

	_, err = eng.Decide("run-missing", approval.Decision{Approved: true})
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestEngine_RejectionFailsRunWithFeedback(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	req := prdRequest("overview")
	req.Settings.ApprovalMode = run.ApprovalPlan
	rec := store.Create(req)
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	applyFrames(t, store, rec.ID, collectFrames(t, rc))

	updated, err := eng.Decide(rec.ID, approval.Decision{Approved: false, Feedback: "scope too broad"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "scope too broad", *updated.Error)

	// Subscribing again replays the terminal error and changes nothing
	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)
	require.Len(t, frames, 1)
	require.Equal(t, string(event.TypeError), frames[0].Name)
	assert.Equal(t, "scope too broad", decodeData(t, frames[0])["error"])

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusFailed, after.Status)
}

func TestEngine_ResearchStepPausesForApproval(t *testing.T) {
	t.Parallel()

	client := &generate.Static{
		Object: json.RawMessage(`{"personas":[{"name":"Ana","role":"Freelancer","goals":["track cash"]}]}`),
		Usage:  generate.Usage{InputTokens: 10, OutputTokens: 5},
	}
	eng, store := newTestEngine(t, client)
	rec := store.Create(run.Request{
		ArtifactKind: run.KindPersona,
		Messages:     []run.Message{{Role: "user", Content: "Personas for a budgeting app"}},
	})
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)

	last := lastFrame(t, frames)
	require.Equal(t, string(event.TypePendingApproval), last.Name)
	payload := decodeData(t, last)
	assert.Equal(t, "research-persona", payload["stepId"])
	assert.NotNil(t, payload["plan"])

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusPendingApproval, after.Status)
	require.NotNil(t, after.ApprovalURL)
	assert.Contains(t, *after.ApprovalURL, "?step=research-persona")

	_, err = eng.Decide(rec.ID, approval.Decision{Approved: true, StepID: "research-persona"})
	require.NoError(t, err)

	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames = collectFrames(t, rc)
	last = lastFrame(t, frames)
	require.Equal(t, string(event.TypeComplete), last.Name)

	artifact, ok := decodeData(t, last)["artifact"].(string)
	require.True(t, ok)
	assert.Contains(t, artifact, "## Personas")
	assert.Contains(t, artifact, "### Ana")

	after = applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
}

func TestEngine_StepsModePausesBeforeEveryStep(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	req := prdRequest("overview")
	req.Settings.ApprovalMode = run.ApprovalSteps
	rec := store.Create(req)
	eng.StartRun(rec)

	var checkpoints []string
	for {
		rc, err := eng.Open(context.Background(), rec.ID)
		require.NoError(t, err)
		frames := collectFrames(t, rc)
		after := applyFrames(t, store, rec.ID, frames)

		last := lastFrame(t, frames)
		if last.Name == string(event.TypeComplete) {
			assert.Equal(t, run.StatusCompleted, after.Status)
			break
		}
		require.Equal(t, string(event.TypePendingApproval), last.Name)
		payload := decodeData(t, last)
		stepID, _ := payload["stepId"].(string)
		checkpoints = append(checkpoints, stepID)

		_, err = eng.Decide(rec.ID, approval.Decision{Approved: true, StepID: stepID})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"", "analyze-context", "write-overview"}, checkpoints)
}

func TestEngine_ClarificationRoundTrip(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	req := prdRequest("overview")
	req.Messages = []run.Message{{Role: "user", Content: "   "}}
	rec := store.Create(req)
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)

	last := lastFrame(t, frames)
	require.Equal(t, string(event.TypeClarification), last.Name)
	question, ok := decodeData(t, last)["question"].(string)
	require.True(t, ok)
	assert.Contains(t, question, "Describe")

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusAwaitingInput, after.Status)
	assert.NotNil(t, after.Clarification)

	updated, err := eng.Answer(rec.ID, "A personal budgeting app for freelancers")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, updated.Status)

	_, err = eng.Answer(rec.ID, "again")
	require.ErrorIs(t, err, ErrNotWaiting)

	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames = collectFrames(t, rc)
	require.Equal(t, string(event.TypeComplete), lastFrame(t, frames).Name)

	after = applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
}

func TestEngine_StepFailureEmitsError(t *testing.T) {
	t.Parallel()

	client := &generate.Static{Err: errors.New("model exploded")}
	eng, store := newTestEngine(t, client)
	rec := store.Create(prdRequest("overview"))
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)

	// The analyzer falls back, so the failure surfaces at the writer step
	last := lastFrame(t, frames)
	require.Equal(t, string(event.TypeError), last.Name)
	payload := decodeData(t, last)
	assert.Equal(t, "write-overview", payload["stepId"])
	message, ok := payload["error"].(string)
	require.True(t, ok)
	assert.Contains(t, message, "model exploded")

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusFailed, after.Status)
	require.NotNil(t, after.Error)
	assert.Contains(t, *after.Error, "model exploded")

	// The failure is terminal; re-subscribing replays it
	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames = collectFrames(t, rc)
	require.Len(t, frames, 1)
	assert.Equal(t, string(event.TypeError), frames[0].Name)
}

func TestEngine_ReviseExistingArtifact(t *testing.T) {
	t.Parallel()

	client := staticClient()
	client.Text = "# Product Requirements Document\n\nShorter."
	eng, store := newTestEngine(t, client)
	rec := store.Create(run.Request{
		ArtifactKind: run.KindPRD,
		Messages: []run.Message{
			{Role: "assistant", Content: "Here it is", Artifact: &run.ArtifactRef{Kind: run.KindPRD, Content: "# Product Requirements Document\n\nLong original."}},
			{Role: "user", Content: "Make it shorter"},
		},
	})
	p := eng.StartRun(rec)
	require.Contains(t, p.Nodes, "revise-document")

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)

	last := lastFrame(t, frames)
	require.Equal(t, string(event.TypeComplete), last.Name)
	artifact, ok := decodeData(t, last)["artifact"].(string)
	require.True(t, ok)
	assert.Equal(t, client.Text, artifact)
}

func TestEngine_SecondSubscriptionWhileActiveIsBusy(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	rec := store.Create(prdRequest("overview"))
	eng.StartRun(rec)

	// The span blocks on its first unread frame, holding the run busy
	first, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)

	_, err = eng.Open(context.Background(), rec.ID)
	require.ErrorIs(t, err, upstream.ErrBusy)

	frames := collectFrames(t, first)
	require.Equal(t, string(event.TypeComplete), lastFrame(t, frames).Name)

	// Once the span ends the run can be opened again
	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames = collectFrames(t, rc)
	require.Equal(t, string(event.TypeComplete), lastFrame(t, frames).Name)
}

func TestEngine_ReplayCompleteOnResubscribe(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	rec := store.Create(prdRequest("overview"))
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	first := applyFrames(t, store, rec.ID, collectFrames(t, rc))
	require.Equal(t, run.StatusCompleted, first.Status)

	rc, err = eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)
	require.Len(t, frames, 1)
	require.Equal(t, string(event.TypeComplete), frames[0].Name)

	replayed, ok := decodeData(t, frames[0])["artifact"].(string)
	require.True(t, ok)
	var original string
	require.NoError(t, json.Unmarshal(first.Result, &original))
	assert.Equal(t, original, replayed)

	after := applyFrames(t, store, rec.ID, frames)
	assert.Equal(t, run.StatusCompleted, after.Status)
	assert.True(t, after.UpdatedAt.Equal(first.UpdatedAt))
}

func TestEngine_CancelFailsActiveRun(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, staticClient())
	rec := store.Create(prdRequest("overview"))
	eng.StartRun(rec)

	rc, err := eng.Open(context.Background(), rec.ID)
	require.NoError(t, err)

	canceled, err := eng.Cancel(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, canceled.Status)
	require.NotNil(t, canceled.Error)
	assert.Equal(t, "canceled by request", *canceled.Error)

	_, err = io.ReadAll(rc)
	require.Error(t, err)
	rc.Close()

	// Terminal states are idempotent under cancel
	again, err := eng.Cancel(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, again.Status)
}

func TestEngine_UnknownRun(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, staticClient())

	_, err := eng.Open(context.Background(), "run-missing")
	require.ErrorIs(t, err, upstream.ErrUnavailable)

	_, err = eng.Answer("run-missing", "answer")
	require.ErrorIs(t, err, run.ErrNotFound)

	_, err = eng.Cancel("run-missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestEngine_EvictedRunsAreForgotten(t *testing.T) {
	t.Parallel()

	store := run.NewStore(2)
	eng := New(store, template.MustLoadEmbedded(), subagent.Defaults(staticClient()), approval.NewGate(), logger.NewNop())

	first := store.Create(prdRequest("overview"))
	eng.StartRun(first)
	second := store.Create(prdRequest("overview"))
	eng.StartRun(second)
	third := store.Create(prdRequest("overview"))
	eng.StartRun(third)

	require.False(t, store.Has(first.ID))
	_, err := eng.Open(context.Background(), first.ID)
	require.ErrorIs(t, err, upstream.ErrUnavailable)

	rc, err := eng.Open(context.Background(), third.ID)
	require.NoError(t, err)
	frames := collectFrames(t, rc)
	require.Equal(t, string(event.TypeComplete), lastFrame(t, frames).Name)
}
