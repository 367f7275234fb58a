package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/engine"
	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/relay"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/subagent"
	"github.com/Docfold-Labs/docfold/internal/template"
)

func defaultClient() *generate.Static {
	return &generate.Static{
		Text:   "Cash-flow visibility for independent professionals.",
		Object: json.RawMessage(`{"summary":"Budget tracker for freelancers","audience":"Freelancers","topics":["cash flow"]}`),
		Usage:  generate.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func newTestServer(t *testing.T, client generate.Client) (*httptest.Server, *run.Store) {
	t.Helper()
	store := run.NewStore(10)
	templates := template.MustLoadEmbedded()
	registry := subagent.Defaults(client)
	eng := engine.New(store, templates, registry, approval.NewGate(), logger.NewNop())
	rel := relay.New(store, eng, 5*time.Second, logger.NewNop())
	srv := New(0, Deps{
		Store:     store,
		Engine:    eng,
		Relay:     rel,
		Registry:  registry,
		Templates: templates,
		Logger:    logger.NewNop(),
	})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, contentTypeJSON, bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeRecord(t *testing.T, resp *http.Response) *run.Record {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var rec run.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return &rec
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload["error"]
}

func createRun(t *testing.T, ts *httptest.Server, payload map[string]any) *run.Record {
	t.Helper()
	resp := postJSON(t, ts.URL+"/runs", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeRecord(t, resp)
}

func getRun(t *testing.T, ts *httptest.Server, runID string) *run.Record {
	t.Helper()
	resp, err := http.Get(ts.URL + "/runs/" + runID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeRecord(t, resp)
}

// streamEvents subscribes to a run's event stream and returns the raw SSE
// bytes once the span ends
func streamEvents(t *testing.T, ts *httptest.Server, runID string) string {
	t.Helper()
	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func prdPayload() map[string]any {
	return map[string]any{
		"artifactKind": "prd",
		"messages": []map[string]any{
			{"role": "user", "content": "Draft a PRD for a budgeting app aimed at freelancers."},
		},
		"targetSections": []string{"overview"},
	}
}

func TestCreateRun(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	rec := createRun(t, ts, prdPayload())

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "prd", rec.ArtifactKind)
	assert.Equal(t, run.StatusPending, rec.Status)
	assert.NotEmpty(t, rec.Plan)
	require.NotNil(t, rec.ApprovalMode)
	assert.Equal(t, run.ApprovalAuto, *rec.ApprovalMode)
}

func TestCreateRun_Validation(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t, defaultClient())

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "invalid JSON",
			body:    `{"artifactKind":`,
			wantErr: "Invalid JSON payload",
		},
		{
			name:    "missing kind",
			body:    `{"messages":[{"role":"user","content":"hi"}]}`,
			wantErr: "artifactKind is required",
		},
		{
			name:    "unknown kind",
			body:    `{"artifactKind":"wiki","messages":[{"role":"user","content":"hi"}]}`,
			wantErr: `unsupported artifactKind "wiki"`,
		},
		{
			name:    "no messages",
			body:    `{"artifactKind":"prd"}`,
			wantErr: "at least one message is required",
		},
		{
			name:    "message without role",
			body:    `{"artifactKind":"prd","messages":[{"content":"hi"}]}`,
			wantErr: "message 0 is missing a role",
		},
		{
			name:    "bad approval mode",
			body:    `{"artifactKind":"prd","messages":[{"role":"user","content":"hi"}],"settings":{"approvalMode":"sometimes"}}`,
			wantErr: `unsupported approvalMode "sometimes"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/runs", contentTypeJSON, strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp), tt.wantErr)
		})
	}

	// Rejected payloads never reach the store
	assert.Equal(t, 0, store.Len())
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	first := createRun(t, ts, prdPayload())
	second := createRun(t, ts, map[string]any{
		"artifactKind": "prompt",
		"messages":     []map[string]any{{"role": "user", "content": "Prompt for a support bot."}},
	})

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []run.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 2)

	ids := []string{listed[0].ID, listed[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestRunDetails(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	rec := createRun(t, ts, prdPayload())
	fetched := getRun(t, ts, rec.ID)
	assert.Equal(t, rec.ID, fetched.ID)
	assert.Equal(t, run.StatusPending, fetched.Status)

	resp, err := http.Get(ts.URL + "/runs/run-missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Run not found", decodeError(t, resp))
}

func TestRunLifecycle_PlanApproval(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	payload := prdPayload()
	payload["settings"] = map[string]any{"approvalMode": "plan"}
	rec := createRun(t, ts, payload)

	body := streamEvents(t, ts, rec.ID)
	assert.Contains(t, body, "event: pending-approval")
	assert.NotContains(t, body, "event: complete")

	paused := getRun(t, ts, rec.ID)
	assert.Equal(t, run.StatusPendingApproval, paused.Status)
	require.NotNil(t, paused.ApprovalURL)
	assert.Equal(t, fmt.Sprintf("/runs/%s/approval", rec.ID), *paused.ApprovalURL)

	resp := postJSON(t, ts.URL+"/runs/"+rec.ID+"/approval", map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decodeRecord(t, resp)
	assert.Equal(t, run.StatusRunning, approved.Status)

	body = streamEvents(t, ts, rec.ID)
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")

	done := getRun(t, ts, rec.ID)
	assert.Equal(t, run.StatusCompleted, done.Status)
	require.NotNil(t, done.Usage)
	assert.Positive(t, done.Usage.TotalTokens)
	assert.Contains(t, string(done.Result), "Product Requirements Document")

	resp2, err := http.Get(ts.URL + "/runs/" + rec.ID + "/preview")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Contains(t, resp2.Header.Get("Content-Type"), "text/html")
	html, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<h1")
	assert.Contains(t, string(html), "Product Requirements Document")

	// Late subscribers to a finished run get the terminal frame replayed
	replay := streamEvents(t, ts, rec.ID)
	assert.Contains(t, replay, "event: complete")
}

func TestApproval_Conflicts(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	// Decisions against a run that is not paused conflict
	rec := createRun(t, ts, prdPayload())
	resp := postJSON(t, ts.URL+"/runs/"+rec.ID+"/approval", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// A mismatched step id conflicts without resuming the run
	payload := prdPayload()
	payload["settings"] = map[string]any{"approvalMode": "plan"}
	gated := createRun(t, ts, payload)
	streamEvents(t, ts, gated.ID)

	resp = postJSON(t, ts.URL+"/runs/"+gated.ID+"/approval", map[string]any{"approved": true, "stepId": "write-overview"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, run.StatusPendingApproval, getRun(t, ts, gated.ID).Status)

	resp = postJSON(t, ts.URL+"/runs/run-missing/approval", map[string]any{"approved": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRejection_FailsRun(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	payload := prdPayload()
	payload["settings"] = map[string]any{"approvalMode": "plan"}
	rec := createRun(t, ts, payload)
	streamEvents(t, ts, rec.ID)

	resp := postJSON(t, ts.URL+"/runs/"+rec.ID+"/approval", map[string]any{"approved": false, "feedback": "scope too broad"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decodeRecord(t, resp)
	assert.Equal(t, run.StatusFailed, rejected.Status)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "scope too broad", *rejected.Error)

	// Terminal runs replay their failure to new subscribers
	body := streamEvents(t, ts, rec.ID)
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "scope too broad")
}

func TestCancelRun(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	rec := createRun(t, ts, prdPayload())

	resp := postJSON(t, ts.URL+"/runs/"+rec.ID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	canceled := decodeRecord(t, resp)
	assert.Equal(t, run.StatusFailed, canceled.Status)
	require.NotNil(t, canceled.Error)
	assert.Equal(t, "canceled by request", *canceled.Error)

	// Canceling again reports the stored terminal state
	resp = postJSON(t, ts.URL+"/runs/"+rec.ID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.StatusFailed, decodeRecord(t, resp).Status)

	resp = postJSON(t, ts.URL+"/runs/run-missing/cancel", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestClarificationFlow(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	rec := createRun(t, ts, map[string]any{
		"artifactKind":   "prd",
		"messages":       []map[string]any{{"role": "user", "content": "   "}},
		"targetSections": []string{"overview"},
	})

	body := streamEvents(t, ts, rec.ID)
	assert.Contains(t, body, "event: clarification")
	assert.Contains(t, body, "Describe the product")
	assert.Equal(t, run.StatusAwaitingInput, getRun(t, ts, rec.ID).Status)

	// Blank answers are rejected before reaching the run
	resp := postJSON(t, ts.URL+"/runs/"+rec.ID+"/clarification", map[string]any{"answer": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, ts.URL+"/runs/"+rec.ID+"/clarification", map[string]any{"answer": "A budgeting app for freelancers."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.StatusRunning, decodeRecord(t, resp).Status)

	body = streamEvents(t, ts, rec.ID)
	assert.Contains(t, body, "event: complete")
	assert.Equal(t, run.StatusCompleted, getRun(t, ts, rec.ID).Status)

	// Once the run moves on, further answers conflict
	resp = postJSON(t, ts.URL+"/runs/"+rec.ID+"/clarification", map[string]any{"answer": "another answer"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPreview_PlanBeforeArtifact(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t, defaultClient())

	// A run with a plan but no artifact previews the plan
	rec := createRun(t, ts, prdPayload())
	resp, err := http.Get(ts.URL + "/runs/" + rec.ID + "/preview")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(html), "Execution Plan")
	assert.Contains(t, string(html), "analyze-context")

	// Nothing to render without a plan or a result
	bare := store.Create(run.Request{ArtifactKind: "prd"})
	resp, err = http.Get(ts.URL + "/runs/" + bare.ID + "/preview")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp), "no artifact")

	resp, err = http.Get(ts.URL + "/runs/run-missing/preview")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSubagentsEndpoint(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	resp, err := http.Get(ts.URL + "/subagents")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var manifests []subagent.Manifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&manifests))
	require.Len(t, manifests, 5)
	assert.Equal(t, subagent.IDAssembler, manifests[0].ID)
}

func TestTemplatesEndpoint(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())

	resp, err := http.Get(ts.URL + "/templates")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []templateInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 4)

	byKind := make(map[string]templateInfo, len(infos))
	for _, info := range infos {
		byKind[info.Kind] = info
	}
	prd, ok := byKind["prd"]
	require.True(t, ok)
	assert.Equal(t, "Product Requirements Document", prd.Title)
	assert.Contains(t, prd.Sections, "overview")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, defaultClient())
	rec := createRun(t, ts, prdPayload())

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/runs"},
		{http.MethodPost, "/runs/" + rec.ID},
		{http.MethodGet, "/runs/" + rec.ID + "/cancel"},
		{http.MethodGet, "/runs/" + rec.ID + "/approval"},
		{http.MethodGet, "/runs/" + rec.ID + "/clarification"},
		{http.MethodPost, "/runs/" + rec.ID + "/preview"},
		{http.MethodPost, "/subagents"},
		{http.MethodPost, "/templates"},
		{http.MethodPost, "/health"},
	}

	for _, ep := range endpoints {
		req, err := http.NewRequest(ep.method, ts.URL+ep.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equalf(t, http.StatusMethodNotAllowed, resp.StatusCode, "%s %s", ep.method, ep.path)
		_ = resp.Body.Close()
	}
}
