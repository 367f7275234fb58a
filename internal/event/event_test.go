package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_Known(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{TypeProgress, TypeClarification, TypeComplete, TypePendingApproval, TypeError} {
		assert.True(t, typ.Known(), "type %q should be known", typ)
	}
	assert.False(t, Type("heartbeat").Known())
	assert.False(t, Type("").Known())
}

func TestNormalize_Progress(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"step":"analyze-context","note":"reading conversation"}`)
	ev, err := Normalize("run-1", "progress", payload)
	require.NoError(t, err)

	assert.Equal(t, TypeProgress, ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.JSONEq(t, string(payload), string(ev.Payload))
	assert.Nil(t, ev.Usage)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNormalize_ProgressUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantInput  int64
		wantOutput int64
		wantTotal  int64
	}{
		{
			name:       "usage nested in metadata",
			payload:    `{"metadata":{"usage":{"inputTokens":100,"outputTokens":40,"totalTokens":140}}}`,
			wantInput:  100,
			wantOutput: 40,
			wantTotal:  140,
		},
		{
			name:       "tokenUsage spelling",
			payload:    `{"metadata":{"tokenUsage":{"promptTokens":30,"completionTokens":12}}}`,
			wantInput:  30,
			wantOutput: 12,
			wantTotal:  42,
		},
		{
			name:       "usage directly on payload",
			payload:    `{"usage":{"inputTokens":5,"outputTokens":2}}`,
			wantInput:  5,
			wantOutput: 2,
			wantTotal:  7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize("run-1", "progress", []byte(tt.payload))
			require.NoError(t, err)
			require.NotNil(t, ev.Usage)
			assert.Equal(t, tt.wantInput, ev.Usage.InputTokens)
			assert.Equal(t, tt.wantOutput, ev.Usage.OutputTokens)
			assert.Equal(t, tt.wantTotal, ev.Usage.TotalTokens)
		})
	}
}

func TestNormalize_Complete(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"artifact":{"title":"Export PRD"},"metadata":{"usage":{"inputTokens":10,"outputTokens":5},"model":"m1"}}`)
	ev, err := Normalize("run-1", "complete", payload)
	require.NoError(t, err)

	assert.JSONEq(t, `{"title":"Export PRD"}`, string(ev.Artifact))
	require.NotNil(t, ev.Metadata)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(15), ev.Usage.TotalTokens)
}

func TestNormalize_CompletePayloadFallback(t *testing.T) {
	t.Parallel()

	// No artifact field: the payload itself becomes the artifact
	payload := []byte(`{"title":"Export PRD","sections":[]}`)
	ev, err := Normalize("run-1", "complete", payload)
	require.NoError(t, err)

	assert.JSONEq(t, string(payload), string(ev.Artifact))
	assert.Nil(t, ev.Metadata)
}

func TestNormalize_PendingApproval(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"plan":{"entryId":"analyze-context","nodes":{}},"stepId":"research-personas","mode":"steps"}`)
	ev, err := Normalize("run-1", "pending-approval", payload)
	require.NoError(t, err)

	assert.JSONEq(t, `{"entryId":"analyze-context","nodes":{}}`, string(ev.Plan))
	assert.Equal(t, "research-personas", ev.StepID)
	assert.Equal(t, "steps", ev.Mode)
}

func TestNormalize_Error(t *testing.T) {
	t.Parallel()

	ev, err := Normalize("run-1", "error", []byte(`{"error":"backend exploded"}`))
	require.NoError(t, err)
	assert.Equal(t, "backend exploded", ev.Message)

	// Missing error field falls back to the canonical message
	ev, err = Normalize("run-1", "error", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Unknown error", ev.Message)
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   string
		payload string
	}{
		{"unknown event type", "heartbeat", `{}`},
		{"empty event name", "", `{}`},
		{"invalid JSON payload", "progress", `{"a":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize("run-1", tt.event, []byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestNormalize_EmptyPayload(t *testing.T) {
	t.Parallel()

	ev, err := Normalize("run-1", "progress", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ev.Payload))
}

func TestNormalize_NonObjectPayload(t *testing.T) {
	t.Parallel()

	// Arrays and scalars are valid payloads with nothing to extract
	ev, err := Normalize("run-1", "progress", []byte(`["step one"]`))
	require.NoError(t, err)
	assert.Nil(t, ev.Usage)

	var arr []string
	require.NoError(t, json.Unmarshal(ev.Payload, &arr))
	assert.Equal(t, []string{"step one"}, arr)
}
