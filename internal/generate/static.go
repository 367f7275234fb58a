package generate

import (
	"context"
	"encoding/json"
	"sync"
)

const staticText = "Generated by the static provider."

// Static is a Client that returns canned results without calling any
// provider. It backs the static provider mode and tests.
type Static struct {
	// Text is returned for plain requests; empty falls back to a fixed
	// placeholder
	Text string

	// Object is returned for schema requests; nil falls back to an empty
	// object
	Object json.RawMessage

	// Usage is attached to every result
	Usage Usage

	// Err, when set, fails every call
	Err error

	mu    sync.Mutex
	calls []Request
}

// Complete returns the canned result and records the request
func (s *Static) Complete(ctx context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{Text: s.Text, Usage: s.Usage}
	if result.Text == "" {
		result.Text = staticText
	}
	if req.Schema != nil {
		result.Object = s.Object
		if result.Object == nil {
			result.Object = json.RawMessage(`{}`)
		}
	}
	return result, nil
}

// Calls returns a copy of every request seen so far
func (s *Static) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
