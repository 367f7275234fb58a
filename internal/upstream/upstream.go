// Package upstream abstracts where a run's event stream comes from. The
// relay consumes a Source without knowing whether it is the embedded engine
// or a remote generation backend.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnavailable marks an upstream that could not be reached or refused the
// stream. The relay reports it as a 502-class failure when no data has been
// forwarded yet.
var ErrUnavailable = errors.New("upstream unavailable")

// ErrBusy reports that the run already has an active subscription.
var ErrBusy = errors.New("run already has an active subscription")

// Source opens one event stream per run.
type Source interface {
	// Open starts or resumes the run's event stream. The returned reader
	// carries raw server-sent-event bytes; the caller must close it.
	Open(ctx context.Context, runID string) (io.ReadCloser, error)
}

// HTTPSource streams run events from a remote backend exposing
// GET {base}/runs/{id}/events.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates a source for the given base URL. The underlying
// client carries no overall timeout: streams are long-lived and liveness is
// the relay's idle timer's job.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Open dials the run's event stream
func (s *HTTPSource) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/runs/%s/events", s.baseURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrUnavailable, resp.StatusCode)
	}
	return resp.Body, nil
}
