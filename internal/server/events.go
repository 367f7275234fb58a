package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/Docfold-Labs/docfold/internal/event"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

// responseSink adapts an http.ResponseWriter to the relay's flushable sink.
type responseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s responseSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s responseSink) Flush() { s.flusher.Flush() }

// runEventsHandler serves GET /runs/{id}/events. Each request streams one
// execution span: frames are relayed until the run pauses for input or an
// approval decision, finishes, or the client disconnects. A run accepts one
// subscriber at a time.
func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.PathValue("id")
	if runID == "" {
		s.respondWithError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	sub, err := s.deps.Relay.Attach(r.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrNotFound):
			s.respondWithError(w, http.StatusNotFound, "Run not found")
		case errors.Is(err, upstream.ErrBusy):
			s.respondWithError(w, http.StatusConflict, "Run already has an active subscriber")
		default:
			s.log.WithRun(runID).WithError(err).Error("failed to open upstream stream")
			s.respondWithError(w, http.StatusBadGateway, "Upstream stream unavailable")
		}
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	sink := responseSink{w: w, flusher: flusher}
	if _, err := sink.Write(event.Comment("subscribed")); err != nil {
		return
	}
	sink.Flush()

	err = sub.Stream(r.Context(), sink)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.log.WithRun(runID).Debug("subscriber disconnected")
	default:
		s.log.WithRun(runID).WithError(err).Warn("event stream ended with error")
	}
}
