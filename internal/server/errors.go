package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/engine"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

// statusForError maps component errors onto HTTP status codes. Unrecognized
// errors are reported as internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, run.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrConflict),
		errors.Is(err, engine.ErrNotWaiting),
		errors.Is(err, upstream.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, upstream.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes payload as a JSON response with the given status code
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

// respondWithError writes a JSON error response with the given status code
func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.log.WithError(err).Error("failed to encode error response")
	}
}
