// Package server exposes the docfold HTTP surface: REST endpoints for
// creating and inspecting runs, recording approval and clarification
// decisions, and a per-run Server-Sent Events endpoint that streams one
// execution span per subscription.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/Docfold-Labs/docfold/internal/engine"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/relay"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/subagent"
	"github.com/Docfold-Labs/docfold/internal/template"
)

// defaultShutdownTimeout bounds graceful shutdown when no grace period is
// configured
const defaultShutdownTimeout = 5 * time.Second

// ErrServerRunning is returned when attempting to start an already running server
var ErrServerRunning = errors.New("server is already running")

// Deps bundles the components the HTTP surface is built on.
type Deps struct {
	Store     *run.Store
	Engine    *engine.Engine
	Relay     *relay.Relay
	Registry  *subagent.Registry
	Templates *template.Registry
	Logger    *logger.ZapLogger

	// ShutdownTimeout is the grace period for in-flight requests once the
	// server context is canceled; zero selects the default
	ShutdownTimeout time.Duration
}

// Server hosts the REST API and the per-run event stream.
type Server struct {
	port     int
	deps     Deps
	log      *logger.ZapLogger
	markdown goldmark.Markdown

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
	running    bool
}

// New creates a server instance that will listen on the given port once
// started. Port 0 requests an OS-assigned port.
func New(port int, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		port:     port,
		deps:     deps,
		log:      log,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// routes assembles the request mux with logging middleware applied
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	log := logger.GetLogger()
	withLog := logger.HTTPMiddleware(log)
	withSSELog := logger.SSEMiddleware(log)

	mux.Handle("/health", withLog(http.HandlerFunc(s.healthHandler)))
	mux.Handle("/runs", withLog(http.HandlerFunc(s.runsHandler)))
	mux.Handle("/runs/{id}", withLog(http.HandlerFunc(s.runDetailsHandler)))
	mux.Handle("/runs/{id}/events", withSSELog(http.HandlerFunc(s.runEventsHandler)))
	mux.Handle("/runs/{id}/cancel", withLog(http.HandlerFunc(s.runCancelHandler)))
	mux.Handle("/runs/{id}/approval", withLog(http.HandlerFunc(s.approvalHandler)))
	mux.Handle("/runs/{id}/clarification", withLog(http.HandlerFunc(s.clarificationHandler)))
	mux.Handle("/runs/{id}/preview", withLog(http.HandlerFunc(s.previewHandler)))
	mux.Handle("/subagents", withLog(http.HandlerFunc(s.subagentsHandler)))
	mux.Handle("/templates", withLog(http.HandlerFunc(s.templatesHandler)))

	return mux
}

// Start begins listening for HTTP requests on the configured port. It blocks
// until the provided context is canceled or the listener fails, and returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return ctx.Err()
	default:
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	if s.port == 0 {
		// Let the OS assign a port
		addr = "localhost:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen: %w", err)
	}

	httpServer := &http.Server{Handler: s.routes()}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	s.log.Infof("server listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		grace := s.deps.ShutdownTimeout
		if grace <= 0 {
			grace = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Error("server shutdown failed")
		}
	}()

	err = httpServer.Serve(listener)

	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.mu.Unlock()

	if errors.Is(err, http.ErrServerClosed) {
		s.log.Info("server shut down")
	}
	return err
}

// Address returns the actual address the server is listening on, or the
// empty string when it is not running.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
