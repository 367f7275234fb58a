// Package relay bridges one run's upstream event stream to the run store and
// a subscribed client. The relay is the only component that mutates run
// records from stream traffic: it forwards raw bytes to the client unaltered,
// parses completed SSE frames out of the same bytes, and applies each event's
// store effect in arrival order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Docfold-Labs/docfold/internal/event"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

// DefaultIdleTimeout is how long the relay waits for the next upstream chunk
// before declaring the stream dead.
const DefaultIdleTimeout = 5 * time.Minute

const readBufferSize = 4096

// ErrIdleTimeout reports that the upstream produced no data within the idle
// window.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Sink is the client half of a subscription: an http.ResponseWriter with its
// flusher, or a buffer in tests.
type Sink interface {
	io.Writer
	Flush()
}

// Relay owns the per-run subscription lifecycle over an upstream source.
type Relay struct {
	store  *run.Store
	source upstream.Source
	idle   time.Duration
	log    *logger.ZapLogger
}

// New creates a relay over the given store and upstream source. A zero idle
// duration falls back to DefaultIdleTimeout.
func New(store *run.Store, source upstream.Source, idle time.Duration, log *logger.ZapLogger) *Relay {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Relay{store: store, source: source, idle: idle, log: log}
}

// Attach applies the subscribe rule and opens the upstream stream. Failures
// here happen before any bytes reach the client, so the caller can still
// send a plain error response: run.ErrNotFound for unknown runs,
// upstream.ErrBusy when another subscription is active, and anything else
// for an upstream that failed before producing data (which also fails the
// run).
func (r *Relay) Attach(ctx context.Context, runID string) (*Subscription, error) {
	rec, err := r.store.Get(runID)
	if err != nil {
		return nil, err
	}

	// Subscribing resumes a paused run; approval pauses and terminal states
	// keep their status
	if rec.Status != run.StatusPendingApproval && !rec.Status.Terminal() {
		status := run.StatusRunning
		if _, err := r.store.ApplyUpdate(runID, run.Update{Status: &status, ClearError: true}); err != nil {
			return nil, err
		}
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	body, err := r.source.Open(upstreamCtx, runID)
	if err != nil {
		cancel()
		if errors.Is(err, upstream.ErrBusy) {
			return nil, err
		}
		r.markFailed(runID, fmt.Sprintf("upstream connection failed: %v", err))
		return nil, err
	}

	return &Subscription{
		relay:  r,
		runID:  runID,
		body:   body,
		cancel: cancel,
	}, nil
}

// Subscription is one attached client stream for one run.
type Subscription struct {
	relay  *Relay
	runID  string
	body   io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

// Close aborts the upstream read. Safe to call repeatedly; only the first
// call reaches the upstream.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
}

// chunk is one upstream read handed to the relay loop
type chunk struct {
	data []byte
	err  error
}

// Stream relays upstream bytes to the sink until the upstream ends, the idle
// window elapses, or ctx is canceled. A single goroutine owns the loop: it
// forwards each chunk, parses whatever frames the chunk completed, and
// applies their store effects, strictly in arrival order.
func (s *Subscription) Stream(ctx context.Context, sink Sink) error {
	defer s.Close()

	log := s.relay.log.WithRun(s.runID)

	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)
	go readChunks(s.body, chunks, done)

	var scanner event.FrameScanner
	idle := time.NewTimer(s.relay.idle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.relay.markFailed(s.runID, "client disconnected before completion")
			return ctx.Err()

		case <-idle.C:
			s.Close()
			s.relay.markFailed(s.runID, fmt.Sprintf("stream idle timeout after %s", s.relay.idle))
			log.Warn("idle timeout, aborted upstream read")
			return ErrIdleTimeout

		case c := <-chunks:
			if len(c.data) > 0 {
				if _, werr := sink.Write(c.data); werr != nil {
					s.Close()
					s.relay.markFailed(s.runID, "client disconnected before completion")
					return werr
				}
				sink.Flush()
				s.applyFrames(scanner.Feed(c.data), log)
				resetTimer(idle, s.relay.idle)
			}
			if c.err != nil {
				s.Close()
				if errors.Is(c.err, io.EOF) {
					s.relay.finishClean(s.runID)
					return nil
				}
				s.relay.markFailed(s.runID, fmt.Sprintf("upstream read failed: %v", c.err))
				return c.err
			}
		}
	}
}

// applyFrames normalizes and applies parsed frames. A frame that fails to
// parse or apply is logged and skipped; it never aborts the stream.
func (s *Subscription) applyFrames(frames []event.Frame, log *logger.ZapLogger) {
	for _, f := range frames {
		ev, err := event.Normalize(s.runID, f.Name, f.Data)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable frame")
			continue
		}
		if _, err := event.Apply(s.relay.store, ev); err != nil {
			log.WithError(err).Warnf("failed to apply %s event", f.Name)
		}
	}
}

// finishClean handles a clean upstream close with no explicit terminal
// event: a run still marked running completed implicitly.
func (r *Relay) finishClean(runID string) {
	rec, err := r.store.Get(runID)
	if err != nil || rec.Status != run.StatusRunning {
		return
	}
	status := run.StatusCompleted
	_, _ = r.store.ApplyUpdate(runID, run.Update{Status: &status})
	r.log.WithRun(runID).Info("upstream closed cleanly, run completed")
}

// markFailed fails the run with the given reason unless it already reached a
// terminal state.
func (r *Relay) markFailed(runID, reason string) {
	rec, err := r.store.Get(runID)
	if err != nil || rec.Status.Terminal() {
		return
	}
	status := run.StatusFailed
	_, _ = r.store.ApplyUpdate(runID, run.Update{Status: &status, Error: &reason})
	r.log.WithRun(runID).Warnf("run failed: %s", reason)
}

// readChunks pumps upstream reads into the channel until the body errors or
// the subscription stops consuming.
func readChunks(body io.Reader, chunks chan<- chunk, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case chunks <- c:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
