package logger

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += size
	return size, err
}

// Hijack implements the http.Hijacker interface
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("responseWriter doesn't support hijacking")
}

// Flush implements the http.Flusher interface. SSE handlers depend on this
// passing through to the underlying writer.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// requestLogger returns a logger carrying request context
func requestLogger(logger *Logger, r *http.Request) *Logger {
	if logger.zap != nil {
		return &Logger{zap: logger.zap.WithHTTPRequest(r)}
	}
	return logger.WithFields(map[string]interface{}{
		"method":      r.Method,
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
	})
}

// HTTPMiddleware creates a logging middleware for HTTP requests
func HTTPMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := requestLogger(logger, r)
			reqLogger.Debug("Request received")

			wrapped := &responseWriter{
				ResponseWriter: w,
				status:         200, // default status
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			if reqLogger.zap != nil {
				zapLogger := reqLogger.zap.WithDuration(duration).With(
					zap.Int("status", wrapped.status),
					zap.Int("size", wrapped.size),
				)
				reqLogger = &Logger{
					zap: &ZapLogger{
						Logger: zapLogger,
						sugar:  zapLogger.Sugar(),
					},
				}
			} else {
				reqLogger = reqLogger.WithFields(map[string]interface{}{
					"status":      wrapped.status,
					"size":        wrapped.size,
					"duration_ms": float64(duration.Nanoseconds()) / 1e6,
				})
			}

			switch {
			case wrapped.status >= 500:
				reqLogger.Error("Request failed with server error")
			case wrapped.status >= 400:
				reqLogger.Warn("Request failed with client error")
			case wrapped.status >= 300:
				reqLogger.Info("Request redirected")
			default:
				reqLogger.Info("Request completed")
			}

			if duration > 1*time.Second {
				reqLogger.Warnf("Slow request detected: %v", duration)
			}
		})
	}
}

// SSEMiddleware creates a logging middleware specifically for SSE endpoints.
// Streams stay open for minutes, so it logs connect and disconnect rather
// than a single completion line.
func SSEMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sseLogger := requestLogger(logger, r).WithField("connection_type", "sse")
			sseLogger.Info("SSE connection initiated")

			wrapped := &responseWriter{
				ResponseWriter: w,
				status:         200,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			if sseLogger.zap != nil {
				sseLogger = &Logger{zap: sseLogger.zap.WithDuration(duration)}
			} else {
				sseLogger = sseLogger.WithField("duration_ms", float64(duration.Nanoseconds())/1e6)
			}

			sseLogger.Info("SSE connection closed")
		})
	}
}
