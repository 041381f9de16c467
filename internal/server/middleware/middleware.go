// Package middleware wraps the service's HTTP handlers with request IDs,
// access logging and panic recovery.
package middleware

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// RequestIDHeader carries the request ID in both directions. An incoming
// value is kept so callers can correlate their own logs.
const RequestIDHeader = "X-Request-ID"

// Chain wraps next so that every request gets an ID, is logged once at debug
// level and cannot crash the process by panicking.
func Chain(logger *slog.Logger, adapter *rerrors.HTTPErrorAdapter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("HTTP handler panic",
						slog.String("request_id", id),
						slog.Any("panic", rec),
						logfields.Method(r.Method),
						logfields.Path(r.URL.Path))
					if !rw.wrote {
						adapter.WriteErrorResponse(rw, r, rerrors.InternalError("internal server error", fmt.Errorf("%v", rec)))
					}
				}
				logger.Debug("HTTP request",
					slog.String("request_id", id),
					logfields.Method(r.Method),
					logfields.Path(r.URL.Path),
					logfields.Status(rw.status),
					logfields.DurationMS(float64(time.Since(start).Microseconds())/1000),
					logfields.UserAgent(r.UserAgent()),
					logfields.RemoteAddr(r.RemoteAddr))
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// statusRecorder remembers the status for the access log. It passes
// hijacking through so websocket upgrades work behind the chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wrote {
		rw.status = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	rw.wrote = true
	return h.Hijack()
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
