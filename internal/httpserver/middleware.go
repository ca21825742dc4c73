package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

type contextKey string

const requestLoggerKey contextKey = "httpserver.request.logger"

const requestIDHeader = "X-Request-Id"

// probePaths are polled by supervisors and scrapers; their access lines go to debug.
var probePaths = map[string]struct{}{
	"/healthz":     {},
	"/api/healthz": {},
	"/readyz":      {},
	"/api/readyz":  {},
	"/metrics":     {},
}

var errNoHijack = errors.New("httpserver: response writer does not support hijacking")

// statusRecorder captures what a handler wrote. Hijack stays available for /ws.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strconv.FormatUint(s.requestIDs.Add(1), 10)
		w.Header().Set(requestIDHeader, reqID)

		logger := s.logger.With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if remote := r.RemoteAddr; remote != "" {
			logger = logger.With("remote_addr", remote)
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLoggerKey, logger)))

		level := slog.LevelInfo
		if _, ok := probePaths[r.URL.Path]; ok {
			level = slog.LevelDebug
		}
		if rec.statusCode() >= http.StatusInternalServerError && rec.statusCode() != http.StatusServiceUnavailable {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request complete",
			"status", rec.statusCode(),
			"duration", time.Since(start),
			"bytes", rec.bytes,
		)
	})
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(requestLoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return s.logger
}
