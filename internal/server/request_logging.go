package server

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"mnemo/internal/store"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDPrefix = "rq"
	unmatchedRoute  = "unmatched"
)

// Client supplied ids are echoed back only when they are short and printable.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

type requestIDKey struct{}

// statusWriter remembers the status sent downstream. Unwrap keeps
// http.ResponseController working through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// withRequestLogging tags every request with an id, logs its completion and
// records it in the HTTP metrics. Health probes pass through untouched.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		id := requestIDFor(r)
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		status := sw.code()
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(r.Method, route, status, elapsed)
		}

		s.log().Log(r.Context(), completionLevel(status), "request complete",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", id,
		)
	})
}

func completionLevel(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelDebug
}

func requestIDFor(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); requestIDPattern.MatchString(id) {
		return id
	}
	id, err := store.GenerateID(requestIDPrefix)
	if err != nil {
		return requestIDPrefix + "-unknown"
	}
	return id
}

func requestIDFrom(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}
