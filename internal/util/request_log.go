package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseRecorder captures what the handler sent back.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// requestLogLevel keeps status polling and probes out of info logs. Client
// errors that signal abuse or oversize uploads are warnings.
func requestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusTooManyRequests, status == http.StatusRequestEntityTooLarge, status == http.StatusUnauthorized:
		return slog.LevelWarn
	case path == "/healthz", status == http.StatusOK && strings.HasPrefix(path, "/api/resumes/"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// WithRequestLog emits one structured line per HTTP request through the
// context logger, so it carries request_id when wrapped by WithRequestID.
func WithRequestLog(service string, trusted *TrustedProxies, next http.Handler) http.Handler {
	if service = strings.TrimSpace(service); service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		LoggerFromContext(r.Context()).Log(r.Context(), requestLogLevel(r.URL.Path, status),
			"http_request",
			"http_service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", ClientIP(r, trusted),
		)
	})
}
