package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogRecordsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"state":"UPLOADED"}`))
	})
	h := WithRequestID(logger, WithRequestLog("resume", nil, inner))

	req := httptest.NewRequest(http.MethodPost, "/api/resumes", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["status"] != float64(http.StatusAccepted) || entry["bytes"] != float64(20) {
		t.Fatalf("status/bytes = %v/%v", entry["status"], entry["bytes"])
	}
	if entry["request_id"] != "req-42" || entry["level"] != "INFO" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestRequestLogLevel(t *testing.T) {
	cases := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/healthz", http.StatusOK, slog.LevelDebug},
		{"/api/resumes/abc", http.StatusOK, slog.LevelDebug},
		{"/api/resumes/abc", http.StatusNotFound, slog.LevelInfo},
		{"/api/resumes", http.StatusAccepted, slog.LevelInfo},
		{"/api/resumes", http.StatusTooManyRequests, slog.LevelWarn},
		{"/api/resumes", http.StatusRequestEntityTooLarge, slog.LevelWarn},
		{"/api/profiles/active", http.StatusServiceUnavailable, slog.LevelError},
	}
	for _, tc := range cases {
		if got := requestLogLevel(tc.path, tc.status); got != tc.want {
			t.Fatalf("requestLogLevel(%s, %d) = %v, want %v", tc.path, tc.status, got, tc.want)
		}
	}
}
