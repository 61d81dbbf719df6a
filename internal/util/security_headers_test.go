package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWithSecurityHeaders(req *http.Request) *httptest.ResponseRecorder {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWithSecurityHeaders(t *testing.T) {
	rec := serveWithSecurityHeaders(httptest.NewRequest(http.MethodGet, "/api/profiles/active", nil))
	for _, kv := range apiHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Fatalf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("HSTS on plain http: %q", got)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWithSecurityHeadersHSTS(t *testing.T) {
	forwarded := httptest.NewRequest(http.MethodGet, "/api/resumes", nil)
	forwarded.Header.Set("X-Forwarded-Proto", " HTTPS ")
	direct := httptest.NewRequest(http.MethodGet, "/api/resumes", nil)
	direct.TLS = &tls.ConnectionState{}
	for name, req := range map[string]*http.Request{"forwarded": forwarded, "direct": direct} {
		if got := serveWithSecurityHeaders(req).Header().Get("Strict-Transport-Security"); got != hstsValue {
			t.Fatalf("%s: HSTS = %q", name, got)
		}
	}
}
