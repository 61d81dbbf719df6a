package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/api/resumes", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	return req
}

func TestNewCORS(t *testing.T) {
	reached := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	})
	open := NewCORS(nil)(next)
	listed := NewCORS([]string{"https://app.meetra.io/", " "})(next)

	cases := []struct {
		name        string
		h           http.Handler
		req         *http.Request
		wantStatus  int
		wantOrigin  string
		wantReached bool
	}{
		{"open preflight", open, corsRequest(http.MethodOptions, "https://x.test", true), http.StatusNoContent, "*", false},
		{"open get", open, corsRequest(http.MethodGet, "https://x.test", false), http.StatusOK, "*", true},
		{"listed origin", listed, corsRequest(http.MethodGet, "https://app.meetra.io", false), http.StatusOK, "https://app.meetra.io", true},
		{"listed preflight", listed, corsRequest(http.MethodOptions, "https://app.meetra.io", true), http.StatusNoContent, "https://app.meetra.io", false},
		{"foreign preflight", listed, corsRequest(http.MethodOptions, "https://evil.test", true), http.StatusForbidden, "", false},
		{"foreign get passes without headers", listed, corsRequest(http.MethodGet, "https://evil.test", false), http.StatusOK, "", true},
		{"same origin request", listed, corsRequest(http.MethodGet, "", false), http.StatusOK, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = 0
			rec := httptest.NewRecorder()
			tc.h.ServeHTTP(rec, tc.req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tc.wantOrigin)
			}
			if (reached > 0) != tc.wantReached {
				t.Fatalf("handler reached = %v, want %v", reached > 0, tc.wantReached)
			}
		})
	}
}
