package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.20.0.0/16", " 172.16.5.9 ", ""})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	cases := map[string]struct {
		peer    string
		headers map[string]string
		trusted *TrustedProxies
		want    string
	}{
		"direct upload ignores spoofed headers": {
			peer:    "203.0.113.40:51000",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1", "X-Real-IP": "198.51.100.2"},
			want:    "203.0.113.40",
		},
		"untrusted peer with a trust list": {
			peer:    "203.0.113.40:51000",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
			trusted: proxies,
			want:    "203.0.113.40",
		},
		"ingress hop resolves the browser": {
			peer:    "10.20.3.4:8080",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.9, 172.16.5.9"},
			trusted: proxies,
			want:    "198.51.100.9",
		},
		"ipv4 mapped peer is trusted": {
			peer:    "[::ffff:10.20.3.4]:8080",
			headers: map[string]string{"X-Real-IP": "198.51.100.10"},
			trusted: proxies,
			want:    "198.51.100.10",
		},
		"only proxies in chain": {
			peer:    "10.20.3.4:8080",
			headers: map[string]string{"X-Forwarded-For": "10.20.9.9,172.16.5.9"},
			trusted: proxies,
			want:    "10.20.9.9",
		},
		"no forwarding headers keeps peer": {
			peer:    "10.20.3.4:8080",
			trusted: proxies,
			want:    "10.20.3.4",
		},
		"unparsable peer is returned as is": {
			peer: "pipe",
			want: "pipe",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/resumes", nil)
			req.RemoteAddr = tc.peer
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	empty, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || empty != nil {
		t.Fatalf("blank entries = %v, %v; want nil, nil", empty, err)
	}
	for _, bad := range []string{"10.0.0.0/33", "not-an-ip"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("NewTrustedProxies(%q) expected error", bad)
		}
	}
	set, err := NewTrustedProxies([]string{"10.1.2.3/8", "2001:db8::1"})
	if err != nil {
		t.Fatalf("valid entries: %v", err)
	}
	for addr, want := range map[string]bool{"10.200.0.1": true, "11.0.0.1": false, "2001:db8::1": true, "2001:db8::2": false} {
		if got := set.Contains(netip.MustParseAddr(addr)); got != want {
			t.Fatalf("Contains(%s) = %v, want %v", addr, got, want)
		}
	}
}
