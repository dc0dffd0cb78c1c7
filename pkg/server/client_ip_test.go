package server

import (
	"net"
	"net/http/httptest"
	"testing"
)

func TestClientIPFromRequest_UntrustedProxyIgnoresForwarded(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	trusted := newProxyMatcher([]string{"203.0.113.1"}, nil)
	got := clientIPFromRequest(req, trusted)
	want := net.ParseIP("198.51.100.10")

	if got == nil || !got.Equal(want) {
		t.Fatalf("clientIP=%v, want %v", got, want)
	}
}

func TestClientIPFromRequest_TrustedProxyRightMostUntrusted(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "203.0.113.10:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.11, 192.0.2.20")

	trusted := newProxyMatcher([]string{"203.0.113.10", "203.0.113.11"}, nil)
	got := clientIPFromRequest(req, trusted)
	want := net.ParseIP("192.0.2.20")

	if got == nil || !got.Equal(want) {
		t.Fatalf("clientIP=%v, want %v", got, want)
	}
}

func TestClientIPFromRequest_AllTrustedUsesLeftmost(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "203.0.113.10:1234"
	req.Header.Set("Forwarded", `for=192.0.2.1, for=192.0.2.2`)

	trusted := newProxyMatcher([]string{"203.0.113.10", "192.0.2.1", "192.0.2.2"}, nil)
	got := clientIPFromRequest(req, trusted)
	want := net.ParseIP("192.0.2.1")

	if got == nil || !got.Equal(want) {
		t.Fatalf("clientIP=%v, want %v", got, want)
	}
}

func TestClientIPFromRequest_NoTrustedProxies(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "203.0.113.10:1234"
	req.Header.Set("X-Forwarded-For", "192.0.2.1")

	got := clientIPFromRequest(req, nil)
	want := net.ParseIP("203.0.113.10")

	if got == nil || !got.Equal(want) {
		t.Fatalf("clientIP=%v, want %v", got, want)
	}
}

func TestClientIPFromRequest_TrustedCIDR(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("Forwarded", `for="[2001:db8::7]:4711";proto=https`)

	trusted := newProxyMatcher([]string{"10.0.0.0/8"}, nil)
	got := clientIPFromRequest(req, trusted)
	want := net.ParseIP("2001:db8::7")

	if got == nil || !got.Equal(want) {
		t.Fatalf("clientIP=%v, want %v", got, want)
	}
}

func TestNewProxyMatcher(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		ip      string
		want    bool
	}{
		{"empty", nil, "10.0.0.1", false},
		{"exact", []string{"10.0.0.1"}, "10.0.0.1", true},
		{"exact miss", []string{"10.0.0.1"}, "10.0.0.2", false},
		{"cidr", []string{"192.168.0.0/16"}, "192.168.44.1", true},
		{"mapped v4", []string{"10.0.0.1"}, "::ffff:10.0.0.1", true},
		{"invalid skipped", []string{"nope", "10.0.0.0/33", "10.0.0.1"}, "10.0.0.1", true},
		{"all invalid", []string{"nope"}, "10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newProxyMatcher(tt.entries, nil)
			if got := m.trusts(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("trusts(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestParseHostIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.0.2.1", "192.0.2.1"},
		{"192.0.2.1:80", "192.0.2.1"},
		{" \"192.0.2.1\" ", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"fe80::1%eth0", "fe80::1"},
		{"unknown", ""},
		{"", ""},
		{"_hidden", ""},
	}

	for _, tt := range tests {
		got := parseHostIP(tt.in)
		gotStr := ""
		if got != nil {
			gotStr = got.String()
		}
		if gotStr != tt.want {
			t.Errorf("parseHostIP(%q) = %q, want %q", tt.in, gotStr, tt.want)
		}
	}
}

func TestNewRequestMeta(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/chat?room=1", nil)
	req.RemoteAddr = "198.51.100.4:5000"
	req.Header.Set("X-Client", "a")

	meta := newRequestMeta(req, nil)
	req.Header.Set("X-Client", "changed")

	if meta.Path != "/chat" || meta.RawQuery != "room=1" || meta.Method != "GET" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", meta.Host)
	}
	if meta.IP != "198.51.100.4" {
		t.Errorf("IP = %q, want 198.51.100.4", meta.IP)
	}
	if got := meta.Header.Get("X-Client"); got != "a" {
		t.Errorf("header = %q, want a copy taken at connect time", got)
	}
}
