package server

import (
	"net/http"
)

// RequestMeta is the snapshot of the HTTP request that opened a connection.
// It is captured once at connect time and never changes afterwards.
type RequestMeta struct {
	Header     http.Header
	Method     string
	Path       string
	RawQuery   string
	Host       string
	RemoteAddr string

	// IP is the resolved client address. It honors forwarding headers only
	// when the direct peer is a trusted proxy.
	IP string
}

// newRequestMeta copies the parts of r that outlive the upgrade.
func newRequestMeta(r *http.Request, trusted *proxyMatcher) RequestMeta {
	meta := RequestMeta{
		Header:     r.Header.Clone(),
		Method:     r.Method,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
	}
	if r.URL != nil {
		meta.Path = r.URL.Path
		meta.RawQuery = r.URL.RawQuery
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	if ip := clientIPFromRequest(r, trusted); ip != nil {
		meta.IP = ip.String()
	}
	return meta
}
