package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// proxyMatcher reports whether a peer address belongs to a trusted reverse
// proxy. A nil matcher trusts nobody.
type proxyMatcher struct {
	prefixes []netip.Prefix
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid trusted proxy IP", "entry", entry, "error", err)
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil
	}
	return &proxyMatcher{prefixes: prefixes}
}

func (m *proxyMatcher) trusts(ip net.IP) bool {
	if m == nil || ip == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIPFromRequest resolves the client address. Forwarding headers are
// walked right to left and the first untrusted hop wins.
func clientIPFromRequest(r *http.Request, trusted *proxyMatcher) net.IP {
	remote := parseHostIP(r.RemoteAddr)
	if remote == nil || !trusted.trusts(remote) {
		return remote
	}

	hops := forwardedFor(r.Header.Get("Forwarded"))
	if len(hops) == 0 {
		hops = xForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(hops) == 0 {
		return remote
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.trusts(hops[i]) {
			return hops[i]
		}
	}
	return hops[0]
}

func forwardedFor(header string) []net.IP {
	var out []net.IP
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			if ip := parseHostIP(value); ip != nil {
				out = append(out, ip)
			}
		}
	}
	return out
}

func xForwardedFor(header string) []net.IP {
	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseHostIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

// parseHostIP accepts "ip", "ip:port", "[v6]:port" and quoted variants.
func parseHostIP(value string) net.IP {
	host := strings.Trim(strings.TrimSpace(value), "\"")
	if host == "" || strings.EqualFold(host, "unknown") {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if zone := strings.IndexByte(host, '%'); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
