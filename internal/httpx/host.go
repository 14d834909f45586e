package httpx

import (
	"net"
	"strings"
)

// NormalizeHost lowercases host and strips any port and trailing dot, giving
// the key used for virtual-host routing.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// RouteHost returns the routing key of a parsed request: the Host header, or
// the authority of an absolute-form request URI when Host is missing.
func RouteHost(p *ProxyHeaders) string {
	if h := p.Get("Host"); h != "" {
		return NormalizeHost(h)
	}
	if i := strings.Index(p.URI, "://"); i != -1 {
		rest := p.URI[i+3:]
		if j := strings.IndexByte(rest, '/'); j != -1 {
			rest = rest[:j]
		}
		return NormalizeHost(rest)
	}
	return ""
}
