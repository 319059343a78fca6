package realip

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// Extractor determines the real client IP behind trusted proxy chains.
type Extractor struct {
	trustedNets []*net.IPNet
	headers     []string // ordered list of headers to check

	totalRequests atomic.Int64
	extracted     atomic.Int64 // times IP came from headers, not RemoteAddr
}

// New creates an Extractor from a list of trusted proxy CIDRs. Bare IPs
// are accepted and widened to /32 or /128.
func New(cidrs []string) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	return &Extractor{
		trustedNets: nets,
		headers:     []string{"X-Forwarded-For", "X-Real-IP"},
	}, nil
}

// Extract determines the real client IP from the request. It walks the
// X-Forwarded-For chain from right to left, skipping IPs inside trusted
// proxy CIDRs, and returns the first untrusted IP. Headers are only
// trusted when the request arrived from a trusted proxy.
func (e *Extractor) Extract(r *http.Request) string {
	e.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)

	if len(e.trustedNets) == 0 {
		return remoteIP
	}
	if !e.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				e.extracted.Add(1)
				return ip
			}
		} else {
			ip := strings.TrimSpace(val)
			if ip != "" {
				e.extracted.Add(1)
				return ip
			}
		}
	}

	return remoteIP
}

// walkXFF walks the X-Forwarded-For chain from right to left, returning
// the first IP that is not a trusted proxy.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}

	// All IPs in XFF were trusted; return the leftmost
	if len(parts) > 0 {
		return strings.TrimSpace(parts[0])
	}
	return ""
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// extractHost strips the port from a host:port address.
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
