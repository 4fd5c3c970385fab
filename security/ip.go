package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP extracts the client IP address used as the rate limiting key.
//
// Forwarding headers are only honoured when trustProxy is set. trustedProxyCount is the
// number of proxies we operate, counted from the right of X-Forwarded-For; 0 means one.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip, err := netip.ParseAddr(strings.TrimSpace(hops[idx]))
	if err != nil {
		return ""
	}
	return ip.String()
}
