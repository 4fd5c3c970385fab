package security

import (
	"fmt"
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the headers every OAuth endpoint response carries.
// Responses are marked uncacheable; use SetPublicCacheHeaders afterwards for
// discovery documents that clients may cache.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 5.1: token responses must not be cached
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetPublicCacheHeaders allows shared caches to keep a public document
// (authorization server metadata, JWKS) for maxAgeSeconds.
func SetPublicCacheHeaders(w http.ResponseWriter, maxAgeSeconds int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAgeSeconds))
	w.Header().Del("Pragma")
}
