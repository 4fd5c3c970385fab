package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// It is used to log a recognisable prefix of secrets such as authorization codes.
// A negative maxLen yields "".
//
// Example:
//
//	SafeTruncate("very-long-code-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so an issuer configured as
// "https://auth.example.com/" and "https://auth.example.com" produce the same
// discovery document and iss claim.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
