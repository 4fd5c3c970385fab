package server

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	// CodeChallengeLength is the length of a base64url (unpadded) SHA-256 digest
	CodeChallengeLength = 43

	PKCEMethodS256 = "S256"
)

// ComputeS256Challenge returns base64url(SHA-256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether verifier satisfies challenge under method.
// Only S256 is supported; any other method fails.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 {
		return false
	}
	computed := ComputeS256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// IsValidCodeVerifier reports whether s is 43-128 characters of [A-Za-z0-9-._~].
func IsValidCodeVerifier(s string) bool {
	if len(s) < MinCodeVerifierLength || len(s) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			return false
		}
	}
	return true
}

// IsValidCodeChallenge reports whether s looks like an S256 challenge:
// exactly 43 characters of the base64url alphabet.
func IsValidCodeChallenge(s string) bool {
	if len(s) != CodeChallengeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isAlphaNum(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	return isAlphaNum(c) || c == '-' || c == '.' || c == '_' || c == '~'
}

func isAlphaNum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
