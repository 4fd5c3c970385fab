package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestClient creates a statically registered test client
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:           "test-client-" + GenerateRandomString(8),
		Name:         "Test Client",
		RedirectURIs: []string{"https://example.com/callback", "http://localhost:8765/callback"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// GenerateTestAuthorizationCode creates an unused code for clientID expiring at expiresAt
func GenerateTestAuthorizationCode(clientID string, expiresAt time.Time) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		ExpiresAt:           expiresAt,
		CreatedAt:           expiresAt.Add(-10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge and verifier pair.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
