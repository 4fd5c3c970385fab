package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// SigningKeyID is the fixed storage identifier of the signing keypair
	SigningKeyID = "default"

	signingKeyBits = 2048
)

// SigningKeyPair is the in-memory form of the token signing keypair
type SigningKeyPair struct {
	KeyID      string
	PublicKey  jose.JSONWebKey
	PrivateKey *rsa.PrivateKey
}

// JWKS is a JSON Web Key Set document
type JWKS struct {
	Keys []jose.JSONWebKey `json:"keys"`
}

// KeyManager owns the RS256 signing keypair. The pair is loaded from the key store
// on first use, or generated and persisted when none exists, then cached in memory.
type KeyManager struct {
	store     storage.KeyStore
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cached *SigningKeyPair
}

// NewKeyManager creates a key manager backed by store
func NewKeyManager(store storage.KeyStore, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyManager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetEncryptor enables encryption of the private JWK at rest
func (m *KeyManager) SetEncryptor(enc *security.Encryptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encryptor = enc
}

// SetAuditor sets the security auditor
func (m *KeyManager) SetAuditor(aud *security.Auditor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditor = aud
}

// GetSigningKeyPair returns the signing keypair, loading or generating it on first use.
// Generation happens at most once per process unless ClearCache is called.
func (m *KeyManager) GetSigningKeyPair(ctx context.Context) (*SigningKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	stored, err := m.store.GetSigningKey(ctx, SigningKeyID)
	switch {
	case err == nil:
		pair, err := m.decodeSigningKey(stored)
		if err != nil {
			return nil, err
		}
		m.cached = pair
		return pair, nil
	case errors.Is(err, storage.ErrSigningKeyNotFound):
	default:
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	pair, err := generateSigningKeyPair()
	if err != nil {
		return nil, err
	}

	record, err := m.encodeSigningKey(pair)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSigningKey(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}

	m.logger.Info("Generated new token signing key", "kid", pair.KeyID)
	if m.auditor != nil {
		m.auditor.LogEvent(security.Event{
			Type: security.EventSigningKeyGenerated,
			Details: map[string]any{
				"kid":       pair.KeyID,
				"encrypted": m.encryptor.IsEnabled(),
			},
		})
	}

	m.cached = pair
	return pair, nil
}

// PublicKeyJWK returns the public JWK annotated with kid, use and alg
func (m *KeyManager) PublicKeyJWK(ctx context.Context) (jose.JSONWebKey, error) {
	pair, err := m.GetSigningKeyPair(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	return pair.PublicKey, nil
}

// PrivateKey returns the RSA private key
func (m *KeyManager) PrivateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	pair, err := m.GetSigningKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return pair.PrivateKey, nil
}

// KeyID returns the kid of the signing key
func (m *KeyManager) KeyID(ctx context.Context) (string, error) {
	pair, err := m.GetSigningKeyPair(ctx)
	if err != nil {
		return "", err
	}
	return pair.KeyID, nil
}

// JWKS returns the key set published at the JWKS endpoint
func (m *KeyManager) JWKS(ctx context.Context) (*JWKS, error) {
	jwk, err := m.PublicKeyJWK(ctx)
	if err != nil {
		return nil, err
	}
	return &JWKS{Keys: []jose.JSONWebKey{jwk}}, nil
}

// ClearCache drops the in-memory keypair. The next access reloads it from storage.
func (m *KeyManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

func generateSigningKeyPair() (*SigningKeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid, err := deriveKeyID(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &SigningKeyPair{
		KeyID:      kid,
		PublicKey:  publicJWK(&privateKey.PublicKey, kid),
		PrivateKey: privateKey,
	}, nil
}

// deriveKeyID computes the RFC 7638 JWK thumbprint of pub
func deriveKeyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

func publicJWK(pub *rsa.PublicKey, kid string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Use:       "sig",
		Algorithm: string(jose.RS256),
	}
}

// encodeSigningKey serializes pair for storage, encrypting the private JWK when enabled
func (m *KeyManager) encodeSigningKey(pair *SigningKeyPair) (*storage.SigningKey, error) {
	publicJSON, err := json.Marshal(pair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public JWK: %w", err)
	}

	privateJSON, err := json.Marshal(jose.JSONWebKey{
		Key:       pair.PrivateKey,
		KeyID:     pair.KeyID,
		Use:       "sig",
		Algorithm: string(jose.RS256),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private JWK: %w", err)
	}

	privateValue, err := m.encryptor.Encrypt(string(privateJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private JWK: %w", err)
	}

	return &storage.SigningKey{
		ID:         SigningKeyID,
		KeyID:      pair.KeyID,
		PublicJWK:  string(publicJSON),
		PrivateJWK: privateValue,
		CreatedAt:  m.now(),
	}, nil
}

// decodeSigningKey reverses encodeSigningKey
func (m *KeyManager) decodeSigningKey(record *storage.SigningKey) (*SigningKeyPair, error) {
	privateJSON, err := m.encryptor.Decrypt(record.PrivateJWK)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private JWK: %w", err)
	}

	var privateJWK jose.JSONWebKey
	if err := json.Unmarshal([]byte(privateJSON), &privateJWK); err != nil {
		return nil, fmt.Errorf("failed to parse private JWK: %w", err)
	}
	privateKey, ok := privateJWK.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored signing key is %T, want RSA private key", privateJWK.Key)
	}

	var pub jose.JSONWebKey
	if err := json.Unmarshal([]byte(record.PublicJWK), &pub); err != nil {
		return nil, fmt.Errorf("failed to parse public JWK: %w", err)
	}
	if _, ok := pub.Key.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("stored public key is %T, want RSA public key", pub.Key)
	}

	kid := record.KeyID
	if kid == "" {
		kid = pub.KeyID
	}

	return &SigningKeyPair{
		KeyID:      kid,
		PublicKey:  publicJWK(&privateKey.PublicKey, kid),
		PrivateKey: privateKey,
	}, nil
}
