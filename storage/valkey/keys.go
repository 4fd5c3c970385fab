package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-authserver/storage"
)

type signingKeyJSON struct {
	ID         string `json:"id"`
	KeyID      string `json:"kid"`
	PublicJWK  string `json:"public_jwk"`
	PrivateJWK string `json:"private_jwk"`
	CreatedAt  int64  `json:"created_at"`
}

func fromSigningKeyJSON(j *signingKeyJSON) *storage.SigningKey {
	return &storage.SigningKey{
		ID:         j.ID,
		KeyID:      j.KeyID,
		PublicJWK:  j.PublicJWK,
		PrivateJWK: j.PrivateJWK,
		CreatedAt:  fromUnixMilli(j.CreatedAt),
	}
}

// GetSigningKey returns the signing key stored under id
func (s *Store) GetSigningKey(ctx context.Context, id string) (*storage.SigningKey, error) {
	return getAndUnmarshal(ctx, s, s.signingKeyKey(id), storage.ErrSigningKeyNotFound, fromSigningKeyJSON)
}

// SaveSigningKey stores the signing key without expiry
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("signing key ID cannot be empty")
	}

	data, err := json.Marshal(&signingKeyJSON{
		ID:         key.ID,
		KeyID:      key.KeyID,
		PublicJWK:  key.PublicJWK,
		PrivateJWK: key.PrivateJWK,
		CreatedAt:  unixMilli(key.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.signingKeyKey(key.ID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	return nil
}
