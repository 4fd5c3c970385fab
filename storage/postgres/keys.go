package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/mcp-authserver/storage"
)

// GetSigningKey returns the signing key stored under id
func (s *Store) GetSigningKey(ctx context.Context, id string) (*storage.SigningKey, error) {
	const q = `SELECT id, kid, public_jwk, private_jwk, created_at FROM oauth_signing_keys WHERE id = $1`

	var k storage.SigningKey
	err := s.pool.QueryRow(ctx, q, id).Scan(&k.ID, &k.KeyID, &k.PublicJWK, &k.PrivateJWK, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrSigningKeyNotFound
		}
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return &k, nil
}

// SaveSigningKey inserts or replaces the signing key under key.ID
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("signing key ID cannot be empty")
	}

	const q = `
		INSERT INTO oauth_signing_keys (id, kid, public_jwk, private_jwk, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET kid = EXCLUDED.kid, public_jwk = EXCLUDED.public_jwk,
		    private_jwk = EXCLUDED.private_jwk, created_at = EXCLUDED.created_at`

	if _, err := s.pool.Exec(ctx, q, key.ID, key.KeyID, key.PublicJWK, key.PrivateJWK, key.CreatedAt); err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	return nil
}
