package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/mcp-authserver/storage"
)

// GetClientMetadata returns the cached metadata record for clientID, expired or not
func (s *Store) GetClientMetadata(ctx context.Context, clientID string) (*storage.ClientMetadataRecord, error) {
	const q = `SELECT client_id, document, cached_at, expires_at FROM oauth_client_metadata WHERE client_id = $1`

	var r storage.ClientMetadataRecord
	err := s.pool.QueryRow(ctx, q, clientID).Scan(&r.ClientID, &r.Document, &r.CachedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientMetadataNotFound
		}
		return nil, fmt.Errorf("failed to get client metadata: %w", err)
	}
	r.CachedAt = r.CachedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return &r, nil
}

// SaveClientMetadata inserts or replaces the record for record.ClientID
func (s *Store) SaveClientMetadata(ctx context.Context, record *storage.ClientMetadataRecord) error {
	if record == nil || record.ClientID == "" {
		return fmt.Errorf("client metadata client ID cannot be empty")
	}

	const q = `
		INSERT INTO oauth_client_metadata (client_id, document, cached_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE
		SET document = EXCLUDED.document, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`

	if _, err := s.pool.Exec(ctx, q, record.ClientID, record.Document, record.CachedAt, record.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save client metadata: %w", err)
	}
	return nil
}

// DeleteExpiredClientMetadata removes records whose ExpiresAt is before now
func (s *Store) DeleteExpiredClientMetadata(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_client_metadata WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired client metadata: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
