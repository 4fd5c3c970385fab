package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/mcp-authserver/storage"
)

// SaveClient inserts or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	const q = `
		INSERT INTO oauth_clients (id, name, redirect_uris, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, redirect_uris = EXCLUDED.redirect_uris`

	if _, err := s.pool.Exec(ctx, q, client.ID, client.Name, client.RedirectURIs, client.CreatedAt); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	const q = `SELECT id, name, redirect_uris, created_at FROM oauth_clients WHERE id = $1`

	var c storage.Client
	err := s.pool.QueryRow(ctx, q, clientID).Scan(&c.ID, &c.Name, &c.RedirectURIs, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	const q = `SELECT id, name, redirect_uris, created_at FROM oauth_clients ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var c storage.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.RedirectURIs, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		clients = append(clients, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}
