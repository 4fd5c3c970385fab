package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/giantswarm/mcp-authserver/storage"
)

type clientJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	CreatedAt    int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ID:           c.ID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		CreatedAt:    unixMilli(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ID:           j.ID,
		Name:         j.Name,
		RedirectURIs: j.RedirectURIs,
		CreatedAt:    fromUnixMilli(j.CreatedAt),
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client and adds it to the client index
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateIDLength(client.ID, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.clientKey(client.ID)).Value(string(data)).Build(),
		s.client.B().Sadd().Key(s.clientIndexKey()).Member(client.ID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save client: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
	if err != nil {
		if err == storage.ErrClientNotFound {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			if storage.IsClientNotFound(err) {
				continue // deleted between SMEMBERS and GET
			}
			return nil, err
		}
		clients = append(clients, c)
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// DeleteClient removes a client and its index entry
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	resps := s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.clientKey(clientID)).Build(),
		s.client.B().Srem().Key(s.clientIndexKey()).Member(clientID).Build(),
	)
	deleted, err := resps[0].AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if err := resps[1].Error(); err != nil {
		return fmt.Errorf("failed to update client index: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}
