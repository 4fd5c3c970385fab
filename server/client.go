package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	ResponseTypeCode           = "code"
)

// Client types, as reported in metrics and spans
const (
	ClientTypeStatic   = "static"
	ClientTypeMetadata = "metadata"
)

// ErrClientNotFound is returned when a client_id resolves to nothing
var ErrClientNotFound = errors.New("client not found")

// dangerousSchemes must never be accepted as redirect URI schemes
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// ResolvedClient is the normalized view of a client, built fresh for every resolution
type ResolvedClient struct {
	ID               string
	Name             string
	RedirectURIs     []string
	GrantTypes       []string
	IsMetadataClient bool
}

// IsValidRedirectURI reports whether uri is one of the client's redirect URIs (exact match)
func (c *ResolvedClient) IsValidRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SupportsGrantType reports whether the client may use grantType
func (c *ResolvedClient) SupportsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Type returns ClientTypeMetadata or ClientTypeStatic
func (c *ResolvedClient) Type() string {
	if c.IsMetadataClient {
		return ClientTypeMetadata
	}
	return ClientTypeStatic
}

// ClientResolver turns a client_id into a ResolvedClient. HTTPS URL identifiers go
// through the metadata cache; everything else is looked up in the static registry only.
type ClientResolver struct {
	clients  storage.ClientStore
	metadata *ClientMetadataCache
	codes    *CodeStore
	auditor  *security.Auditor
	logger   *slog.Logger
	now      func() time.Time
}

// NewClientResolver creates a resolver
func NewClientResolver(clients storage.ClientStore, metadata *ClientMetadataCache, codes *CodeStore, logger *slog.Logger) *ClientResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientResolver{
		clients:  clients,
		metadata: metadata,
		codes:    codes,
		logger:   logger,
		now:      time.Now,
	}
}

// ResolveClient resolves clientID. ErrClientNotFound means the client is unknown or its
// metadata document is unavailable; other errors come from storage or ctx.
func (r *ClientResolver) ResolveClient(ctx context.Context, clientID string) (*ResolvedClient, error) {
	if isURLClientID(clientID) {
		return r.resolveMetadataClient(ctx, clientID)
	}

	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsClientNotFound(err) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	return &ResolvedClient{
		ID:               client.ID,
		Name:             client.Name,
		RedirectURIs:     cloneStrings(client.RedirectURIs),
		GrantTypes:       []string{GrantTypeAuthorizationCode},
		IsMetadataClient: false,
	}, nil
}

func (r *ClientResolver) resolveMetadataClient(ctx context.Context, clientID string) (*ResolvedClient, error) {
	doc, err := r.metadata.GetClientMetadata(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientMetadataUnavailable) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}

	name := doc.ClientName
	if name == "" {
		name = hostOf(doc.ClientID)
	}
	grantTypes := doc.GrantTypes
	if grantTypes == nil {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}

	return &ResolvedClient{
		ID:               doc.ClientID,
		Name:             name,
		RedirectURIs:     doc.RedirectURIs,
		GrantTypes:       grantTypes,
		IsMetadataClient: true,
	}, nil
}

// RegisterClient adds a client to the static registry under a fresh UUID
func (r *ClientResolver) RegisterClient(ctx context.Context, name string, redirectURIs []string) (*storage.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	client := &storage.Client{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: cloneStrings(redirectURIs),
		CreatedAt:    r.now(),
	}
	if err := r.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Registered client", "client_id", client.ID, "client_name", client.Name)
	if r.auditor != nil {
		r.auditor.LogClientRegistered(client.ID, client.Name)
	}
	return client, nil
}

// ListClients returns every statically registered client
func (r *ClientResolver) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return r.clients.ListClients(ctx)
}

// DeleteClient removes a static client and every authorization code issued to it
func (r *ClientResolver) DeleteClient(ctx context.Context, clientID string) error {
	if err := r.clients.DeleteClient(ctx, clientID); err != nil {
		if storage.IsClientNotFound(err) {
			return ErrClientNotFound
		}
		return fmt.Errorf("failed to delete client: %w", err)
	}

	deleted, err := r.codes.DeleteForClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("client deleted but its authorization codes were not: %w", err)
	}

	r.logger.Info("Deleted client", "client_id", clientID, "codes_deleted", deleted)
	if r.auditor != nil {
		r.auditor.LogClientDeleted(clientID, deleted)
	}
	return nil
}

// validateRedirectURI checks a redirect URI supplied for a static client
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", uri, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", uri)
	}
	if slices.Contains(dangerousSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("redirect URI scheme %q is not allowed", u.Scheme)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", uri)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("redirect URI %q has no host", uri)
	}
	return nil
}
