// Package storage defines interfaces for persisting the authorization server's durable state:
// registered clients, authorization codes, the signing keypair and cached client metadata documents.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for the static client registry.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client, overwriting any client with the same ID
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client. Returns ErrClientNotFound if absent.
	DeleteClient(ctx context.Context, clientID string) error
}

// CodeStore defines the interface for authorization code persistence.
//
// # Single-use enforcement
//
// ConsumeAuthorizationCode is the only way a code may transition to used. Implementations
// MUST perform the "mark used only if currently unused and unexpired" check and the write as
// one atomic operation (a mutex, a Lua script, a conditional UPDATE). A separate read followed
// by a write allows two concurrent exchanges to both succeed.
type CodeStore interface {
	// SaveAuthorizationCode persists a newly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code by value without modifying it.
	// Returns ErrAuthorizationCodeNotFound if absent. Expired and used codes are returned as-is.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically stamps UsedAt = now on an unused, unexpired code
	// and returns the updated record.
	// Returns ErrAuthorizationCodeNotFound, ErrAuthorizationCodeExpired (now >= ExpiresAt)
	// or ErrAuthorizationCodeUsed. Any other error is a storage failure.
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// DeleteExpiredAuthorizationCodes removes codes whose ExpiresAt is before now
	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error)

	// DeleteAuthorizationCodesForClient removes every code issued to clientID
	DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error)
}

// KeyStore persists the token signing keypair under a fixed identifier.
type KeyStore interface {
	// GetSigningKey returns the key stored under id, or ErrSigningKeyNotFound
	GetSigningKey(ctx context.Context, id string) (*SigningKey, error)

	// SaveSigningKey stores the key under key.ID, overwriting an existing one
	SaveSigningKey(ctx context.Context, key *SigningKey) error
}

// ClientMetadataStore is the durable tier of the client metadata document cache.
type ClientMetadataStore interface {
	// GetClientMetadata returns the cached record for clientID, or ErrClientMetadataNotFound.
	// Expired records may be returned; callers check ExpiresAt.
	GetClientMetadata(ctx context.Context, clientID string) (*ClientMetadataRecord, error)

	// SaveClientMetadata stores a record, replacing any previous record for the same client
	SaveClientMetadata(ctx context.Context, record *ClientMetadataRecord) error

	// DeleteExpiredClientMetadata removes records whose ExpiresAt is before now
	DeleteExpiredClientMetadata(ctx context.Context, now time.Time) (int, error)
}

// Store is implemented by backends that provide every collection.
type Store interface {
	ClientStore
	CodeStore
	KeyStore
	ClientMetadataStore
}

// Client represents a statically registered OAuth client
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	CreatedAt    time.Time
}

// AuthorizationCode represents an issued authorization code bound to a PKCE challenge
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	UsedAt              *time.Time // nil until the code is consumed
	CreatedAt           time.Time
}

// IsUsed reports whether the code has been consumed
func (c *AuthorizationCode) IsUsed() bool {
	return c.UsedAt != nil
}

// IsExpired reports whether the code is past its expiry at now
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	if c.UsedAt != nil {
		usedAt := *c.UsedAt
		cp.UsedAt = &usedAt
	}
	return &cp
}

// SigningKey is the persisted form of the signing keypair.
// PublicJWK and PrivateJWK hold serialized JSON Web Keys; PrivateJWK may be
// encrypted at rest by the caller.
type SigningKey struct {
	ID         string
	KeyID      string
	PublicJWK  string
	PrivateJWK string
	CreatedAt  time.Time
}

// ClientMetadataRecord is a cached client metadata document
type ClientMetadataRecord struct {
	ClientID  string
	Document  []byte // serialized JSON document
	CachedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the record is past its expiry at now
func (r *ClientMetadataRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
