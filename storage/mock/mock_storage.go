// Package mock provides a storage.Store whose individual operations can be overridden
// in tests, for example to inject backend failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
)

// Store delegates every call to Base unless the matching Func field is set.
// CallCounts records how often each operation was invoked.
type Store struct {
	Base storage.Store

	SaveClientFunc                        func(ctx context.Context, client *storage.Client) error
	GetClientFunc                         func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc                       func(ctx context.Context) ([]*storage.Client, error)
	DeleteClientFunc                      func(ctx context.Context, clientID string) error
	SaveAuthorizationCodeFunc             func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc              func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc          func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error)
	DeleteExpiredAuthorizationCodesFunc   func(ctx context.Context, now time.Time) (int, error)
	DeleteAuthorizationCodesForClientFunc func(ctx context.Context, clientID string) (int, error)
	GetSigningKeyFunc                     func(ctx context.Context, id string) (*storage.SigningKey, error)
	SaveSigningKeyFunc                    func(ctx context.Context, key *storage.SigningKey) error
	GetClientMetadataFunc                 func(ctx context.Context, clientID string) (*storage.ClientMetadataRecord, error)
	SaveClientMetadataFunc                func(ctx context.Context, record *storage.ClientMetadataRecord) error
	DeleteExpiredClientMetadataFunc       func(ctx context.Context, now time.Time) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a mock delegating to base
func New(base storage.Store) *Store {
	return &Store{Base: base, callCounts: make(map[string]int)}
}

// CallCount returns how many times the named operation was called
func (m *Store) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *Store) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[op]++
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Base.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Base.GetClient(ctx, clientID)
}

// ListClients implements storage.ClientStore
func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.Base.ListClients(ctx)
}

// DeleteClient implements storage.ClientStore
func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return m.Base.DeleteClient(ctx, clientID)
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Base.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode implements storage.CodeStore
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.Base.GetAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, now)
	}
	return m.Base.ConsumeAuthorizationCode(ctx, code, now)
}

// DeleteExpiredAuthorizationCodes implements storage.CodeStore
func (m *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	m.record("DeleteExpiredAuthorizationCodes")
	if m.DeleteExpiredAuthorizationCodesFunc != nil {
		return m.DeleteExpiredAuthorizationCodesFunc(ctx, now)
	}
	return m.Base.DeleteExpiredAuthorizationCodes(ctx, now)
}

// DeleteAuthorizationCodesForClient implements storage.CodeStore
func (m *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	m.record("DeleteAuthorizationCodesForClient")
	if m.DeleteAuthorizationCodesForClientFunc != nil {
		return m.DeleteAuthorizationCodesForClientFunc(ctx, clientID)
	}
	return m.Base.DeleteAuthorizationCodesForClient(ctx, clientID)
}

// GetSigningKey implements storage.KeyStore
func (m *Store) GetSigningKey(ctx context.Context, id string) (*storage.SigningKey, error) {
	m.record("GetSigningKey")
	if m.GetSigningKeyFunc != nil {
		return m.GetSigningKeyFunc(ctx, id)
	}
	return m.Base.GetSigningKey(ctx, id)
}

// SaveSigningKey implements storage.KeyStore
func (m *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	m.record("SaveSigningKey")
	if m.SaveSigningKeyFunc != nil {
		return m.SaveSigningKeyFunc(ctx, key)
	}
	return m.Base.SaveSigningKey(ctx, key)
}

// GetClientMetadata implements storage.ClientMetadataStore
func (m *Store) GetClientMetadata(ctx context.Context, clientID string) (*storage.ClientMetadataRecord, error) {
	m.record("GetClientMetadata")
	if m.GetClientMetadataFunc != nil {
		return m.GetClientMetadataFunc(ctx, clientID)
	}
	return m.Base.GetClientMetadata(ctx, clientID)
}

// SaveClientMetadata implements storage.ClientMetadataStore
func (m *Store) SaveClientMetadata(ctx context.Context, record *storage.ClientMetadataRecord) error {
	m.record("SaveClientMetadata")
	if m.SaveClientMetadataFunc != nil {
		return m.SaveClientMetadataFunc(ctx, record)
	}
	return m.Base.SaveClientMetadata(ctx, record)
}

// DeleteExpiredClientMetadata implements storage.ClientMetadataStore
func (m *Store) DeleteExpiredClientMetadata(ctx context.Context, now time.Time) (int, error) {
	m.record("DeleteExpiredClientMetadata")
	if m.DeleteExpiredClientMetadataFunc != nil {
		return m.DeleteExpiredClientMetadataFunc(ctx, now)
	}
	return m.Base.DeleteExpiredClientMetadata(ctx, now)
}
