package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// codeLogLength is the number of characters of an authorization code included in logs
const codeLogLength = 8

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	codes    map[string]*storage.AuthorizationCode
	keys     map[string]*storage.SigningKey
	metadata map[string]*storage.ClientMetadataRecord

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic  atomic.Int64
	codesCountAtomic    atomic.Int64
	metadataCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store               = (*Store)(nil)
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.CodeStore           = (*Store)(nil)
	_ storage.KeyStore            = (*Store)(nil)
	_ storage.ClientMetadataStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		keys:            make(map[string]*storage.SigningKey),
		metadata:        make(map[string]*storage.ClientMetadataRecord),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.metadataCountAtomic.Store(int64(len(s.metadata)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.metadataCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(c), nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients = make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cp
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.codes[code.Code] = code.Clone()

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return stored.Clone(), nil
}

// ConsumeAuthorizationCode atomically marks a code used.
// The existence, expiry and used checks happen under the write lock together with the update,
// so exactly one of several concurrent callers succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() {
		// rejections are expected outcomes, not storage failures
		recordErr := err
		if storage.IsCodeRejection(err) {
			recordErr = nil
		}
		s.recordStorageOperation(ctx, span, "consume_authorization_code", recordErr, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	switch {
	case !ok:
		return nil, storage.ErrAuthorizationCodeNotFound
	case stored.IsUsed():
		s.logger.Warn("Authorization code reuse attempted",
			"code_prefix", util.SafeTruncate(code, codeLogLength),
			"client_id", stored.ClientID)
		return nil, storage.ErrAuthorizationCodeUsed
	case stored.IsExpired(now):
		return nil, storage.ErrAuthorizationCodeExpired
	}

	usedAt := now
	stored.UsedAt = &usedAt
	return stored.Clone(), nil
}

// DeleteExpiredAuthorizationCodes removes codes whose ExpiresAt is before now
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired_authorization_codes")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_expired_authorization_codes", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ac := range s.codes {
		if ac.ExpiresAt.Before(now) {
			delete(s.codes, key)
			n++
		}
	}
	s.codesCountAtomic.Add(int64(-n))
	return n, nil
}

// DeleteAuthorizationCodesForClient removes every code issued to clientID
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_codes_for_client")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_codes_for_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ac := range s.codes {
		if ac.ClientID == clientID {
			delete(s.codes, key)
			n++
		}
	}
	s.codesCountAtomic.Add(int64(-n))
	return n, nil
}

// ============================================================
// KeyStore Implementation
// ============================================================

// GetSigningKey returns the signing key stored under id
func (s *Store) GetSigningKey(ctx context.Context, id string) (key *storage.SigningKey, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_signing_key")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_signing_key", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, storage.ErrSigningKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// SaveSigningKey stores the signing key under key.ID
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_signing_key")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_signing_key", err, startTime) }()

	if key == nil || key.ID == "" {
		return fmt.Errorf("signing key ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

// ============================================================
// ClientMetadataStore Implementation
// ============================================================

// GetClientMetadata returns the cached metadata record for clientID, expired or not
func (s *Store) GetClientMetadata(ctx context.Context, clientID string) (rec *storage.ClientMetadataRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client_metadata")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client_metadata", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.metadata[clientID]
	if !ok {
		return nil, storage.ErrClientMetadataNotFound
	}
	return cloneMetadata(r), nil
}

// SaveClientMetadata stores a metadata record, replacing any previous one
func (s *Store) SaveClientMetadata(ctx context.Context, record *storage.ClientMetadataRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client_metadata")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client_metadata", err, startTime) }()

	if record == nil || record.ClientID == "" {
		return fmt.Errorf("client metadata client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.metadata[record.ClientID]; !existed {
		s.metadataCountAtomic.Add(1)
	}
	s.metadata[record.ClientID] = cloneMetadata(record)
	return nil
}

// DeleteExpiredClientMetadata removes records whose ExpiresAt is before now
func (s *Store) DeleteExpiredClientMetadata(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired_client_metadata")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_expired_client_metadata", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, r := range s.metadata {
		if r.ExpiresAt.Before(now) {
			delete(s.metadata, key)
			n++
		}
	}
	s.metadataCountAtomic.Add(int64(-n))
	return n, nil
}

func cloneMetadata(r *storage.ClientMetadataRecord) *storage.ClientMetadataRecord {
	cp := *r
	cp.Document = append([]byte(nil), r.Document...)
	return &cp
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	ctx := context.Background()
	now := s.now()

	codes, _ := s.DeleteExpiredAuthorizationCodes(ctx, now)
	docs, _ := s.DeleteExpiredClientMetadata(ctx, now)

	if codes+docs > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"authorization_codes", codes,
			"client_metadata", docs)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
