package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp:"

	// codeLogLength is the number of characters to include when logging authorization codes
	codeLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// codeRetention keeps expired and used codes readable past ExpiresAt so a late
	// exchange reports "expired" rather than "not found" and reuse stays detectable.
	codeRetention = time.Hour

	// metadataRetention keeps expired metadata records so stale documents can be
	// inspected until the next cleanup pass.
	metadataRetention = 24 * time.Hour

	// MaxIDLength is the maximum allowed length for identifiers (client IDs, codes)
	MaxIDLength = 2048
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store               = (*Store)(nil)
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.CodeStore           = (*Store)(nil)
	_ storage.KeyStore            = (*Store)(nil)
	_ storage.ClientMetadataStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		// server-assisted client side caching is not used; every read must observe
		// the latest consume
		DisableCache: true,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIndexKey returns the set of registered client IDs: {prefix}clients
func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// codeExpiryKey returns the sorted set of codes scored by expiry: {prefix}codes:expiry
func (s *Store) codeExpiryKey() string {
	return s.prefix + "codes:expiry"
}

// clientCodesKey returns the set of codes issued to a client: {prefix}codes:client:{clientID}
func (s *Store) clientCodesKey(clientID string) string {
	return fmt.Sprintf("%scodes:client:%s", s.prefix, clientID)
}

// signingKeyKey returns the key for a signing key: {prefix}signingkey:{id}
func (s *Store) signingKeyKey(id string) string {
	return fmt.Sprintf("%ssigningkey:%s", s.prefix, id)
}

// metadataKey returns the key for a cached metadata document: {prefix}metadata:{clientID}
func (s *Store) metadataKey(clientID string) string {
	return fmt.Sprintf("%smetadata:%s", s.prefix, clientID)
}

// metadataExpiryKey returns the sorted set of metadata records scored by expiry
func (s *Store) metadataExpiryKey() string {
	return s.prefix + "metadata:expiry"
}

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// getAndUnmarshal fetches a key, unmarshals the JSON data and converts it to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// deleteKeys deletes keys in one round trip and returns how many existed.
// Each key gets its own DEL: the keys hash to different cluster slots, and
// valkey-go refuses a multi-key command spanning slots.
func (s *Store) deleteKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	cmds := make(valkeygo.Commands, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, s.client.B().Del().Key(key).Build())
	}

	deleted := 0
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		n, err := resp.AsInt64()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

// retentionTTL returns how long a record expiring at expiresAt should live in Valkey
func retentionTTL(expiresAt time.Time, retention time.Duration) time.Duration {
	ttl := time.Until(expiresAt) + retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// unixMilli converts a time to Unix milliseconds, mapping the zero time to 0
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromUnixMilli converts Unix milliseconds back to UTC time, mapping 0 to the zero time
func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func validateIDLength(value, fieldName string) error {
	if len(value) > MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, MaxIDLength)
	}
	return nil
}
