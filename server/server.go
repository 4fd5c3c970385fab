package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Server implements the authorization server core. It owns one instance of each
// component, constructed in New and shared by every request.
type Server struct {
	Keys           *KeyManager
	Tokens         *TokenIssuer
	Codes          *CodeStore
	ClientMetadata *ClientMetadataCache
	Clients        *ClientResolver

	store           storage.Store
	Encryptor       *security.Encryptor
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter for the token endpoint
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	Logger          *slog.Logger
	Config          *Config
}

// Option customizes a Server at construction
type Option func(*serverOptions)

type serverOptions struct {
	metadataHTTPClient *http.Client
}

// WithMetadataHTTPClient replaces the SSRF-protected client used to fetch client
// metadata documents.
func WithMetadataHTTPClient(client *http.Client) Option {
	return func(o *serverOptions) {
		o.metadataHTTPClient = client
	}
}

// New creates a new authorization server backed by store
func New(store storage.Store, config *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var options serverOptions
	for _, opt := range opts {
		opt(&options)
	}

	config = applySecureDefaults(config, logger)
	if err := config.validateHTTPSEnforcement(logger); err != nil {
		return nil, err
	}

	keys := NewKeyManager(store, logger)
	keys.now = config.now

	codes := NewCodeStore(store, time.Duration(config.AuthorizationCodeTTL)*time.Second, config.now, logger)

	metadata := NewClientMetadataCache(store, ClientMetadataCacheConfig{
		FetchTimeout:   config.ClientMetadataFetchTimeout,
		MaxEntries:     config.ClientMetadataCacheSize,
		FetchPerMinute: config.ClientMetadataFetchPerMinute,
		HTTPClient:     options.metadataHTTPClient,
		Now:            config.now,
	}, logger)

	clients := NewClientResolver(store, metadata, codes, logger)
	clients.now = config.now

	tokens := NewTokenIssuer(keys,
		config.Audience,
		time.Duration(config.AccessTokenTTL)*time.Second,
		time.Duration(config.ClockSkewGracePeriod)*time.Second,
		config.now)

	return &Server{
		Keys:           keys,
		Tokens:         tokens,
		Codes:          codes,
		ClientMetadata: metadata,
		Clients:        clients,
		store:          store,
		Logger:         logger,
		Config:         config,
	}, nil
}

// Store returns the storage backend
func (s *Server) Store() storage.Store {
	return s.store
}

// SetEncryptor enables encryption of the signing key at rest
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc
	s.Keys.SetEncryptor(enc)
}

// SetAuditor sets the security auditor on the server and every component
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.Keys.SetAuditor(aud)
	s.Codes.auditor = aud
	s.ClientMetadata.SetAuditor(aud)
	s.Clients.auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation enables tracing and metrics on the server and its components
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("server")
	s.Codes.metrics = inst.Metrics()
	s.ClientMetadata.SetInstrumentation(inst)
}

// Stop releases background resources held by the server's components
func (s *Server) Stop() {
	s.ClientMetadata.Stop()
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}
