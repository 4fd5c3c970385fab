package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage/postgres"
	"github.com/giantswarm/mcp-authserver/storage/valkey"
)

// EnvPrefix is the prefix of every environment variable override
const EnvPrefix = "MCP_AUTH_"

// Storage drivers
const (
	StorageMemory   = "memory"
	StorageValkey   = "valkey"
	StoragePostgres = "postgres"
)

// Config is the on-disk configuration of the authorization server binary.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	OAuth          OAuthConfig          `yaml:"oauth"`
	ClientMetadata ClientMetadataConfig `yaml:"client_metadata"`
	Storage        StorageConfig        `yaml:"storage"`
	Security       SecurityConfig       `yaml:"security"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Logging        LoggingConfig        `yaml:"logging"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Issuer            string        `yaml:"issuer"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	TrustedProxyCount int           `yaml:"trusted_proxy_count"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type OAuthConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	Audience             string        `yaml:"audience"`
	ClockSkew            time.Duration `yaml:"clock_skew"`
}

type ClientMetadataConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	CacheSize      int           `yaml:"cache_size"`
	FetchPerMinute int           `yaml:"fetch_per_minute"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type SecurityConfig struct {
	// EncryptionKey is a base64 AES-256 key protecting the signing key at rest
	EncryptionKey string `yaml:"encryption_key"`
	Audit         bool   `yaml:"audit"`
	// RequestsPerMinute is the per-IP limit on the public endpoints. 0 disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type ObservabilityConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MetricExporter    string `yaml:"metric_exporter"`
	OTLPTraceEndpoint string `yaml:"otlp_trace_endpoint"`
	LogClientIPs      bool   `yaml:"log_client_ips"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MaintenanceConfig struct {
	// Interval between cleanup passes. 0 disables the background loop.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			Issuer:            "http://localhost:8080",
			TrustedProxyCount: 1,
			ShutdownTimeout:   15 * time.Second,
		},
		OAuth: OAuthConfig{
			AuthorizationCodeTTL: server.DefaultAuthorizationCodeTTL * time.Second,
			AccessTokenTTL:       server.DefaultAccessTokenTTL * time.Second,
			Audience:             server.DefaultAudience,
			ClockSkew:            server.DefaultClockSkewGracePeriod * time.Second,
		},
		ClientMetadata: ClientMetadataConfig{
			FetchTimeout:   server.DefaultClientMetadataFetchTimeout,
			CacheSize:      server.DefaultClientMetadataCacheSize,
			FetchPerMinute: server.DefaultClientMetadataFetchPerMinute,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
			Valkey: ValkeyConfig{KeyPrefix: "mcp:"},
		},
		Security: SecurityConfig{
			Audit:             true,
			RequestsPerMinute: 60,
		},
		Observability: ObservabilityConfig{
			MetricExporter: instrumentation.MetricExporterPrometheus,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Maintenance: MaintenanceConfig{
			Interval: 5 * time.Minute,
		},
	}
}

// LoadDotEnv loads variables from envFile into the process environment.
// An empty envFile falls back to ./.env; a missing default file is not an error.
func LoadDotEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Load reads the YAML file at path on top of Default, applies MCP_AUTH_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the server would otherwise reject or misinterpret
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.Issuer == "" {
		return errors.New("server.issuer is required")
	}
	if c.Server.TrustedProxyCount < 0 {
		return errors.New("server.trusted_proxy_count must not be negative")
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout must not be negative")
	}

	if err := positiveSeconds("oauth.authorization_code_ttl", c.OAuth.AuthorizationCodeTTL); err != nil {
		return err
	}
	if err := positiveSeconds("oauth.access_token_ttl", c.OAuth.AccessTokenTTL); err != nil {
		return err
	}
	if c.OAuth.ClockSkew < 0 {
		return errors.New("oauth.clock_skew must not be negative")
	}

	if c.ClientMetadata.FetchTimeout <= 0 {
		return errors.New("client_metadata.fetch_timeout must be positive")
	}
	if c.ClientMetadata.CacheSize <= 0 {
		return errors.New("client_metadata.cache_size must be positive")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			return errors.New("storage.valkey.address is required for the valkey driver")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want memory, valkey or postgres)", c.Storage.Driver)
	}

	if c.Security.RequestsPerMinute < 0 {
		return errors.New("security.requests_per_minute must not be negative")
	}

	switch c.Observability.MetricExporter {
	case instrumentation.MetricExporterNone, instrumentation.MetricExporterPrometheus:
	default:
		return fmt.Errorf("unknown metric exporter %q", c.Observability.MetricExporter)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Logging.Format)
	}

	if c.Maintenance.Interval < 0 {
		return errors.New("maintenance.interval must not be negative")
	}
	return nil
}

func positiveSeconds(name string, d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("%s must be at least 1s, got %s", name, d)
	}
	return nil
}

// ServerConfig converts the file configuration into the server core's configuration
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                       c.Server.Issuer,
		AuthorizationCodeTTL:         int64(c.OAuth.AuthorizationCodeTTL / time.Second),
		AccessTokenTTL:               int64(c.OAuth.AccessTokenTTL / time.Second),
		Audience:                     c.OAuth.Audience,
		ClockSkewGracePeriod:         int64(c.OAuth.ClockSkew / time.Second),
		AllowInsecureHTTP:            c.Server.AllowInsecureHTTP,
		TrustProxy:                   c.Server.TrustProxy,
		TrustedProxyCount:            c.Server.TrustedProxyCount,
		ClientMetadataFetchTimeout:   c.ClientMetadata.FetchTimeout,
		ClientMetadataCacheSize:      c.ClientMetadata.CacheSize,
		ClientMetadataFetchPerMinute: c.ClientMetadata.FetchPerMinute,
	}
}

// ValkeyConfig returns the Valkey backend configuration
func (c *Config) ValkeyConfig(logger *slog.Logger) valkey.Config {
	cfg := valkey.Config{
		Address:   c.Storage.Valkey.Address,
		Password:  c.Storage.Valkey.Password,
		DB:        c.Storage.Valkey.DB,
		KeyPrefix: c.Storage.Valkey.KeyPrefix,
		Logger:    logger,
	}
	if c.Storage.Valkey.TLS {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// PostgresConfig returns the PostgreSQL backend configuration
func (c *Config) PostgresConfig(logger *slog.Logger) postgres.Config {
	return postgres.Config{
		DSN:      c.Storage.Postgres.DSN,
		MaxConns: c.Storage.Postgres.MaxConns,
		Logger:   logger,
	}
}

// InstrumentationConfig returns the OpenTelemetry configuration
func (c *Config) InstrumentationConfig(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:       instrumentation.DefaultServiceName,
		ServiceVersion:    version,
		Enabled:           c.Observability.Enabled,
		MetricExporter:    c.Observability.MetricExporter,
		OTLPTraceEndpoint: c.Observability.OTLPTraceEndpoint,
		LogClientIPs:      c.Observability.LogClientIPs,
	}
}

// NewLogger builds the process logger from the logging section
func (c *Config) NewLogger() *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// applyEnv overrides fields from MCP_AUTH_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("ADDR", &c.Server.Addr)
	e.str("ISSUER", &c.Server.Issuer)
	e.boolean("ALLOW_INSECURE_HTTP", &c.Server.AllowInsecureHTTP)
	e.boolean("TRUST_PROXY", &c.Server.TrustProxy)
	e.integer("TRUSTED_PROXY_COUNT", &c.Server.TrustedProxyCount)
	e.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	e.duration("AUTHORIZATION_CODE_TTL", &c.OAuth.AuthorizationCodeTTL)
	e.duration("ACCESS_TOKEN_TTL", &c.OAuth.AccessTokenTTL)
	e.str("AUDIENCE", &c.OAuth.Audience)
	e.duration("CLOCK_SKEW", &c.OAuth.ClockSkew)

	e.duration("METADATA_FETCH_TIMEOUT", &c.ClientMetadata.FetchTimeout)
	e.integer("METADATA_CACHE_SIZE", &c.ClientMetadata.CacheSize)
	e.integer("METADATA_FETCH_PER_MINUTE", &c.ClientMetadata.FetchPerMinute)

	e.str("STORAGE_DRIVER", &c.Storage.Driver)
	e.str("VALKEY_ADDRESS", &c.Storage.Valkey.Address)
	e.str("VALKEY_PASSWORD", &c.Storage.Valkey.Password)
	e.integer("VALKEY_DB", &c.Storage.Valkey.DB)
	e.str("VALKEY_KEY_PREFIX", &c.Storage.Valkey.KeyPrefix)
	e.boolean("VALKEY_TLS", &c.Storage.Valkey.TLS)
	e.str("POSTGRES_DSN", &c.Storage.Postgres.DSN)
	e.int32("POSTGRES_MAX_CONNS", &c.Storage.Postgres.MaxConns)
	e.boolean("POSTGRES_MIGRATE", &c.Storage.Postgres.Migrate)

	e.str("ENCRYPTION_KEY", &c.Security.EncryptionKey)
	e.boolean("AUDIT", &c.Security.Audit)
	e.integer("REQUESTS_PER_MINUTE", &c.Security.RequestsPerMinute)

	e.boolean("OTEL_ENABLED", &c.Observability.Enabled)
	e.str("METRIC_EXPORTER", &c.Observability.MetricExporter)
	e.str("OTLP_TRACE_ENDPOINT", &c.Observability.OTLPTraceEndpoint)
	e.boolean("LOG_CLIENT_IPS", &c.Observability.LogClientIPs)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	e.duration("MAINTENANCE_INTERVAL", &c.Maintenance.Interval)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) int32(name string, dst *int32) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = int32(n)
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}
