package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
)

// Defaults applied by applySecureDefaults
const (
	DefaultAuthorizationCodeTTL = 600  // seconds
	DefaultAccessTokenTTL       = 3600 // seconds
	DefaultAudience             = "mcp-server"
	DefaultClockSkewGracePeriod = 5 // seconds

	DefaultClientMetadataFetchTimeout   = 10 * time.Second
	DefaultClientMetadataCacheSize      = 1000
	DefaultClientMetadataFetchPerMinute = 10
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// Trailing slashes are removed.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// Audience is the aud claim of issued access tokens
	Audience string // default: "mcp-server"

	// ClockSkewGracePeriod is the leeway applied to exp/iat when verifying access tokens
	ClockSkewGracePeriod int64 // seconds, default: 5

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host.
	// WARNING: tokens and codes travel in clear text. Development only.
	// Default: false
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// ClientMetadataFetchTimeout bounds a single client metadata document fetch
	ClientMetadataFetchTimeout time.Duration // default: 10s

	// ClientMetadataCacheSize bounds the in-memory metadata tier (LRU)
	ClientMetadataCacheSize int // default: 1000

	// ClientMetadataFetchPerMinute limits outbound metadata fetches per host.
	// Negative disables the limit.
	ClientMetadataFetchPerMinute int // default: 10

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// now returns the configured time source
func (c *Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = util.NormalizeURL(config.Issuer)

	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based and sizing configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.Audience == "" {
		config.Audience = DefaultAudience
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClientMetadataFetchTimeout == 0 {
		config.ClientMetadataFetchTimeout = DefaultClientMetadataFetchTimeout
	}
	if config.ClientMetadataCacheSize == 0 {
		config.ClientMetadataCacheSize = DefaultClientMetadataCacheSize
	}
	if config.ClientMetadataFetchPerMinute == 0 {
		config.ClientMetadataFetchPerMinute = DefaultClientMetadataFetchPerMinute
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: insecure HTTP issuer is ALLOWED",
			"risk", "Authorization codes and tokens can be intercepted",
			"recommendation", "Serve the issuer over HTTPS")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.ClientMetadataFetchPerMinute < 0 {
		logger.Warn("SECURITY NOTICE: client metadata fetch rate limit is DISABLED",
			"risk", "Outbound request amplification via many client_id URLs")
	}
}

// validateHTTPSEnforcement rejects an http:// issuer outside loopback unless
// AllowInsecureHTTP is set.
func (c *Config) validateHTTPSEnforcement(logger *slog.Logger) error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHostname(u.Hostname()) {
			logger.Warn("Running OAuth server over HTTP on loopback (development only)",
				"issuer", c.Issuer)
			return nil
		}
		if c.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("issuer must use HTTPS (got %q); set AllowInsecureHTTP for development", c.Issuer)
	default:
		return fmt.Errorf("issuer scheme must be https, got %q", u.Scheme)
	}
}

// isLoopbackHostname reports whether hostname is localhost or a loopback IP
func isLoopbackHostname(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
