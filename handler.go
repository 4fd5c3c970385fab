package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// Endpoint paths, relative to the issuer's path
const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	AuthorizationPath               = "/oauth/authorize"
	TokenPath                       = "/oauth/token"
	JWKSPath                        = "/oauth/jwks"
)

const (
	tokenTypeBearer = "Bearer"

	// discoveryMaxAge is how long clients may cache metadata and the JWKS
	discoveryMaxAge = 3600

	// maxTokenRequestSize bounds the form body read at the token endpoint
	maxTokenRequestSize = 64 << 10
)

// Handler exposes a server.Server over HTTP
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers discovery, JWKS, authorization and token endpoints on mux.
// When the issuer has a path component the endpoints live under it and discovery is
// also served with the path inserted after the well-known prefix (RFC 8414 section 3.1).
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	issuerPath := h.issuerPath()

	mux.HandleFunc(AuthorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
	if issuerPath != "" {
		mux.HandleFunc(AuthorizationServerMetadataPath+issuerPath, h.ServeAuthorizationServerMetadata)
	}
	mux.HandleFunc(issuerPath+JWKSPath, h.ServeJWKS)
	mux.HandleFunc(issuerPath+AuthorizationPath, h.ServeAuthorization)
	mux.HandleFunc(issuerPath+TokenPath, h.ServeToken)

	h.logger.Info("Registered OAuth endpoints",
		"issuer", h.server.Config.Issuer,
		"authorization_endpoint", h.endpointURL(AuthorizationPath),
		"token_endpoint", h.endpointURL(TokenPath),
		"jwks_uri", h.endpointURL(JWKSPath))
}

// Routes returns a handler serving every OAuth endpoint with request IDs attached
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// issuerPath extracts the path component from the issuer URL.
// Returns empty string if the issuer has no path or only "/".
func (h *Handler) issuerPath() string {
	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		return ""
	}
	cleaned := path.Clean(parsed.Path)
	if cleaned == "" || cleaned == "/" || cleaned == "." {
		return ""
	}
	return cleaned
}

func (h *Handler) endpointURL(endpointPath string) string {
	return h.server.Config.Issuer + endpointPath
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetPublicCacheHeaders(w, discoveryMaxAge)

	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.endpointURL(AuthorizationPath),
		TokenEndpoint:                     h.endpointURL(TokenPath),
		JWKSURI:                           h.endpointURL(JWKSPath),
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ClientIDMetadataDocumentSupported: true,
	}
}

// ServeJWKS serves the public signing key as a JSON Web Key Set
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jwks, err := h.server.Keys.JWKS(r.Context())
	if err != nil {
		h.requestLogger(r).Error("Failed to load signing key", "error", err)
		h.writeError(w, ErrServerError("Signing key unavailable"))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetPublicCacheHeaders(w, discoveryMaxAge)
	h.writeJSON(w, http.StatusOK, jwks)
}

// ServeAuthorization handles OAuth authorization requests.
// Success and redirectable failures answer with 302 to the client's redirect URI;
// an unknown client or untrusted redirect URI is answered directly with a JSON error.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization")
	defer span.End()

	clientIP := h.clientIP(r)
	instrumentation.AddSecurityAttributes(span, clientIP)

	query := r.URL.Query()
	resp, err := h.server.Authorize(ctx, server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		ClientIP:            clientIP,
	})
	if err != nil {
		var authErr *server.AuthorizeError
		switch {
		case errors.As(err, &authErr) && authErr.Redirectable:
			h.recordHTTPMetrics(ctx, http.MethodGet, "authorization", http.StatusFound, startTime)
			instrumentation.SetSpanError(span, authErr.Code)
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, authErr.RedirectURL(), http.StatusFound)
		case errors.As(err, &authErr):
			h.recordHTTPMetrics(ctx, http.MethodGet, "authorization", http.StatusBadRequest, startTime)
			instrumentation.SetSpanError(span, authErr.Code)
			h.writeError(w, NewOAuthError(authErr.Code, authErr.Description, http.StatusBadRequest))
		default:
			h.requestLogger(r).Error("Authorization request failed", "client_id", query.Get("client_id"), "error", err)
			h.recordHTTPMetrics(ctx, http.MethodGet, "authorization", http.StatusInternalServerError, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrServerError("Internal server error"))
		}
		return
	}

	h.requestLogger(r).Info("Authorization code issued",
		"client_id", resp.Client.ID,
		"client_type", resp.Client.Type(),
		"ip", clientIP)
	h.recordHTTPMetrics(ctx, http.MethodGet, "authorization", http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
}

// ServeToken handles token requests. Only the authorization_code grant is supported.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	defer span.End()

	clientIP := h.clientIP(r)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestSize)
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, http.MethodPost, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientID, clientID))

	resp, err := h.server.ExchangeAuthorizationCode(ctx, server.TokenRequest{
		GrantType:    grantType,
		Code:         r.PostFormValue("code"),
		ClientID:     clientID,
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientIP:     clientIP,
	})
	if err != nil {
		oauthErr := h.tokenError(err, grantType)
		if oauthErr.Status >= http.StatusInternalServerError {
			h.requestLogger(r).Error("Token request failed", "client_id", clientID, "ip", clientIP, "error", err)
			instrumentation.RecordError(span, err)
		} else {
			h.requestLogger(r).Warn("Token request rejected", "client_id", clientID, "ip", clientIP, "error", oauthErr.Code)
			instrumentation.SetSpanError(span, oauthErr.Code)
		}
		h.recordHTTPMetrics(ctx, http.MethodPost, "token", oauthErr.Status, startTime)
		h.writeError(w, oauthErr)
		return
	}

	h.requestLogger(r).Info("Token exchange successful", "client_id", clientID, "ip", clientIP)
	h.recordHTTPMetrics(ctx, http.MethodPost, "token", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, resp)
}

// tokenError maps an exchange failure to its response. Internal details never reach the client.
func (h *Handler) tokenError(err error, grantType string) *OAuthError {
	switch {
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("Authorization code is invalid or expired")
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", grantType))
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("Required parameter 'code' missing")
	default:
		return ErrServerError("Internal server error")
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *server.TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, resp)
}

// claimsContextKey is the context key for validated access token claims
type claimsContextKey struct{}

// ClaimsFromContext returns the access token claims stored by ValidateToken
func ClaimsFromContext(ctx context.Context) (*server.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*server.AccessTokenClaims)
	return claims, ok
}

// ContextWithClaims returns ctx carrying claims
func ContextWithClaims(ctx context.Context, claims *server.AccessTokenClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ValidateToken is middleware that requires a valid bearer access token issued by this server
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			if !errors.Is(err, server.ErrInvalidAccessToken) {
				h.requestLogger(r).Error("Token validation failed", "ip", clientIP, "error", err)
				h.writeError(w, ErrServerError("Internal server error"))
				return
			}
			h.requestLogger(r).Warn("Token validation failed", "ip", clientIP, "error", err)
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token validation failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) || parts[1] == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.requestLogger(r).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": r.URL.Path},
		})
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, NewOAuthError(code, description, http.StatusUnauthorized))
}

// formatWWWAuthenticate builds an RFC 6750 Bearer challenge
func formatWWWAuthenticate(errCode, errorDesc string) string {
	var params []string
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeQuotedString(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuotedString(errorDesc)))
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// escapeQuotedString escapes backslashes and double quotes for an HTTP quoted-string
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response body", "error", err)
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return security.LoggerFromContext(r.Context(), h.logger)
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, noop.Span{}
	}
	return h.tracer.Start(ctx, name)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, method, endpoint string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := float64(time.Since(startTime).Milliseconds())
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
