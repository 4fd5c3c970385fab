package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/security"
)

// OAuth 2.0 error codes from RFC 6749.
// The root package re-exports these for its HTTP error responses.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeServerError             = "server_error"
)

var (
	// ErrInvalidGrant is the single outcome of every failed code exchange: unknown,
	// expired or reused code, client or redirect URI mismatch, bad verifier.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUnsupportedGrantType is returned for any grant other than authorization_code
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrInvalidRequest is wrapped by token request errors caused by missing parameters
	ErrInvalidRequest = errors.New("invalid request")
)

// AuthorizationRequest holds the parameters of an authorization request
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// AuthorizationResponse is the outcome of a successful authorization request
type AuthorizationResponse struct {
	// RedirectURL is the client's redirect URI with code and state appended
	RedirectURL string
	Code        string
	Client      *ResolvedClient
}

// AuthorizeError is an authorization request failure.
// When Redirectable is false the redirect URI could not be trusted and the error must
// be shown to the user agent directly instead of being sent to the client.
type AuthorizeError struct {
	Code         string
	Description  string
	Redirectable bool
	RedirectURI  string
	State        string
}

func (e *AuthorizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectURL returns the redirect URI carrying the error parameters.
// It is empty for non-redirectable errors.
func (e *AuthorizeError) RedirectURL() string {
	if !e.Redirectable {
		return ""
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

// TokenRequest holds the parameters of a token request
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// TokenResponse is the JSON body of a successful token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// MaintenanceResult reports what RunMaintenance removed
type MaintenanceResult struct {
	ExpiredCodes    int
	ExpiredMetadata int
}

// Authorize validates an authorization request and issues a code bound to its
// PKCE challenge. Failures are *AuthorizeError; other errors are internal.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (resp *AuthorizationResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize")
	defer func() { s.endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope)

	if req.ClientID == "" {
		return nil, s.authorizeFailure(req, &AuthorizeError{Code: ErrorCodeInvalidRequest, Description: "client_id is required"})
	}

	client, err := s.Clients.ResolveClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, s.authorizeFailure(req, &AuthorizeError{Code: ErrorCodeInvalidClient, Description: "unknown client"})
		}
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientType, client.Type()))

	if req.RedirectURI == "" || !client.IsValidRedirectURI(req.RedirectURI) {
		s.audit(security.EventInvalidRedirect, req.ClientID, req.ClientIP, map[string]any{
			"redirect_uri": req.RedirectURI,
		})
		return nil, s.authorizeFailure(req, &AuthorizeError{Code: ErrorCodeInvalidRequest, Description: "redirect_uri is not registered for this client"})
	}

	// From here on the redirect URI is trusted and errors go back to the client.
	redirectable := func(code, description string) error {
		return s.authorizeFailure(req, &AuthorizeError{
			Code:         code,
			Description:  description,
			Redirectable: true,
			RedirectURI:  req.RedirectURI,
			State:        req.State,
		})
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, redirectable(ErrorCodeUnsupportedResponseType, "response_type must be code")
	}
	if !client.SupportsGrantType(GrantTypeAuthorizationCode) {
		return nil, redirectable(ErrorCodeUnauthorizedClient, "client is not allowed to use the authorization_code grant")
	}
	if req.CodeChallenge == "" {
		return nil, redirectable(ErrorCodeInvalidRequest, "code_challenge is required")
	}
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, redirectable(ErrorCodeInvalidRequest, "code_challenge_method must be S256")
	}
	if !IsValidCodeChallenge(req.CodeChallenge) {
		return nil, redirectable(ErrorCodeInvalidRequest, "code_challenge is malformed")
	}

	code, err := s.Codes.Create(ctx, CodeParams{
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("code", code.Code)
	if req.State != "" {
		params.Set("state", req.State)
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, client.Type())
	}
	s.audit(security.EventAuthorizationCodeIssued, client.ID, req.ClientIP, map[string]any{
		"client_type": client.Type(),
		"scope":       req.Scope,
	})
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ID,
		"client_type", client.Type(),
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength))

	return &AuthorizationResponse{
		RedirectURL: appendQuery(req.RedirectURI, params),
		Code:        code.Code,
		Client:      client,
	}, nil
}

func (s *Server) authorizeFailure(req AuthorizationRequest, authErr *AuthorizeError) error {
	s.Logger.Debug("Authorization request rejected",
		"client_id", req.ClientID,
		"error", authErr.Code,
		"description", authErr.Description,
		"redirectable", authErr.Redirectable)
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, authErr.Code)
	}
	return authErr
}

// ExchangeAuthorizationCode redeems an authorization code for an access token.
//
// The code is consumed before anything else is checked, so a request that fails any
// later check still burns the code. Every code-related failure is ErrInvalidGrant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.exchange_code")
	defer func() { s.endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))

	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, ErrUnsupportedGrantType
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	authCode, err := s.Codes.Consume(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeInvalid) {
			return nil, s.invalidGrant(ctx, req, "invalid_authorization_code")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if authCode.ClientID != req.ClientID {
		return nil, s.invalidGrant(ctx, req, "client_id_mismatch")
	}
	if authCode.RedirectURI != req.RedirectURI {
		return nil, s.invalidGrant(ctx, req, "redirect_uri_mismatch")
	}
	if !IsValidCodeVerifier(req.CodeVerifier) || !VerifyPKCE(req.CodeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		s.audit(security.EventPKCEValidationFailed, req.ClientID, req.ClientIP, map[string]any{
			"method": authCode.CodeChallengeMethod,
		})
		return nil, s.invalidGrant(ctx, req, "pkce_validation_failed")
	}

	token, err := s.Tokens.GenerateAccessToken(ctx, s.Config.Issuer, authCode.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, true)
		s.Instrumentation.Metrics().RecordTokenIssued(ctx)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(TokenSubject, req.ClientID, req.ClientIP, authCode.Scope)
	}

	return &TokenResponse{
		AccessToken: token.Token,
		TokenType:   "Bearer",
		ExpiresIn:   token.ExpiresIn,
		Scope:       token.Scope,
	}, nil
}

func (s *Server) invalidGrant(ctx context.Context, req TokenRequest, reason string) error {
	s.Logger.Debug("Authorization code exchange rejected",
		"reason", reason,
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, codeLogLength))
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, false)
	}
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, reason)
	}
	return ErrInvalidGrant
}

// ValidateAccessToken verifies a bearer token issued by this server
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error) {
	claims, err := s.Tokens.VerifyAccessToken(ctx, token, s.Config.Issuer)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenValidation(ctx, err == nil)
	}
	return claims, err
}

// RunMaintenance removes expired authorization codes and cached metadata rows
func (s *Server) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	codes, err := s.Codes.CleanupExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up authorization codes: %w", err)
	}
	metadata, err := s.ClientMetadata.CleanupExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up client metadata: %w", err)
	}

	if codes > 0 || metadata > 0 {
		s.Logger.Info("Maintenance removed expired entries",
			"authorization_codes", codes,
			"client_metadata", metadata)
	}
	return &MaintenanceResult{ExpiredCodes: codes, ExpiredMetadata: metadata}, nil
}

func (s *Server) audit(eventType, clientID, ip string, details map[string]any) {
	if s.Auditor == nil {
		return
	}
	s.Auditor.LogEvent(security.Event{
		Type:      eventType,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   details,
	})
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}
	return s.tracer.Start(ctx, name)
}

func (s *Server) endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.tracer != nil {
		span.End()
	}
}

// appendQuery adds params to rawURL, keeping any query it already has
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
