package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// TokenSubject is the sub claim of every access token. The server has a single
// resource owner.
const TokenSubject = "user"

// ErrInvalidAccessToken is returned for any access token that fails verification:
// malformed, bad signature, wrong issuer or audience, expired.
var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessToken is a freshly minted access token
type AccessToken struct {
	Token     string
	ExpiresIn int64 // seconds
	Scope     string
	ExpiresAt time.Time
}

// AccessTokenClaims is the verified payload of an access token
type AccessTokenClaims struct {
	Issuer    string
	Audience  []string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scope     string
}

// privateClaims are the non-registered claims carried in access tokens
type privateClaims struct {
	Scope string `json:"scope"`
}

// TokenIssuer mints and verifies RS256 JWT access tokens
type TokenIssuer struct {
	keys     *KeyManager
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer signing with keys
func NewTokenIssuer(keys *KeyManager, audience string, ttl, leeway time.Duration, now func() time.Time) *TokenIssuer {
	if audience == "" {
		audience = DefaultAudience
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		keys:     keys,
		audience: audience,
		ttl:      ttl,
		leeway:   leeway,
		now:      now,
	}
}

// GenerateAccessToken signs an access token for issuer carrying scope
func (t *TokenIssuer) GenerateAccessToken(ctx context.Context, issuer, scope string) (*AccessToken, error) {
	pair, err := t.keys.GetSigningKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: pair.PrivateKey, KeyID: pair.KeyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	now := t.now()
	expiresAt := now.Add(t.ttl)

	claims := jwt.Claims{
		Issuer:   issuer,
		Subject:  TokenSubject,
		Audience: jwt.Audience{t.audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(expiresAt),
	}

	raw, err := jwt.Signed(signer).Claims(claims).Claims(privateClaims{Scope: scope}).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &AccessToken{
		Token:     raw,
		ExpiresIn: int64(t.ttl / time.Second),
		Scope:     scope,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccessToken checks the signature, issuer, audience and expiry of token.
// Every verification failure yields ErrInvalidAccessToken; only key loading errors
// are returned as-is.
func (t *TokenIssuer) VerifyAccessToken(ctx context.Context, token, issuer string) (*AccessTokenClaims, error) {
	// jwt validation skips iss when the expected issuer is empty
	if issuer == "" {
		return nil, ErrInvalidAccessToken
	}

	pair, err := t.keys.GetSigningKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	if len(parsed.Headers) != 1 || (parsed.Headers[0].KeyID != "" && parsed.Headers[0].KeyID != pair.KeyID) {
		return nil, ErrInvalidAccessToken
	}

	var claims jwt.Claims
	var extra privateClaims
	if err := parsed.Claims(&pair.PrivateKey.PublicKey, &claims, &extra); err != nil {
		return nil, ErrInvalidAccessToken
	}

	expected := jwt.Expected{
		Issuer:      issuer,
		AnyAudience: jwt.Audience{t.audience},
		Time:        t.now(),
	}
	if err := claims.ValidateWithLeeway(expected, t.leeway); err != nil {
		return nil, ErrInvalidAccessToken
	}
	// jwt validation skips exp when the claim is absent
	if claims.Expiry == nil {
		return nil, ErrInvalidAccessToken
	}

	result := &AccessTokenClaims{
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		Subject:   claims.Subject,
		ExpiresAt: claims.Expiry.Time(),
		Scope:     extra.Scope,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time()
	}
	return result, nil
}
