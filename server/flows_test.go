package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

const testRedirectURI = "https://app.example.com/callback"

// flowFixture is a server with one static client and a PKCE pair
type flowFixture struct {
	*testEnv
	clientID  string
	challenge string
	verifier  string
}

func newFlowFixture(t *testing.T, opts ...Option) *flowFixture {
	t.Helper()
	env := newTestEnv(t, opts...)
	client, err := env.srv.Clients.RegisterClient(context.Background(), "Test App", []string{testRedirectURI})
	require.NoError(t, err)
	challenge, verifier := testutil.GeneratePKCEPair()
	return &flowFixture{testEnv: env, clientID: client.ID, challenge: challenge, verifier: verifier}
}

func (f *flowFixture) authorizationRequest() AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            f.clientID,
		RedirectURI:         testRedirectURI,
		Scope:               "read",
		State:               "xyz",
		CodeChallenge:       f.challenge,
		CodeChallengeMethod: "S256",
		ClientIP:            "192.0.2.1",
	}
}

func (f *flowFixture) authorize(t *testing.T) string {
	t.Helper()
	resp, err := f.srv.Authorize(context.Background(), f.authorizationRequest())
	require.NoError(t, err)
	return resp.Code
}

func (f *flowFixture) tokenRequest(code string) TokenRequest {
	return TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		ClientID:     f.clientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: f.verifier,
		ClientIP:     "192.0.2.1",
	}
}

func TestAuthorize_Success(t *testing.T) {
	f := newFlowFixture(t)

	resp, err := f.srv.Authorize(context.Background(), f.authorizationRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Code)
	assert.Equal(t, f.clientID, resp.Client.ID)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "/callback", u.Path)
	assert.Equal(t, resp.Code, u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))

	code, err := f.srv.Codes.Get(context.Background(), resp.Code)
	require.NoError(t, err)
	assert.Equal(t, f.clientID, code.ClientID)
	assert.Equal(t, testRedirectURI, code.RedirectURI)
	assert.Equal(t, "read", code.Scope)
	assert.Equal(t, f.challenge, code.CodeChallenge)
	assert.Equal(t, testEpoch.Add(600*time.Second), code.ExpiresAt)
}

func TestAuthorize_WithoutState(t *testing.T) {
	f := newFlowFixture(t)
	req := f.authorizationRequest()
	req.State = ""

	resp, err := f.srv.Authorize(context.Background(), req)
	require.NoError(t, err)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	_, hasState := u.Query()["state"]
	assert.False(t, hasState)
}

func TestAuthorize_PreservesRedirectQuery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, err := env.srv.Clients.RegisterClient(ctx, "App", []string{"https://app.example.com/cb?tenant=acme"})
	require.NoError(t, err)
	challenge, _ := testutil.GeneratePKCEPair()

	resp, err := env.srv.Authorize(ctx, AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            client.ID,
		RedirectURI:         "https://app.example.com/cb?tenant=acme",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "acme", u.Query().Get("tenant"))
	assert.Equal(t, resp.Code, u.Query().Get("code"))
}

func TestAuthorize_Errors(t *testing.T) {
	tests := []struct {
		name         string
		modify       func(*AuthorizationRequest)
		code         string
		redirectable bool
	}{
		{"missing client_id", func(r *AuthorizationRequest) { r.ClientID = "" }, "invalid_request", false},
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "unknown" }, "invalid_client", false},
		{"missing redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "" }, "invalid_request", false},
		{"unregistered redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/callback" }, "invalid_request", false},
		{"redirect_uri prefix match", func(r *AuthorizationRequest) { r.RedirectURI = testRedirectURI + "/extra" }, "invalid_request", false},
		{"response_type token", func(r *AuthorizationRequest) { r.ResponseType = "token" }, "unsupported_response_type", true},
		{"missing response_type", func(r *AuthorizationRequest) { r.ResponseType = "" }, "unsupported_response_type", true},
		{"missing code_challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, "invalid_request", true},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, "invalid_request", true},
		{"missing method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }, "invalid_request", true},
		{"short challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "abc" }, "invalid_request", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlowFixture(t)
			req := f.authorizationRequest()
			tt.modify(&req)

			resp, err := f.srv.Authorize(context.Background(), req)
			assert.Nil(t, resp)

			var authErr *AuthorizeError
			require.True(t, errors.As(err, &authErr), "expected *AuthorizeError, got %v", err)
			assert.Equal(t, tt.code, authErr.Code)
			assert.Equal(t, tt.redirectable, authErr.Redirectable)

			if tt.redirectable {
				u, err := url.Parse(authErr.RedirectURL())
				require.NoError(t, err)
				assert.Equal(t, "app.example.com", u.Host)
				assert.Equal(t, tt.code, u.Query().Get("error"))
				assert.Equal(t, "xyz", u.Query().Get("state"))
				assert.Empty(t, u.Query().Get("code"))
			} else {
				assert.Empty(t, authErr.RedirectURL())
			}
		})
	}
}

func TestAuthorize_MetadataClient(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	clientID := host.URL("/client.json")
	host.SetDocument("/client.json", testutil.MetadataDocument(clientID, "http://localhost:3000/callback"), nil)
	challenge, verifier := testutil.GeneratePKCEPair()

	resp, err := env.srv.Authorize(ctx, AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         "http://localhost:3000/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	assert.True(t, resp.Client.IsMetadataClient)

	token, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         resp.Code,
		ClientID:     clientID,
		RedirectURI:  "http://localhost:3000/callback",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, 1, host.Requests("/client.json"))
}

func TestAuthorize_MetadataClientWithoutAuthorizationCodeGrant(t *testing.T) {
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	clientID := host.URL("/client.json")
	host.SetDocument("/client.json", map[string]any{
		"client_id":     clientID,
		"redirect_uris": []string{"http://localhost:3000/callback"},
		"grant_types":   []string{"client_credentials"},
	}, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         "http://localhost:3000/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	var authErr *AuthorizeError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "unauthorized_client", authErr.Code)
	assert.True(t, authErr.Redirectable)
}

func TestAuthorize_StorageErrorIsInternal(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	store := mock.New(mem)
	env := newTestEnvWithStore(t, mem, store)
	client, err := env.srv.Clients.RegisterClient(context.Background(), "App", []string{testRedirectURI})
	require.NoError(t, err)

	boom := errors.New("disk full")
	store.SaveAuthorizationCodeFunc = func(ctx context.Context, code *storage.AuthorizationCode) error {
		return boom
	}
	challenge, _ := testutil.GeneratePKCEPair()

	_, err = env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            client.ID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	assert.ErrorIs(t, err, boom)
	var authErr *AuthorizeError
	assert.False(t, errors.As(err, &authErr))
}

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	code := f.authorize(t)

	resp, err := f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "read", resp.Scope)

	claims, err := f.srv.ValidateAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "user", claims.Subject)
	assert.Equal(t, []string{"mcp-server"}, claims.Audience)
	assert.Equal(t, "read", claims.Scope)
}

func TestExchangeAuthorizationCode_EmptyScopeIsSerialized(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	req := f.authorizationRequest()
	req.Scope = ""
	authResp, err := f.srv.Authorize(ctx, req)
	require.NoError(t, err)

	resp, err := f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(authResp.Code))
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "", body["scope"])
	assert.Contains(t, body, "scope")
}

func TestExchangeAuthorizationCode_SecondExchangeFails(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	aud := newRecordingAuditor()
	f.srv.SetAuditor(aud.Auditor)
	code := f.authorize(t)

	_, err := f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
	require.NoError(t, err)

	_, err = f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.True(t, aud.has("authorization_code_reuse_detected"))
}

func TestExchangeAuthorizationCode_InvalidGrant(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		modify  func(f *flowFixture, r *TokenRequest)
	}{
		{"unknown code", 0, func(f *flowFixture, r *TokenRequest) { r.Code = "not-a-real-code" }},
		{"expired code", 601 * time.Second, func(f *flowFixture, r *TokenRequest) {}},
		{"code at exact expiry", 600 * time.Second, func(f *flowFixture, r *TokenRequest) {}},
		{"client mismatch", 0, func(f *flowFixture, r *TokenRequest) { r.ClientID = "other-client" }},
		{"empty client", 0, func(f *flowFixture, r *TokenRequest) { r.ClientID = "" }},
		{"redirect mismatch", 0, func(f *flowFixture, r *TokenRequest) { r.RedirectURI = "https://app.example.com/other" }},
		{"empty redirect", 0, func(f *flowFixture, r *TokenRequest) { r.RedirectURI = "" }},
		{"wrong verifier", 0, func(f *flowFixture, r *TokenRequest) { _, r.CodeVerifier = testutil.GeneratePKCEPair() }},
		{"empty verifier", 0, func(f *flowFixture, r *TokenRequest) { r.CodeVerifier = "" }},
		{"short verifier", 0, func(f *flowFixture, r *TokenRequest) { r.CodeVerifier = "abc" }},
		{"verifier equals challenge", 0, func(f *flowFixture, r *TokenRequest) { r.CodeVerifier = f.challenge }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFlowFixture(t)
			code := f.authorize(t)
			f.clock.Advance(tt.advance)

			req := f.tokenRequest(code)
			tt.modify(f, &req)

			resp, err := f.srv.ExchangeAuthorizationCode(ctx, req)
			assert.Nil(t, resp)
			assert.Equal(t, ErrInvalidGrant, err, "every code failure is the same error")
		})
	}
}

func TestExchangeAuthorizationCode_FailureBurnsCode(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	code := f.authorize(t)

	bad := f.tokenRequest(code)
	_, bad.CodeVerifier = testutil.GeneratePKCEPair()
	_, err := f.srv.ExchangeAuthorizationCode(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
	assert.ErrorIs(t, err, ErrInvalidGrant, "a code is single-use even when the first attempt failed")
}

func TestExchangeAuthorizationCode_RequestErrors(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	code := f.authorize(t)

	req := f.tokenRequest(code)
	req.GrantType = "refresh_token"
	_, err := f.srv.ExchangeAuthorizationCode(ctx, req)
	assert.ErrorIs(t, err, ErrUnsupportedGrantType)

	req = f.tokenRequest("")
	_, err = f.srv.ExchangeAuthorizationCode(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// neither rejection consumed the code
	_, err = f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
	assert.NoError(t, err)
}

func TestExchangeAuthorizationCode_StorageErrorIsInternal(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	store := mock.New(mem)
	env := newTestEnvWithStore(t, mem, store)

	boom := errors.New("connection reset")
	store.ConsumeAuthorizationCodeFunc = func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
		return nil, boom
	}

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		GrantType: "authorization_code",
		Code:      "anything",
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeAuthorizationCode_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	code := f.authorize(t)

	const attempts = 20
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(code))
			results <- err
		}()
	}

	var successes int
	for i := 0; i < attempts; i++ {
		err := <-results
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInvalidGrant)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	resp, err := f.srv.ExchangeAuthorizationCode(ctx, f.tokenRequest(f.authorize(t)))
	require.NoError(t, err)

	f.clock.Advance(time.Hour + 10*time.Second)
	_, err = f.srv.ValidateAccessToken(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestRunMaintenance(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	f := newFlowFixture(t, WithMetadataHTTPClient(host.Client()))

	f.authorize(t)
	f.authorize(t)
	clientID := host.URL("/client.json")
	host.SetDocument("/client.json", testutil.MetadataDocument(clientID), nil)
	_, err := f.srv.ClientMetadata.GetClientMetadata(ctx, clientID)
	require.NoError(t, err)

	result, err := f.srv.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, MaintenanceResult{}, *result)

	f.clock.Advance(2 * time.Hour)
	result, err = f.srv.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExpiredCodes)
	assert.Equal(t, 1, result.ExpiredMetadata)
}
