package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

func TestClientResolver_StaticClient(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	registered, err := env.srv.Clients.RegisterClient(ctx, "CLI tool", []string{"http://127.0.0.1:8765/callback"})
	require.NoError(t, err)
	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, testEpoch, registered.CreatedAt)

	client, err := env.srv.Clients.ResolveClient(ctx, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, client.ID)
	assert.Equal(t, "CLI tool", client.Name)
	assert.Equal(t, []string{"http://127.0.0.1:8765/callback"}, client.RedirectURIs)
	assert.Equal(t, []string{GrantTypeAuthorizationCode}, client.GrantTypes)
	assert.False(t, client.IsMetadataClient)
	assert.Equal(t, ClientTypeStatic, client.Type())

	assert.True(t, client.IsValidRedirectURI("http://127.0.0.1:8765/callback"))
	assert.False(t, client.IsValidRedirectURI("http://127.0.0.1:8765/callback/"))
	assert.False(t, client.IsValidRedirectURI("http://127.0.0.1:8765/CALLBACK"))
}

func TestClientResolver_UnknownClient(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.Clients.ResolveClient(context.Background(), "no-such-client")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientResolver_MetadataClient(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	clientID := host.URL("/oauth/client.json")
	host.SetDocument("/oauth/client.json", map[string]any{
		"client_id":     clientID,
		"client_name":   "Desktop App",
		"redirect_uris": []string{"http://localhost:9000/cb"},
		"grant_types":   []string{"authorization_code", "refresh_token"},
	}, nil)

	client, err := env.srv.Clients.ResolveClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, clientID, client.ID)
	assert.Equal(t, "Desktop App", client.Name)
	assert.Equal(t, []string{"http://localhost:9000/cb"}, client.RedirectURIs)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, client.GrantTypes)
	assert.True(t, client.IsMetadataClient)
	assert.Equal(t, ClientTypeMetadata, client.Type())
}

func TestClientResolver_MetadataClientDefaults(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	clientID := host.URL("/client.json")
	host.SetDocument("/client.json", map[string]any{
		"client_id":     clientID,
		"redirect_uris": []string{"http://localhost:9000/cb"},
	}, nil)

	client, err := env.srv.Clients.ResolveClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, hostOf(clientID), client.Name, "name falls back to the URL host")
	assert.Equal(t, []string{GrantTypeAuthorizationCode}, client.GrantTypes)
}

func TestClientResolver_MetadataClientWithoutAuthorizationCodeGrant(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	clientID := host.URL("/client.json")
	host.SetDocument("/client.json", map[string]any{
		"client_id":     clientID,
		"redirect_uris": []string{"http://localhost:9000/cb"},
		"grant_types":   []string{"client_credentials"},
	}, nil)

	client, err := env.srv.Clients.ResolveClient(ctx, clientID)
	require.NoError(t, err)
	assert.False(t, client.SupportsGrantType(GrantTypeAuthorizationCode))
}

func TestClientResolver_MetadataUnavailable(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	_, err := env.srv.Clients.ResolveClient(ctx, host.URL("/missing.json"))
	assert.ErrorIs(t, err, ErrClientNotFound)

	mismatched := host.URL("/mismatch.json")
	host.SetDocument("/mismatch.json", testutil.MetadataDocument("https://someone-else.example.com/client.json"), nil)
	_, err = env.srv.Clients.ResolveClient(ctx, mismatched)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientResolver_URLIdentifiersNeverHitStaticRegistry(t *testing.T) {
	ctx := context.Background()
	host := testutil.NewMetadataHost(t)
	env := newTestEnv(t, WithMetadataHTTPClient(host.Client()))

	// a static row that happens to carry a URL id is ignored
	clientID := host.URL("/client.json")
	require.NoError(t, env.store.SaveClient(ctx, &storage.Client{
		ID:           clientID,
		Name:         "Shadow",
		RedirectURIs: []string{"https://attacker.example.com/cb"},
	}))

	_, err := env.srv.Clients.ResolveClient(ctx, clientID)
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Equal(t, 1, host.Requests("/client.json"))
}

func TestClientResolver_HTTPIdentifierIsStatic(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.store.SaveClient(ctx, &storage.Client{
		ID:           "http://legacy.example.com/app",
		Name:         "Legacy",
		RedirectURIs: []string{"https://legacy.example.com/cb"},
	}))

	client, err := env.srv.Clients.ResolveClient(ctx, "http://legacy.example.com/app")
	require.NoError(t, err)
	assert.False(t, client.IsMetadataClient)
	assert.Equal(t, "Legacy", client.Name)
}

func TestClientResolver_StorageErrorPropagates(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	store := mock.New(mem)
	boom := errors.New("connection refused")
	store.GetClientFunc = func(ctx context.Context, clientID string) (*storage.Client, error) {
		return nil, boom
	}
	env := newTestEnvWithStore(t, mem, store)

	_, err := env.srv.Clients.ResolveClient(context.Background(), "client-1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrClientNotFound)
}

func TestClientResolver_RegisterClientValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name         string
		clientName   string
		redirectURIs []string
	}{
		{"empty name", "  ", []string{"https://app.example.com/cb"}},
		{"no redirect URIs", "App", nil},
		{"relative URI", "App", []string{"/callback"}},
		{"javascript scheme", "App", []string{"javascript:alert(1)"}},
		{"data scheme", "App", []string{"data:text/html,hi"}},
		{"fragment", "App", []string{"https://app.example.com/cb#frag"}},
		{"https without host", "App", []string{"https:///cb"}},
		{"one bad among good", "App", []string{"https://app.example.com/cb", "file:///etc/passwd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Clients.RegisterClient(context.Background(), tt.clientName, tt.redirectURIs)
			assert.Error(t, err)
		})
	}

	clients, err := env.srv.Clients.ListClients(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestClientResolver_RegisterAllowsNativeSchemes(t *testing.T) {
	env := newTestEnv(t)

	client, err := env.srv.Clients.RegisterClient(context.Background(), "Mobile", []string{"com.example.app:/oauth/callback"})
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app:/oauth/callback"}, client.RedirectURIs)
}

func TestClientResolver_ListClients(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, name := range []string{"one", "two", "three"} {
		_, err := env.srv.Clients.RegisterClient(ctx, name, []string{"https://app.example.com/" + name})
		require.NoError(t, err)
	}

	clients, err := env.srv.Clients.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 3)
}

func TestClientResolver_DeleteClient(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	client, err := env.srv.Clients.RegisterClient(ctx, "App", []string{"https://app.example.com/cb"})
	require.NoError(t, err)

	params := testCodeParams()
	params.ClientID = client.ID
	code, err := env.srv.Codes.Create(ctx, params)
	require.NoError(t, err)

	require.NoError(t, env.srv.Clients.DeleteClient(ctx, client.ID))

	_, err = env.srv.Clients.ResolveClient(ctx, client.ID)
	assert.ErrorIs(t, err, ErrClientNotFound)
	_, err = env.srv.Codes.Get(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeNotFound, "codes issued to a deleted client are removed")

	assert.ErrorIs(t, env.srv.Clients.DeleteClient(ctx, client.ID), ErrClientNotFound)
}

func TestResolvedClient_SupportsGrantType(t *testing.T) {
	client := &ResolvedClient{GrantTypes: []string{"authorization_code"}}
	if !client.SupportsGrantType("authorization_code") {
		t.Error("expected authorization_code to be supported")
	}
	if client.SupportsGrantType("refresh_token") {
		t.Error("expected refresh_token to be unsupported")
	}
}
