package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/storage"
)

// RunStoreConformance runs the behaviour every storage.Store implementation must provide.
// newStore must return an empty, isolated store for each subtest.
func RunStoreConformance(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("ConsumeConcurrent", func(t *testing.T) { testConsumeConcurrent(t, newStore(t)) })
	t.Run("CodeCleanup", func(t *testing.T) { testCodeCleanup(t, newStore(t)) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newStore(t)) })
	t.Run("ClientMetadata", func(t *testing.T) { testClientMetadata(t, newStore(t)) })
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	c1 := GenerateTestClient()
	c2 := GenerateTestClient()
	c2.CreatedAt = c1.CreatedAt.Add(time.Second)
	require.NoError(t, s.SaveClient(ctx, c1))
	require.NoError(t, s.SaveClient(ctx, c2))

	got, err := s.GetClient(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.Name, got.Name)
	assert.Equal(t, c1.RedirectURIs, got.RedirectURIs)
	assert.True(t, c1.CreatedAt.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, c1.CreatedAt)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c1.ID, list[0].ID)
	assert.Equal(t, c2.ID, list[1].ID)

	require.NoError(t, s.DeleteClient(ctx, c1.ID))
	_, err = s.GetClient(ctx, c1.ID)
	require.ErrorIs(t, err, storage.ErrClientNotFound)
	require.ErrorIs(t, s.DeleteClient(ctx, c1.ID), storage.ErrClientNotFound)
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.GetAuthorizationCode(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.ConsumeAuthorizationCode(ctx, "missing", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	code := GenerateTestAuthorizationCode("client-a", now.Add(10*time.Minute))
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Scope, got.Scope)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))
	assert.False(t, got.IsUsed())

	consumed, err := s.ConsumeAuthorizationCode(ctx, code.Code, now)
	require.NoError(t, err)
	require.NotNil(t, consumed.UsedAt)
	assert.True(t, consumed.UsedAt.Equal(now))

	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)

	// used codes stay visible to Get
	got, err = s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, got.IsUsed())

	// expiry is exclusive: consuming exactly at ExpiresAt fails
	expiring := GenerateTestAuthorizationCode("client-a", now.Add(time.Minute))
	require.NoError(t, s.SaveAuthorizationCode(ctx, expiring))
	_, err = s.ConsumeAuthorizationCode(ctx, expiring.Code, expiring.ExpiresAt)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeExpired)

	got, err = s.GetAuthorizationCode(ctx, expiring.Code)
	require.NoError(t, err)
	assert.False(t, got.IsUsed(), "a rejected consume must not mark the code used")
}

func testConsumeConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	code := GenerateTestAuthorizationCode("client-a", now.Add(10*time.Minute))
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		reused    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code, now)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reused.Add(1)
			default:
				t.Errorf("ConsumeAuthorizationCode() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one consume must succeed")
	assert.Equal(t, int32(workers-1), reused.Load())
}

func testCodeCleanup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	expired := GenerateTestAuthorizationCode("client-a", now.Add(-time.Minute))
	live := GenerateTestAuthorizationCode("client-a", now.Add(10*time.Minute))
	other := GenerateTestAuthorizationCode("client-b", now.Add(10*time.Minute))
	for _, c := range []*storage.AuthorizationCode{expired, live, other} {
		require.NoError(t, s.SaveAuthorizationCode(ctx, c))
	}

	n, err := s.DeleteExpiredAuthorizationCodes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetAuthorizationCode(ctx, expired.Code)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	n, err = s.DeleteAuthorizationCodesForClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetAuthorizationCode(ctx, live.Code)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	_, err = s.GetAuthorizationCode(ctx, other.Code)
	require.NoError(t, err, "codes of other clients must survive")

	n, err = s.DeleteAuthorizationCodesForClient(ctx, "client-none")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testSigningKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetSigningKey(ctx, "default")
	require.ErrorIs(t, err, storage.ErrSigningKeyNotFound)

	key := &storage.SigningKey{
		ID:         "default",
		KeyID:      "kid-1",
		PublicJWK:  `{"kty":"RSA","n":"abc","e":"AQAB"}`,
		PrivateJWK: "enc:v1:opaque",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSigningKey(ctx, key))

	got, err := s.GetSigningKey(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, got.KeyID)
	assert.Equal(t, key.PublicJWK, got.PublicJWK)
	assert.Equal(t, key.PrivateJWK, got.PrivateJWK)
	assert.True(t, key.CreatedAt.Equal(got.CreatedAt))
}

func testClientMetadata(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	clientID := "https://app.example.com/client.json"

	_, err := s.GetClientMetadata(ctx, clientID)
	require.ErrorIs(t, err, storage.ErrClientMetadataNotFound)

	rec := &storage.ClientMetadataRecord{
		ClientID:  clientID,
		Document:  []byte(`{"client_id":"https://app.example.com/client.json","redirect_uris":["https://app.example.com/cb"]}`),
		CachedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.SaveClientMetadata(ctx, rec))

	got, err := s.GetClientMetadata(ctx, clientID)
	require.NoError(t, err)
	assert.JSONEq(t, string(rec.Document), string(got.Document))
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	// replacing keeps a single record
	rec.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, s.SaveClientMetadata(ctx, rec))
	got, err = s.GetClientMetadata(ctx, clientID)
	require.NoError(t, err, "expired records are still returned")
	assert.True(t, got.IsExpired(now))

	n, err := s.DeleteExpiredClientMetadata(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetClientMetadata(ctx, clientID)
	require.ErrorIs(t, err, storage.ErrClientMetadataNotFound)
}
