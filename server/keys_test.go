package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

func newTestKeyManager(t *testing.T) (*KeyManager, *mock.Store) {
	t.Helper()
	mem := memory.New()
	t.Cleanup(mem.Stop)
	store := mock.New(mem)
	return NewKeyManager(store, discardLogger()), store
}

func TestKeyManager_GeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	km, store := newTestKeyManager(t)

	pair, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair.PrivateKey)
	assert.Equal(t, 2048, pair.PrivateKey.N.BitLen())

	expectedKID, err := deriveKeyID(&pair.PrivateKey.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, expectedKID, pair.KeyID, "kid is the RFC 7638 thumbprint")

	assert.Equal(t, pair.KeyID, pair.PublicKey.KeyID)
	assert.Equal(t, "sig", pair.PublicKey.Use)
	assert.Equal(t, "RS256", pair.PublicKey.Algorithm)
	assert.True(t, pair.PublicKey.IsPublic())

	stored, err := store.Base.GetSigningKey(ctx, SigningKeyID)
	require.NoError(t, err)
	assert.Equal(t, "default", stored.ID)
	assert.Equal(t, pair.KeyID, stored.KeyID)
	assert.Contains(t, stored.PublicJWK, `"kid":"`+pair.KeyID+`"`)
	assert.Equal(t, 1, store.CallCount("SaveSigningKey"))
}

func TestKeyManager_CachesInMemory(t *testing.T) {
	ctx := context.Background()
	km, store := newTestKeyManager(t)

	first, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)
	second, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.CallCount("GetSigningKey"))
}

func TestKeyManager_GeneratesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	km, store := newTestKeyManager(t)

	var wg sync.WaitGroup
	kids := make([]string, 10)
	for i := range kids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kid, err := km.KeyID(ctx)
			assert.NoError(t, err)
			kids[i] = kid
		}(i)
	}
	wg.Wait()

	for _, kid := range kids {
		assert.Equal(t, kids[0], kid)
	}
	assert.Equal(t, 1, store.CallCount("SaveSigningKey"))
}

func TestKeyManager_ReloadsAfterClearCache(t *testing.T) {
	ctx := context.Background()
	km, store := newTestKeyManager(t)

	first, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)

	km.ClearCache()

	second, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.True(t, first.PrivateKey.Equal(second.PrivateKey))
	assert.Equal(t, 1, store.CallCount("SaveSigningKey"), "reload must not generate a new key")
}

func TestKeyManager_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	defer mem.Stop()

	kid1, err := NewKeyManager(mem, discardLogger()).KeyID(ctx)
	require.NoError(t, err)
	kid2, err := NewKeyManager(mem, discardLogger()).KeyID(ctx)
	require.NoError(t, err)

	assert.Equal(t, kid1, kid2)
}

func TestKeyManager_EncryptsPrivateKeyAtRest(t *testing.T) {
	ctx := context.Background()
	km, store := newTestKeyManager(t)

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	km.SetEncryptor(enc)

	pair, err := km.GetSigningKeyPair(ctx)
	require.NoError(t, err)

	stored, err := store.Base.GetSigningKey(ctx, SigningKeyID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.PrivateJWK, "enc:v1:"))
	assert.NotContains(t, stored.PrivateJWK, `"d":`)
	assert.False(t, strings.HasPrefix(stored.PublicJWK, "enc:v1:"), "public key stays readable")

	// a fresh manager with the same key decrypts it
	other := NewKeyManager(store, discardLogger())
	other.SetEncryptor(enc)
	reloaded, err := other.GetSigningKeyPair(ctx)
	require.NoError(t, err)
	assert.True(t, pair.PrivateKey.Equal(reloaded.PrivateKey))

	// without the key the stored private JWK cannot be used
	noKey := NewKeyManager(store, discardLogger())
	_, err = noKey.GetSigningKeyPair(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrEncryptedWithoutKey)
}

func TestKeyManager_StorageErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend down")

	t.Run("load", func(t *testing.T) {
		km, store := newTestKeyManager(t)
		store.GetSigningKeyFunc = func(ctx context.Context, id string) (*storage.SigningKey, error) {
			return nil, boom
		}
		_, err := km.GetSigningKeyPair(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, store.CallCount("SaveSigningKey"), "must not generate when the store is unreachable")
	})

	t.Run("save", func(t *testing.T) {
		km, store := newTestKeyManager(t)
		store.SaveSigningKeyFunc = func(ctx context.Context, key *storage.SigningKey) error {
			return boom
		}
		_, err := km.GetSigningKeyPair(ctx)
		assert.ErrorIs(t, err, boom)

		// nothing was cached, so the next call tries again
		store.SaveSigningKeyFunc = nil
		_, err = km.GetSigningKeyPair(ctx)
		assert.NoError(t, err)
	})
}

func TestKeyManager_JWKS(t *testing.T) {
	ctx := context.Background()
	km, _ := newTestKeyManager(t)

	jwks, err := km.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)

	data, err := json.Marshal(jwks)
	require.NoError(t, err)

	var decoded struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Keys, 1)
	k := decoded.Keys[0]
	assert.Equal(t, "RSA", k["kty"])
	assert.Equal(t, "sig", k["use"])
	assert.Equal(t, "RS256", k["alg"])
	assert.NotEmpty(t, k["kid"])
	assert.NotEmpty(t, k["n"])
	assert.Equal(t, "AQAB", k["e"])
	assert.NotContains(t, k, "d", "private exponent must never be published")

	var parsed jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(data, &parsed))
	_, ok := parsed.Keys[0].Key.(*rsa.PublicKey)
	assert.True(t, ok)
}
