package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

func newTestCodeStore(t *testing.T) (*CodeStore, *mock.Store, *testutil.MockTime) {
	t.Helper()
	mem := memory.New()
	t.Cleanup(mem.Stop)
	store := mock.New(mem)
	clock := testutil.NewMockTime(testEpoch)
	return NewCodeStore(store, 0, clock.Now, discardLogger()), store, clock
}

func testCodeParams() CodeParams {
	challenge, _ := testutil.GeneratePKCEPair()
	return CodeParams{
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		Scope:               "read",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}
}

func TestCodeStore_Create(t *testing.T) {
	ctx := context.Background()
	codes, _, _ := newTestCodeStore(t)

	params := testCodeParams()
	code, err := codes.Create(ctx, params)
	require.NoError(t, err)

	assert.Len(t, code.Code, 43, "256 bits of base64url")
	assert.Equal(t, params.ClientID, code.ClientID)
	assert.Equal(t, params.RedirectURI, code.RedirectURI)
	assert.Equal(t, params.Scope, code.Scope)
	assert.Equal(t, params.CodeChallenge, code.CodeChallenge)
	assert.Equal(t, "S256", code.CodeChallengeMethod)
	assert.Equal(t, testEpoch, code.CreatedAt)
	assert.Equal(t, testEpoch.Add(600*time.Second), code.ExpiresAt)
	assert.Nil(t, code.UsedAt)

	got, err := codes.Get(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.Code, got.Code)

	other, err := codes.Create(ctx, params)
	require.NoError(t, err)
	assert.NotEqual(t, code.Code, other.Code)
}

func TestCodeStore_GetNotFound(t *testing.T) {
	codes, _, _ := newTestCodeStore(t)
	_, err := codes.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestCodeStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	codes, _, clock := newTestCodeStore(t)

	code, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	consumed, err := codes.Consume(ctx, code.Code)
	require.NoError(t, err)
	require.NotNil(t, consumed.UsedAt)
	assert.Equal(t, testEpoch.Add(10*time.Second), *consumed.UsedAt)

	_, err = codes.Consume(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// Get still sees the used code
	got, err := codes.Get(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, got.IsUsed())
}

func TestCodeStore_ConsumeExpired(t *testing.T) {
	ctx := context.Background()
	codes, _, clock := newTestCodeStore(t)

	code, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	_, err = codes.Consume(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeInvalid)

	got, err := codes.Get(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, got.IsUsed(), "an expired code is not marked used")
}

func TestCodeStore_ConsumeAtExactExpiry(t *testing.T) {
	ctx := context.Background()
	codes, _, clock := newTestCodeStore(t)

	code, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)

	clock.Advance(600 * time.Second)
	_, err = codes.Consume(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCodeStore_ConsumeUnknown(t *testing.T) {
	codes, _, _ := newTestCodeStore(t)
	_, err := codes.Consume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCodeStore_ConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	codes, _, _ := newTestCodeStore(t)

	code, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)

	const workers = 50
	var successes, rejections atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := codes.Consume(ctx, code.Code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrCodeInvalid):
				rejections.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), rejections.Load())
}

func TestCodeStore_StorageErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	codes, store, _ := newTestCodeStore(t)
	boom := errors.New("connection reset")

	store.ConsumeAuthorizationCodeFunc = func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
		return nil, boom
	}
	_, err := codes.Consume(ctx, "any")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCodeInvalid)

	store.GetAuthorizationCodeFunc = func(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
		return nil, boom
	}
	_, err = codes.Get(ctx, "any")
	assert.ErrorIs(t, err, boom)

	store.SaveAuthorizationCodeFunc = func(ctx context.Context, code *storage.AuthorizationCode) error {
		return boom
	}
	_, err = codes.Create(ctx, testCodeParams())
	assert.ErrorIs(t, err, boom)
}

func TestCodeStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	codes, _, clock := newTestCodeStore(t)

	old, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	fresh, err := codes.Create(ctx, testCodeParams())
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	n, err := codes.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = codes.Get(ctx, old.Code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	_, err = codes.Get(ctx, fresh.Code)
	assert.NoError(t, err)
}

func TestCodeStore_DeleteForClient(t *testing.T) {
	ctx := context.Background()
	codes, _, _ := newTestCodeStore(t)

	params := testCodeParams()
	for i := 0; i < 3; i++ {
		_, err := codes.Create(ctx, params)
		require.NoError(t, err)
	}
	otherParams := testCodeParams()
	otherParams.ClientID = "client-2"
	other, err := codes.Create(ctx, otherParams)
	require.NoError(t, err)

	n, err := codes.DeleteForClient(ctx, params.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = codes.Get(ctx, other.Code)
	assert.NoError(t, err)
}
