package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

// testStore connects to POSTGRES_TEST_DSN, applies the schema and empties all tables.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	store, err := New(ctx, Config{DSN: dsn})
	if err != nil {
		t.Skipf("Skipping test: could not connect to PostgreSQL: %v", err)
	}
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, `TRUNCATE oauth_clients, oauth_authorization_codes, oauth_signing_keys, oauth_client_metadata`)
	require.NoError(t, err)

	return store
}

func TestStore_Conformance(t *testing.T) {
	testutil.RunStoreConformance(t, func(t *testing.T) storage.Store {
		return testStore(t)
	})
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
