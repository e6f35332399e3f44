package broker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func newTestCredStore(t *testing.T, key [32]byte) *SQLiteCredentialStore {
	store, err := NewSQLiteCredentialStore(filepath.Join(t.TempDir(), "credentials.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCredStoreRoundtrip(t *testing.T) {
	store := newTestCredStore(t, testKey(1))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a", "conn-1", "api-key-123"))

	secret, err := store.Credential(ctx, "tenant-a", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "api-key-123", secret)
}

func TestCredStorePutReplaces(t *testing.T) {
	store := newTestCredStore(t, testKey(1))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a", "conn-1", "old"))
	require.NoError(t, store.Put(ctx, "tenant-a", "conn-1", "new"))

	secret, err := store.Credential(ctx, "tenant-a", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "new", secret)
}

func TestCredStoreScopedByTenantAndConnection(t *testing.T) {
	store := newTestCredStore(t, testKey(1))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a", "conn-1", "secret-a"))
	require.NoError(t, store.Put(ctx, "tenant-b", "conn-1", "secret-b"))

	a, err := store.Credential(ctx, "tenant-a", "conn-1")
	require.NoError(t, err)
	b, err := store.Credential(ctx, "tenant-b", "conn-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = store.Credential(ctx, "tenant-a", "conn-2")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCredStoreMissingFields(t *testing.T) {
	store := newTestCredStore(t, testKey(1))
	assert.Error(t, store.Put(context.Background(), "", "conn-1", "x"))
	assert.Error(t, store.Put(context.Background(), "tenant-a", "", "x"))
}

func TestCredStoreWrongKeyFailsToOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.db")

	store, err := NewSQLiteCredentialStore(path, testKey(1))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "tenant-a", "conn-1", "api-key-123"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteCredentialStore(path, testKey(2))
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Credential(context.Background(), "tenant-a", "conn-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key or corrupt record")
}

func TestCredStoreDelete(t *testing.T) {
	store := newTestCredStore(t, testKey(1))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a", "conn-1", "x"))
	require.NoError(t, store.Delete(ctx, "tenant-a", "conn-1"))

	_, err := store.Credential(ctx, "tenant-a", "conn-1")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	// Idempotent.
	assert.NoError(t, store.Delete(ctx, "tenant-a", "conn-1"))
}
