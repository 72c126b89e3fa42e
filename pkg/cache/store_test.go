package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "app_a", []byte("1")))
	require.NoError(t, store.Set(ctx, "app_b", []byte("2")))
	require.NoError(t, store.Set(ctx, "other", []byte("3")))
	require.NoError(t, store.Set(ctx, "app_a", []byte("updated")))

	val, err := store.Get(ctx, "app_a")
	require.NoError(t, err)
	assert.Equal(t, "updated", string(val))

	keys, err := store.Keys(ctx, "app_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app_a", "app_b"}, keys)

	require.NoError(t, store.Delete(ctx, "app_a"))
	require.NoError(t, store.Delete(ctx, "app_a"))
	_, err = store.Get(ctx, "app_a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMapStore(t *testing.T) {
	testStoreContract(t, NewMapStore())
}

func TestMapStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'x'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store)
}

func TestSQLiteStorePrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "a_1", []byte("v")))
	require.NoError(t, store.Set(ctx, "ab1", []byte("v")))

	keys, err := store.Keys(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1"}, keys)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	m := NewManager(DefaultConfig(), mustSQLite(t, path))
	require.NoError(t, m.Set(ctx, TierSmart, "persisted", []byte("v"), time.Hour))
	require.NoError(t, m.Close())

	m = NewManager(DefaultConfig(), mustSQLite(t, path))
	defer m.Close()

	val, ok, err := m.Get(ctx, TierSmart, "persisted")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func mustSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	return store
}

func TestRedisStoreUnreachableDegrades(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore("127.0.0.1:1")
	require.NoError(t, err)
	assert.Error(t, store.Ping(ctx))

	m := NewManager(DefaultConfig(), store)
	defer m.Close()

	require.NoError(t, m.Set(ctx, TierSmart, "k", []byte("v"), time.Minute))
	val, ok, err := m.Get(ctx, TierSmart, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	_, ok, err = m.Get(ctx, TierStorage, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewStore(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MapStore{}, store)

	store, err = NewStore("sqlite", filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	_, err = NewStore("mongo", "")
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `app_cache_`, escapeGlob("app_cache_"))
	assert.Equal(t, `a\*b\?\[c\]`, escapeGlob("a*b?[c]"))
}

func TestUniqueSortedDropsScanDuplicates(t *testing.T) {
	keys := []string{"app_cache_b", "app_cache_a", "app_cache_b", "app_cache_c", "app_cache_a"}
	assert.Equal(t, []string{"app_cache_a", "app_cache_b", "app_cache_c"}, uniqueSorted(keys))
	assert.Empty(t, uniqueSorted(nil))
}
