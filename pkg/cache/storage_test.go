package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// failingStore fails every call.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error)    { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte) error      { return errStoreDown }
func (failingStore) Delete(context.Context, string) error           { return errStoreDown }
func (failingStore) Keys(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (failingStore) Close() error                                   { return nil }

// flakyStore fails the next Get of failKey once.
type flakyStore struct {
	*MapStore
	failKey string
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == s.failKey {
		s.failKey = ""
		return nil, errStoreDown
	}
	return s.MapStore.Get(ctx, key)
}

func newTestStorage(store Store, maxSize int, clock Clock) *PersistentTier {
	return NewPersistentTier(StorageConfig{
		Prefix:          DefaultPrefix,
		MaxSize:         maxSize,
		DefaultTTL:      30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}, store, clock, nil, nil)
}

func TestPersistentTier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMapStore()
	p := newTestStorage(store, 50, clock)

	require.NoError(t, p.Set(ctx, "user", []byte(`{"id":1}`), time.Hour))

	val, ok, err := p.Get(ctx, "user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1}`, string(val))

	_, ok, err = p.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app_cache_user"}, keys)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, []string{"user"}, stats.Keys)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestPersistentTierWritesBackAccessStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newTestStorage(NewMapStore(), 50, clock)

	require.NoError(t, p.Set(ctx, "k", []byte("v"), time.Hour))
	clock.Advance(time.Second)
	p.Get(ctx, "k")
	p.Get(ctx, "k")

	entries, err := p.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].AccessCount)
	assert.True(t, clock.Now().Equal(entries[0].LastAccessAt))
}

func TestPersistentTierExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newTestStorage(NewMapStore(), 50, clock)

	require.NoError(t, p.Set(ctx, "short", []byte("v"), time.Minute))
	require.NoError(t, p.Set(ctx, "default", []byte("v"), 0))

	clock.Advance(time.Minute)
	_, ok, err := p.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, stats.Keys)
	assert.Equal(t, int64(1), stats.Expirations)

	clock.Advance(30 * time.Minute)
	n, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Size)
}

func TestPersistentTierEviction(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newTestStorage(NewMapStore(), 2, clock)

	require.NoError(t, p.Set(ctx, "a", []byte("1"), time.Hour))
	clock.Advance(time.Second)
	require.NoError(t, p.Set(ctx, "b", []byte("2"), time.Hour))
	p.Get(ctx, "a")

	clock.Advance(time.Second)
	require.NoError(t, p.Set(ctx, "c", []byte("3"), time.Hour))

	// b has no reads and was written before c.
	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, stats.Keys)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestPersistentTierPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()
	require.NoError(t, store.Set(ctx, "session_token", []byte("secret")))
	require.NoError(t, store.Set(ctx, "settings", []byte("{}")))

	p := newTestStorage(store, 1, newFakeClock())
	require.NoError(t, p.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, p.Set(ctx, "b", []byte("2"), time.Hour))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)

	require.NoError(t, p.Clear(ctx))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Size)

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"session_token", "settings"}, keys)
}

func TestPersistentTierCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()
	require.NoError(t, store.Set(ctx, DefaultPrefix+"bad", []byte("not json")))

	p := newTestStorage(store, 50, newFakeClock())

	_, ok, err := p.Get(ctx, "bad")
	assert.False(t, ok)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "decode", serr.Op)
	assert.Equal(t, "bad", serr.Key)

	_, err = store.Get(ctx, DefaultPrefix+"bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistentTierEvictsCorruptEntriesFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()
	p := newTestStorage(store, 2, newFakeClock())

	require.NoError(t, p.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, DefaultPrefix+"broken", []byte("{")))
	require.NoError(t, p.Set(ctx, "b", []byte("2"), time.Hour))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stats.Keys)
}

func TestPersistentTierUnreadableEntryIsNotEvicted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &flakyStore{MapStore: NewMapStore()}
	p := newTestStorage(store, 2, clock)

	require.NoError(t, p.Set(ctx, "hot", []byte("h"), time.Hour))
	for range 5 {
		_, ok, err := p.Get(ctx, "hot")
		require.NoError(t, err)
		require.True(t, ok)
	}
	clock.Advance(time.Second)
	require.NoError(t, p.Set(ctx, "cold", []byte("c"), time.Hour))
	clock.Advance(time.Second)

	// The size check after this write cannot read "hot".
	store.failKey = DefaultPrefix + "hot"
	require.NoError(t, p.Set(ctx, "new", []byte("n"), time.Hour))
	assert.Empty(t, store.failKey)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "new"}, stats.Keys)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestPersistentTierStoreFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestStorage(failingStore{}, 50, newFakeClock())

	err := p.Set(ctx, "k", []byte("v"), time.Minute)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "set", serr.Op)
	assert.ErrorIs(t, err, errStoreDown)

	_, ok, err := p.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, errStoreDown)

	assert.Error(t, p.Delete(ctx, "k"))
	assert.Error(t, p.Clear(ctx))

	_, err = p.Sweep(ctx)
	assert.Error(t, err)

	stats, err := p.Stats(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, int64(6), stats.Errors)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestPersistentTierDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestStorage(NewMapStore(), 50, newFakeClock())

	require.NoError(t, p.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, p.Delete(ctx, "k"))
	require.NoError(t, p.Delete(ctx, "k"))
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, p.Clear(ctx))

	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentTierSetConfigChangesPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMapStore()
	p := newTestStorage(store, 50, newFakeClock())
	require.NoError(t, p.Set(ctx, "k", []byte("old"), time.Hour))

	p.SetConfig(StorageConfig{Prefix: "v2_", MaxSize: 50})
	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Set(ctx, "k", []byte("new"), time.Hour))
	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app_cache_k", "v2_k"}, keys)
}
