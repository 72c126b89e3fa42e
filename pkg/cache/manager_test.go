package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store Store, clock Clock) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig(), store, WithClock(clock))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerTierRouting(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())

	require.NoError(t, m.Set(ctx, TierMemory, "m", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, TierStorage, "s", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, TierSmart, "x", []byte("3"), 0))

	_, ok, err := m.Get(ctx, TierStorage, "m")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.Get(ctx, TierMemory, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	val, ok, err := m.Get(ctx, "", "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(val))

	stats := m.Stats(ctx)
	assert.Equal(t, []string{"m", "s", "x"}, stats.Memory.Keys)
	assert.Equal(t, []string{"s", "x"}, stats.Storage.Keys)

	require.NoError(t, m.Delete(ctx, TierSmart, "x"))
	require.NoError(t, m.Clear(ctx, TierMemory))
	stats = m.Stats(ctx)
	assert.Equal(t, 0, stats.Memory.Size)
	assert.Equal(t, []string{"s"}, stats.Storage.Keys)
}

func TestManagerUnknownTier(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())

	_, _, err := m.Get(ctx, "disk", "k")
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.ErrorIs(t, m.Set(ctx, "disk", "k", nil, 0), ErrUnknownTier)
	assert.ErrorIs(t, m.Delete(ctx, "disk", "k"), ErrUnknownTier)
	assert.ErrorIs(t, m.Clear(ctx, "disk"), ErrUnknownTier)
}

func TestManagerSetWithStrategy(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, NewMapStore(), clock)

	m.SetWithStrategy(ctx, "feed", []byte("v"), APIData)

	clock.Advance(time.Minute)
	_, ok := m.Memory().Get("feed")
	assert.False(t, ok)

	_, ok, err := m.Storage().Get(ctx, "feed")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(4 * time.Minute)
	_, ok, err = m.Storage().Get(ctx, "feed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerSetConfigClamps(t *testing.T) {
	m := newTestManager(t, NewMapStore(), newFakeClock())

	zero := 0
	negative := -time.Minute
	tiny := time.Millisecond
	prefix := "v2_"
	cfg := m.SetConfig(ConfigUpdate{
		Memory: MemoryUpdate{
			MaxSize:         &zero,
			DefaultTTL:      &negative,
			CleanupInterval: &tiny,
		},
		Storage: StorageUpdate{Prefix: &prefix},
	})

	assert.Equal(t, 1, cfg.Memory.MaxSize)
	assert.Equal(t, time.Duration(0), cfg.Memory.DefaultTTL)
	assert.Equal(t, time.Second, cfg.Memory.CleanupInterval)
	assert.Equal(t, "v2_", cfg.Storage.Prefix)
	assert.Equal(t, 50, cfg.Storage.MaxSize)
	assert.Equal(t, cfg, m.Config())
	assert.Equal(t, 1, m.Memory().Stats().MaxSize)
}

func TestManagerSetConfigShrinksMemory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set(ctx, TierMemory, k, []byte(k), time.Hour))
	}

	size := 1
	m.SetConfig(ConfigUpdate{Memory: MemoryUpdate{MaxSize: &size}})
	assert.Equal(t, 1, m.Memory().Stats().Size)
}

func TestManagerConcurrentSetConfigKeepsTiersInSync(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			m.SetConfig(ConfigUpdate{
				Memory:  MemoryUpdate{MaxSize: &size},
				Storage: StorageUpdate{MaxSize: &size},
			})
		}(i)
	}
	wg.Wait()

	cfg := m.Config()
	assert.Equal(t, cfg.Memory.MaxSize, m.Memory().Stats().MaxSize)
	storage, err := m.Storage().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Storage.MaxSize, storage.MaxSize)
}

func TestManagerStatsWithFailingStore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, failingStore{}, newFakeClock())

	require.NoError(t, m.Set(ctx, TierSmart, "k", []byte("v"), time.Hour))
	val, ok, err := m.Get(ctx, TierSmart, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	_, ok, err = m.Get(ctx, TierStorage, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := m.Stats(ctx)
	assert.Equal(t, 1, stats.Memory.Size)
	assert.Equal(t, 0, stats.Storage.Size)
	assert.Positive(t, stats.Storage.Errors)
}

func TestManagerRemember(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("loaded"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Remember(ctx, TierSmart, "k", time.Minute, loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "loaded", string(v))
	}

	v, err := m.Remember(ctx, TierSmart, "k", time.Minute, func(context.Context) ([]byte, error) {
		t.Fatal("loader called on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "loaded", string(v))
}

func TestManagerRememberLoaderError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())
	boom := errors.New("boom")

	_, err := m.Remember(ctx, TierMemory, "k", 0, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, _ := m.Get(ctx, TierMemory, "k")
	assert.False(t, ok)

	_, err = m.Remember(ctx, "disk", "k", 0, func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRememberJSON(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMapStore(), newFakeClock())

	type card struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	key := GenerateKey("api_home.getCards", 1)

	cards, err := RememberJSON(ctx, m, TierSmart, key, time.Minute, func(context.Context) ([]card, error) {
		return []card{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, cards, 2)

	raw, ok, err := m.Get(ctx, TierStorage, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":1,"title":"a"},{"id":2,"title":"b"}]`, string(raw))

	require.NoError(t, m.Set(ctx, TierSmart, "broken", []byte("{"), time.Minute))
	_, err = RememberJSON(ctx, m, TierSmart, "broken", time.Minute, func(context.Context) (card, error) {
		return card{}, nil
	})
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	assert.Equal(t, "api_user.profile", GenerateKey("api_user.profile"))
	assert.Equal(t, `api_home.getCards_[1,"hot"]`, GenerateKey("api_home.getCards", 1, "hot"))
	assert.Equal(t, `q_[{"page":2}]`, GenerateKey("q", map[string]int{"page": 2}))
	assert.NotEqual(t, GenerateKey("q", 1), GenerateKey("q", "1"))
}

func TestStrategyByName(t *testing.T) {
	s, err := StrategyByName("userData")
	require.NoError(t, err)
	assert.Equal(t, UserData, s)

	_, err = StrategyByName("forever")
	assert.Error(t, err)

	all := Strategies()
	require.Len(t, all, 3)
	all[0].Memory = 0
	assert.Equal(t, time.Minute, Strategies()[0].Memory)
}

func TestManagersAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, NewMapStore(), newFakeClock())
	b := newTestManager(t, NewMapStore(), newFakeClock())

	require.NoError(t, a.Set(ctx, TierSmart, "k", []byte("v"), 0))
	_, ok, err := b.Get(ctx, TierSmart, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
