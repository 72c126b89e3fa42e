package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager owns the two tiers and the smart facade built on them. It is
// constructed by the application's composition root and passed to callers;
// tests create as many independent managers as they need.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	memory  *MemoryTier
	storage *PersistentTier
	smart   *SmartCache
	store   Store

	log   *zap.Logger
	loads singleflight.Group
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	clock Clock
	log   *zap.Logger
	rec   Recorder
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for storage failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.rec = r }
}

// NewManager builds a manager over store. The configuration is clamped to
// sane minimums.
func NewManager(cfg Config, store Store, opts ...Option) *Manager {
	o := options{
		clock: SystemClock{},
		log:   zap.NewNop(),
		rec:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.Normalize()
	m := &Manager{
		cfg:   cfg,
		store: store,
		log:   o.log,
	}
	m.memory = NewMemoryTier(cfg.Memory, o.clock, o.rec)
	m.storage = NewPersistentTier(cfg.Storage, store, o.clock, o.rec, o.log)
	m.smart = NewSmartCache(m.memory, m.storage, func() time.Duration {
		return m.Config().Memory.DefaultTTL
	})
	return m
}

func (m *Manager) Memory() *MemoryTier      { return m.memory }
func (m *Manager) Storage() *PersistentTier { return m.storage }
func (m *Manager) Smart() *SmartCache       { return m.smart }
func (m *Manager) Logger() *zap.Logger      { return m.log }

// Config returns a copy of the live configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig merges u into the live configuration and pushes the result to
// both tiers. Sweep intervals take effect on the scheduler's next cycle.
func (m *Manager) SetConfig(u ConfigUpdate) Config {
	m.mu.Lock()
	m.cfg = m.cfg.Merge(u)
	cfg := m.cfg
	// Tiers are updated under mu so concurrent updates land in order.
	m.memory.SetConfig(cfg.Memory)
	m.storage.SetConfig(cfg.Storage)
	m.mu.Unlock()

	m.log.Info("cache configuration updated",
		zap.Int("memory_max_size", cfg.Memory.MaxSize),
		zap.Duration("memory_default_ttl", cfg.Memory.DefaultTTL),
		zap.Int("storage_max_size", cfg.Storage.MaxSize),
		zap.Duration("storage_default_ttl", cfg.Storage.DefaultTTL),
		zap.String("storage_prefix", cfg.Storage.Prefix),
	)
	return cfg
}

// Stats returns the statistics of both tiers. A failing store yields an
// empty storage section rather than an error.
func (m *Manager) Stats(ctx context.Context) Stats {
	storage, _ := m.storage.Stats(ctx)
	return Stats{
		Memory:  m.memory.Stats(),
		Storage: storage,
	}
}

// SetWithStrategy writes value to both tiers, each with the TTL the strategy
// assigns to it.
func (m *Manager) SetWithStrategy(ctx context.Context, key string, value []byte, s Strategy) {
	m.memory.Set(key, value, s.Memory)
	_ = m.storage.Set(ctx, key, value, s.Storage)
}

// Get reads key from the named tier. Storage failures read as misses.
func (m *Manager) Get(ctx context.Context, tier, key string) ([]byte, bool, error) {
	switch tier {
	case TierMemory:
		v, ok := m.memory.Get(key)
		return v, ok, nil
	case TierStorage:
		v, ok, _ := m.storage.Get(ctx, key)
		return v, ok, nil
	case TierSmart, "":
		v, ok := m.smart.Get(ctx, key)
		return v, ok, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
}

// Set writes key to the named tier.
func (m *Manager) Set(ctx context.Context, tier, key string, value []byte, ttl time.Duration) error {
	switch tier {
	case TierMemory:
		m.memory.Set(key, value, ttl)
	case TierStorage:
		_ = m.storage.Set(ctx, key, value, ttl)
	case TierSmart, "":
		m.smart.Set(ctx, key, value, ttl)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return nil
}

// Delete removes key from the named tier.
func (m *Manager) Delete(ctx context.Context, tier, key string) error {
	switch tier {
	case TierMemory:
		m.memory.Delete(key)
	case TierStorage:
		_ = m.storage.Delete(ctx, key)
	case TierSmart, "":
		m.smart.Delete(ctx, key)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return nil
}

// Clear empties the named tier.
func (m *Manager) Clear(ctx context.Context, tier string) error {
	switch tier {
	case TierMemory:
		m.memory.Clear()
	case TierStorage:
		_ = m.storage.Clear(ctx)
	case TierSmart, "":
		m.smart.Clear(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return nil
}

// Remember returns the cached value for key from the named tier. On a miss
// it calls loader once, even with concurrent callers for the same key,
// caches the result with ttl and returns it. A zero ttl uses the tier's
// default. Loader errors are returned and nothing is cached.
func (m *Manager) Remember(ctx context.Context, tier, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok, err := m.Get(ctx, tier, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err, _ := m.loads.Do(tier+"\x00"+key, func() (any, error) {
		// Another caller may have filled the key while we queued.
		if v, ok, _ := m.Get(ctx, tier, key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Set(ctx, tier, key, v, ttl); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// RememberJSON is Remember for JSON-encoded values.
func RememberJSON[T any](ctx context.Context, m *Manager, tier, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var out T
	data, err := m.Remember(ctx, tier, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode cached value for %q: %w", key, err)
	}
	return out, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
