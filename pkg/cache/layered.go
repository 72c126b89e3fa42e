package cache

import (
	"context"
	"time"
)

// SmartCache implements a two-tier cache:
// - L1: MemoryTier, small and volatile
// - L2: PersistentTier, survives a process restart
// Writes go to both tiers. Reads try L1, then L2, and promote L2 hits into
// L1. Storage failures are treated as misses and never reach the caller.
type SmartCache struct {
	memory  *MemoryTier
	storage *PersistentTier
	ttl     func() time.Duration
}

// NewSmartCache composes two tiers. promoteTTL reports the TTL used when an
// L2 hit is copied into L1; it is read on every promotion so that config
// changes apply.
func NewSmartCache(memory *MemoryTier, storage *PersistentTier, promoteTTL func() time.Duration) *SmartCache {
	return &SmartCache{
		memory:  memory,
		storage: storage,
		ttl:     promoteTTL,
	}
}

// Get retrieves a value from the cache (L1 -> L2)
func (c *SmartCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.memory.Get(key); ok {
		return value, true
	}

	// The persistent tier already logged any failure.
	value, ok, err := c.storage.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}

	// L2 keeps the original deadline; L1 gets a fresh default window.
	c.memory.Set(key, value, c.ttl())
	return value, true
}

// Set stores a value in both tiers with the same ttl.
func (c *SmartCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.memory.Set(key, value, ttl)
	_ = c.storage.Set(ctx, key, value, ttl)
}

// Delete removes a key from both tiers.
func (c *SmartCache) Delete(ctx context.Context, key string) {
	c.memory.Delete(key)
	_ = c.storage.Delete(ctx, key)
}

// Clear empties both tiers.
func (c *SmartCache) Clear(ctx context.Context) {
	c.memory.Clear()
	_ = c.storage.Clear(ctx)
}
