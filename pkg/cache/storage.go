package cache

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PersistentTier is the durable cache layer. It namespaces its keys with a
// prefix inside a shared Store so that unrelated data in the same store is
// never listed, evicted or cleared. Expiry is lazy on Get plus Sweep; there
// are no per-key deadlines.
//
// Every Store failure is logged, counted and returned as a *StorageError
// while the operation degrades to a miss or a no-op.
type PersistentTier struct {
	mu    sync.Mutex
	cfg   StorageConfig
	store Store
	clock Clock
	rec   Recorder
	log   *zap.Logger

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	errors      int64
}

func NewPersistentTier(cfg StorageConfig, store Store, clock Clock, rec Recorder, log *zap.Logger) *PersistentTier {
	if clock == nil {
		clock = SystemClock{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PersistentTier{
		cfg:   cfg.normalize(),
		store: store,
		clock: clock,
		rec:   rec,
		log:   log.With(zap.String("tier", TierStorage)),
	}
}

// SetConfig replaces the tier configuration for subsequent operations.
func (p *PersistentTier) SetConfig(cfg StorageConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.normalize()
}

// Set stores value under key. A zero ttl uses the configured default.
func (p *PersistentTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ttl == 0 {
		ttl = p.cfg.DefaultTTL
	}

	if err := p.put(ctx, newEntry(key, value, ttl, p.clock.Now())); err != nil {
		return err
	}

	// A failed size check leaves the tier oversized until the next write.
	_ = p.checkSize(ctx)
	return nil
}

// Get returns the value for key and records the access. Expired and
// undecodable entries are deleted and reported as a miss.
func (p *PersistentTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.load(ctx, key)
	if err != nil {
		p.miss()
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	now := p.clock.Now()
	if entry.Expired(now) {
		_ = p.remove(ctx, key)
		p.expirations++
		p.rec.Expired(TierStorage, 1)
		p.miss()
		return nil, false, nil
	}

	entry.touch(now)
	// The value is still good if the access stats cannot be written back.
	_ = p.put(ctx, entry)

	p.hits++
	p.rec.Hit(TierStorage)
	return entry.Value, true, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (p *PersistentTier) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remove(ctx, key)
}

// Clear removes every namespaced key and leaves other data in the store
// untouched. It keeps going past individual failures and returns the first.
func (p *PersistentTier) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.keys(ctx)
	if err != nil {
		return err
	}

	var first error
	for _, k := range keys {
		if err := p.store.Delete(ctx, k); err != nil && first == nil {
			first = p.fail("clear", strings.TrimPrefix(k, p.cfg.Prefix), err)
		}
	}
	p.rec.Entries(TierStorage, 0)
	return first
}

// Stats returns a snapshot of the tier. On a store failure the size is
// reported as zero alongside the error.
func (p *PersistentTier) Stats(ctx context.Context) (TierStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := TierStats{
		MaxSize:     p.cfg.MaxSize,
		Keys:        []string{},
		Hits:        p.hits,
		Misses:      p.misses,
		Evictions:   p.evictions,
		Expirations: p.expirations,
	}

	keys, err := p.keys(ctx)
	stats.Errors = p.errors
	if err != nil {
		return stats, err
	}

	for _, k := range keys {
		stats.Keys = append(stats.Keys, strings.TrimPrefix(k, p.cfg.Prefix))
	}
	stats.Size = len(keys)
	return stats, nil
}

// Sweep deletes expired namespaced entries and returns how many were
// removed. Failures on single entries are skipped.
func (p *PersistentTier) Sweep(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.keys(ctx)
	if err != nil {
		return 0, err
	}

	now := p.clock.Now()
	removed := 0
	for _, k := range keys {
		key := strings.TrimPrefix(k, p.cfg.Prefix)
		entry, err := p.load(ctx, key)
		if err != nil || !entry.Expired(now) {
			continue
		}
		if p.store.Delete(ctx, k) == nil {
			removed++
		}
	}

	if removed > 0 {
		p.expirations += int64(removed)
		p.rec.Expired(TierStorage, removed)
		p.rec.Entries(TierStorage, len(keys)-removed)
	}
	return removed, nil
}

// Entries returns the live entries of the tier.
func (p *PersistentTier) Entries(ctx context.Context) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.keys(ctx)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entry, err := p.load(ctx, strings.TrimPrefix(k, p.cfg.Prefix))
		if err != nil || entry.Expired(now) {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// checkSize evicts the least valuable entries once the namespace holds more
// than MaxSize keys. Undecodable entries are dropped by load and count as
// evicted; entries that cannot be read right now are left out of the ranking
// and never deleted.
func (p *PersistentTier) checkSize(ctx context.Context) error {
	keys, err := p.keys(ctx)
	if err != nil {
		return err
	}

	if len(keys) <= p.cfg.MaxSize {
		p.rec.Entries(TierStorage, len(keys))
		return nil
	}

	type ranked struct {
		key   string
		entry *Entry
	}
	items := make([]ranked, 0, len(keys))
	dropped, unreadable := 0, 0
	for _, k := range keys {
		entry, err := p.load(ctx, strings.TrimPrefix(k, p.cfg.Prefix))
		var serr *StorageError
		switch {
		case err == nil:
			items = append(items, ranked{key: k, entry: entry})
		case errors.As(err, &serr) && serr.Op == "decode":
			dropped++
		case errors.Is(err, ErrNotFound):
		default:
			unreadable++
		}
	}

	evicted := 0
	if over := len(items) + unreadable - p.cfg.MaxSize; over > 0 {
		over = min(over, len(items))
		slices.SortStableFunc(items, func(a, b ranked) int {
			return lessValuable(a.entry, b.entry)
		})
		for _, item := range items[:over] {
			if err := p.store.Delete(ctx, item.key); err != nil {
				p.fail("evict", strings.TrimPrefix(item.key, p.cfg.Prefix), err)
				continue
			}
			evicted++
		}
	}

	if removed := evicted + dropped; removed > 0 {
		p.evictions += int64(removed)
		p.rec.Evicted(TierStorage, removed)
	}
	p.rec.Entries(TierStorage, len(items)+unreadable-evicted)
	return nil
}

// load reads and decodes one entry. Corrupted entries are deleted.
func (p *PersistentTier) load(ctx context.Context, key string) (*Entry, error) {
	data, err := p.store.Get(ctx, p.cfg.Prefix+key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.fail("get", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		serr := p.fail("decode", key, err)
		_ = p.store.Delete(ctx, p.cfg.Prefix+key)
		return nil, serr
	}
	return &entry, nil
}

func (p *PersistentTier) put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return p.fail("encode", entry.Key, err)
	}
	if err := p.store.Set(ctx, p.cfg.Prefix+entry.Key, data); err != nil {
		return p.fail("set", entry.Key, err)
	}
	return nil
}

func (p *PersistentTier) remove(ctx context.Context, key string) error {
	if err := p.store.Delete(ctx, p.cfg.Prefix+key); err != nil {
		return p.fail("delete", key, err)
	}
	return nil
}

func (p *PersistentTier) keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.Keys(ctx, p.cfg.Prefix)
	if err != nil {
		return nil, p.fail("keys", "", err)
	}
	return keys, nil
}

func (p *PersistentTier) miss() {
	p.misses++
	p.rec.Miss(TierStorage)
}

func (p *PersistentTier) fail(op, key string, err error) *StorageError {
	p.errors++
	p.rec.StorageError(op)
	p.log.Warn("storage operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	return &StorageError{Op: op, Key: key, Err: err}
}
