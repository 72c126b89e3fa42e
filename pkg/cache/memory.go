package cache

import (
	"container/heap"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryTier is the fast, volatile cache layer. Entries expire through a
// single deadline heap driven by Sweep instead of one timer per key, and
// reads expire lazily. When the tier grows past MaxSize the least read
// entries are evicted.
type MemoryTier struct {
	mu        sync.Mutex
	cfg       MemoryConfig
	items     map[string]*memoryEntry
	deadlines deadlineHeap
	seq       uint64
	clock     Clock
	rec       Recorder
	wake      chan struct{}

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

type memoryEntry struct {
	Entry
	seq uint64
}

// NewMemoryTier creates a memory tier. A nil clock or recorder falls back to
// the wall clock and a no-op recorder.
func NewMemoryTier(cfg MemoryConfig, clock Clock, rec Recorder) *MemoryTier {
	if clock == nil {
		clock = SystemClock{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &MemoryTier{
		cfg:   cfg.normalize(),
		items: make(map[string]*memoryEntry),
		clock: clock,
		rec:   rec,
		wake:  make(chan struct{}, 1),
	}
}

// SetConfig replaces the tier configuration. It applies from the next
// operation; the existing deadlines are kept.
func (m *MemoryTier) SetConfig(cfg MemoryConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.normalize()
	m.checkSize()
}

// Get returns a copy of the value for key. Expired entries are removed and
// reported as a miss.
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		m.miss()
		return nil, false
	}

	now := m.clock.Now()
	if item.Expired(now) {
		m.remove(key)
		m.expirations++
		m.rec.Expired(TierMemory, 1)
		m.miss()
		return nil, false
	}

	item.touch(now)
	m.hits++
	m.rec.Hit(TierMemory)
	return slices.Clone(item.Value), true
}

// Set stores value under key. A zero ttl uses the configured default; a
// negative ttl stores an entry that is already expired. Overwriting a key
// replaces the entry and its access statistics. value is copied.
func (m *MemoryTier) Set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}

	m.seq++
	item := &memoryEntry{
		Entry: *newEntry(key, slices.Clone(value), ttl, m.clock.Now()),
		seq:   m.seq,
	}
	m.items[key] = item
	heap.Push(&m.deadlines, deadline{key: key, at: item.ExpireAt})
	if m.deadlines[0].at.Equal(item.ExpireAt) {
		m.notify()
	}

	m.compactDeadlines()
	m.checkSize()
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(key)
}

// Clear removes all entries.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*memoryEntry)
	m.deadlines = nil
	m.rec.Entries(TierMemory, 0)
}

// Stats returns a snapshot of the tier.
func (m *MemoryTier) Stats() TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return TierStats{
		Size:        len(m.items),
		MaxSize:     m.cfg.MaxSize,
		Keys:        keys,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Expirations: m.expirations,
	}
}

// Sweep removes every entry whose deadline has passed and returns how many
// were removed. Deadlines left behind by overwritten or deleted keys are
// discarded without touching the newer value.
func (m *MemoryTier) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0

	for len(m.deadlines) > 0 && !now.Before(m.deadlines[0].at) {
		d := heap.Pop(&m.deadlines).(deadline)
		if item, ok := m.items[d.key]; ok && item.ExpireAt.Equal(d.at) {
			m.remove(d.key)
			removed++
		}
	}

	for key, item := range m.items {
		if item.Expired(now) {
			m.remove(key)
			removed++
		}
	}

	if removed > 0 {
		m.expirations += int64(removed)
		m.rec.Expired(TierMemory, removed)
	}
	return removed
}

// NextExpiry returns the earliest deadline of a live entry.
func (m *MemoryTier) NextExpiry() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.deadlines) > 0 {
		d := m.deadlines[0]
		if item, ok := m.items[d.key]; ok && item.ExpireAt.Equal(d.at) {
			return d.at, true
		}
		heap.Pop(&m.deadlines)
	}
	return time.Time{}, false
}

// Wake signals when a Set moved the earliest deadline forward, so a
// sleeping sweeper can recompute its wait.
func (m *MemoryTier) Wake() <-chan struct{} {
	return m.wake
}

func (m *MemoryTier) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MemoryTier) miss() {
	m.misses++
	m.rec.Miss(TierMemory)
}

// remove must be called with mu held.
func (m *MemoryTier) remove(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	m.rec.Entries(TierMemory, len(m.items))
}

// checkSize evicts the least valuable entries until the tier fits.
func (m *MemoryTier) checkSize() {
	over := len(m.items) - m.cfg.MaxSize
	if over <= 0 {
		m.rec.Entries(TierMemory, len(m.items))
		return
	}

	ranked := make([]*memoryEntry, 0, len(m.items))
	for _, item := range m.items {
		ranked = append(ranked, item)
	}
	slices.SortFunc(ranked, func(a, b *memoryEntry) int {
		if c := lessValuable(&a.Entry, &b.Entry); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})

	for _, item := range ranked[:over] {
		delete(m.items, item.Key)
	}
	m.evictions += int64(over)
	m.rec.Evicted(TierMemory, over)
	m.rec.Entries(TierMemory, len(m.items))
}

// compactDeadlines rebuilds the heap once stale deadlines from overwrites
// outnumber live entries.
func (m *MemoryTier) compactDeadlines() {
	if len(m.deadlines) <= 2*len(m.items)+64 {
		return
	}
	fresh := make(deadlineHeap, 0, len(m.items))
	for key, item := range m.items {
		fresh = append(fresh, deadline{key: key, at: item.ExpireAt})
	}
	heap.Init(&fresh)
	m.deadlines = fresh
}

type deadline struct {
	key string
	at  time.Time
}

// deadlineHeap is a min-heap of expiry deadlines.
type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadline))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}
