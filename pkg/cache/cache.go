package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("cache miss")
	ErrUnknownTier        = errors.New("unknown cache tier")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
)

// Tier names accepted by the manager and the CLI/daemon surfaces.
const (
	TierMemory  = "memory"
	TierStorage = "storage"
	TierSmart   = "smart"
)

// Entry represents a cached item. The JSON form is the persisted layout.
type Entry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	ExpireAt     time.Time `json:"expire_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	AccessCount  int64     `json:"access_count"`
}

// Expired reports whether the entry is dead at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpireAt)
}

// touch records a successful read.
func (e *Entry) touch(now time.Time) {
	e.LastAccessAt = now
	e.AccessCount++
}

func newEntry(key string, value []byte, ttl time.Duration, now time.Time) *Entry {
	if ttl < 0 {
		ttl = 0
	}
	return &Entry{
		Key:          key,
		Value:        value,
		ExpireAt:     now.Add(ttl),
		LastAccessAt: now,
	}
}

// lessValuable orders entries for eviction: fewest reads first, then the
// least recently read.
func lessValuable(a, b *Entry) int {
	switch {
	case a.AccessCount < b.AccessCount:
		return -1
	case a.AccessCount > b.AccessCount:
		return 1
	}
	return a.LastAccessAt.Compare(b.LastAccessAt)
}

// TierStats is the per-tier statistics snapshot.
type TierStats struct {
	Size        int      `json:"size" yaml:"size"`
	MaxSize     int      `json:"max_size" yaml:"max_size"`
	Keys        []string `json:"keys" yaml:"keys"`
	Hits        int64    `json:"hits" yaml:"hits"`
	Misses      int64    `json:"misses" yaml:"misses"`
	Evictions   int64    `json:"evictions" yaml:"evictions"`
	Expirations int64    `json:"expirations" yaml:"expirations"`
	Errors      int64    `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s TierStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats aggregates both tiers.
type Stats struct {
	Memory  TierStats `json:"memory" yaml:"memory"`
	Storage TierStats `json:"storage" yaml:"storage"`
}

// StorageError is returned by the persistent tier when the underlying store
// fails. It is never propagated through SmartCache.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// GenerateKey builds a cache key from an operation name and its arguments,
// e.g. GenerateKey("api_home.getCards", page) -> `api_home.getCards_[1]`.
// Arguments that cannot be encoded fall back to their %v form.
func GenerateKey(name string, args ...any) string {
	if len(args) == 0 {
		return name
	}
	data, err := json.Marshal(args)
	if err != nil {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprintf("%v", a)
		}
		return name + "_" + strings.Join(parts, ",")
	}
	return name + "_" + string(data)
}
