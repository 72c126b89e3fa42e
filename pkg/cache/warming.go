package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WarmingConfig defines warm-start configuration
type WarmingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Limit caps the number of promoted entries; zero means the memory
	// tier's MaxSize.
	Limit int `json:"limit" yaml:"limit"`
}

// WarmingStats tracks warm-start statistics
type WarmingStats struct {
	LastRun     time.Time     `json:"last_run"`
	TotalWarmed int64         `json:"total_warmed"`
	Skipped     int64         `json:"skipped"`
	Duration    time.Duration `json:"duration"`
	InProgress  bool          `json:"in_progress"`
}

// Warmer copies the most read persistent entries into the memory tier so a
// restarted process starts with a hot L1.
type Warmer struct {
	manager *Manager
	config  WarmingConfig
	clock   Clock
	mu      sync.Mutex
	stats   WarmingStats
}

// NewWarmer creates a warmer for m.
func NewWarmer(m *Manager, config WarmingConfig) *Warmer {
	return &Warmer{
		manager: m,
		config:  config,
		clock:   m.memory.clock,
	}
}

// Warm promotes entries ordered by access count, most read first. Each
// promoted entry gets the memory default TTL, shortened to what is left of
// its persistent lifetime.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	if !w.config.Enabled {
		return 0, fmt.Errorf("cache warming is not enabled")
	}

	w.mu.Lock()
	if w.stats.InProgress {
		w.mu.Unlock()
		return 0, fmt.Errorf("cache warming already in progress")
	}
	w.stats.InProgress = true
	w.stats.LastRun = w.clock.Now()
	w.mu.Unlock()

	warmed, skipped := 0, 0
	defer func() {
		w.mu.Lock()
		w.stats.InProgress = false
		w.stats.TotalWarmed += int64(warmed)
		w.stats.Skipped += int64(skipped)
		w.stats.Duration = w.clock.Now().Sub(w.stats.LastRun)
		w.mu.Unlock()
	}()

	entries, err := w.manager.storage.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read persistent tier: %w", err)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return -lessValuable(&a, &b)
	})

	cfg := w.manager.Config()
	limit := w.config.Limit
	if limit <= 0 || limit > cfg.Memory.MaxSize {
		limit = cfg.Memory.MaxSize
	}

	now := w.clock.Now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if warmed >= limit {
			skipped++
			continue
		}
		ttl := min(cfg.Memory.DefaultTTL, e.ExpireAt.Sub(now))
		if ttl <= 0 {
			skipped++
			continue
		}
		w.manager.memory.Set(e.Key, e.Value, ttl)
		warmed++
	}

	w.manager.log.Info("cache warmed",
		zap.Int("warmed", warmed),
		zap.Int("skipped", skipped),
	)
	return warmed, nil
}

// Stats returns warm-start statistics
func (w *Warmer) Stats() WarmingStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
