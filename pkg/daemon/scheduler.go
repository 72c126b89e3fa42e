package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/afterdarksys/appcached/pkg/cache"
	"go.uber.org/zap"
)

// minWake keeps the memory loop from spinning on deadlines that are due now.
const minWake = 10 * time.Millisecond

// Scheduler runs the background sweeps of both tiers. The memory loop
// wakes at the earlier of its cleanup interval and the next entry deadline,
// which stands in for a timer per key. Intervals are re-read from the
// manager every cycle so config changes apply without a restart.
type Scheduler struct {
	manager *cache.Manager
	log     *zap.Logger
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewScheduler creates a new background scheduler
func NewScheduler(m *cache.Manager, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		manager: m,
		log:     log.With(zap.String("component", "scheduler")),
		done:    make(chan struct{}),
	}
}

// Start begins the background sweeps.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.memoryLoop(ctx)
	go s.storageLoop(ctx)
}

// Stop stops the sweeps and waits for them to exit. It is safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// RunNow sweeps both tiers immediately.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.sweepMemory()
	s.sweepStorage(ctx)
}

func (s *Scheduler) memoryLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := s.manager.Config().Memory.CleanupInterval
		if next, ok := s.manager.Memory().NextExpiry(); ok {
			if d := time.Until(next); d < wait {
				wait = max(d, minWake)
			}
		}

		if !s.sleep(ctx, wait, s.manager.Memory().Wake()) {
			return
		}
		s.sweepMemory()
	}
}

func (s *Scheduler) storageLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if !s.sleep(ctx, s.manager.Config().Storage.CleanupInterval, nil) {
			return
		}
		s.sweepStorage(ctx)
	}
}

// sleep waits for d or a wake signal and reports false when the scheduler
// is stopping. A nil wake channel never fires.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-wake:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) sweepMemory() {
	if n := s.manager.Memory().Sweep(); n > 0 {
		s.log.Debug("memory sweep", zap.Int("expired", n))
	}
}

func (s *Scheduler) sweepStorage(ctx context.Context) {
	start := time.Now()
	n, err := s.manager.Storage().Sweep(ctx)
	if err != nil {
		s.log.Warn("storage sweep failed", zap.Error(err))
		return
	}
	s.log.Debug("storage sweep",
		zap.Int("expired", n),
		zap.Duration("took", time.Since(start)),
	)
}
