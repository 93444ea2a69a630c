package admission

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Store is the sliding-window event log behind the admission controller,
// plus the shared counters and holds other throttling concerns (such as the
// dispatcher's pause-after-N windows) keep in the same place. The contract
// is atomic with TTL eviction; the engine does not care whether it lives in
// process memory or a shared service.
type Store interface {
	// Count returns the number of events within [now-window, now] and the
	// oldest event time inside that range (zero when the window is empty).
	Count(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
	// Add records an event at `at`. Events older than retention may be
	// evicted at any point.
	Add(ctx context.Context, key string, at time.Time) error
	// Incr bumps a shared counter and returns the new value. The counter
	// expires after ttl without updates.
	Incr(ctx context.Context, key string, ttl time.Duration) (int, error)
	// Clear removes a counter or hold.
	Clear(ctx context.Context, key string) error
	// Hold opens a shared hold on key that lasts for d.
	Hold(ctx context.Context, key string, d time.Duration) error
	// HoldRemaining reports how much of the hold on key is left, zero when
	// none is open.
	HoldRemaining(ctx context.Context, key string) (time.Duration, error)
}

// retention must cover the widest admission window (one day).
const retention = 25 * time.Hour

type windowLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (w *windowLog) add(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(at)
	w.times = append(w.times, at)
}

func (w *windowLog) count(now time.Time, window time.Duration) (int, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	cutoff := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, t := range w.times {
		if t.After(cutoff) {
			if count == 0 {
				oldest = t
			}
			count++
		}
	}
	return count, oldest
}

// prune drops entries past retention; callers hold the lock.
func (w *windowLog) prune(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append([]time.Time(nil), w.times[i:]...)
	}
}

// MemoryStore keeps window logs in a go-cache instance, one entry per
// channel-window key, evicted after the retention period of inactivity.
type MemoryStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(retention, time.Hour)}
}

func (s *MemoryStore) log(key string) *windowLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.c.Get(key); ok {
		s.c.SetDefault(key, v) // refresh TTL
		return v.(*windowLog)
	}
	w := &windowLog{}
	s.c.SetDefault(key, w)
	return w
}

func (s *MemoryStore) Count(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	count, oldest := s.log(key).count(time.Now(), window)
	return count, oldest, nil
}

func (s *MemoryStore) Add(_ context.Context, key string, at time.Time) error {
	s.log(key).add(at)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 1
	if v, ok := s.c.Get(key); ok {
		n = v.(int) + 1
	}
	s.c.Set(key, n, ttl)
	return n, nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *MemoryStore) Hold(_ context.Context, key string, d time.Duration) error {
	s.c.Set(key, struct{}{}, d)
	return nil
}

func (s *MemoryStore) HoldRemaining(_ context.Context, key string) (time.Duration, error) {
	_, exp, ok := s.c.GetWithExpiration(key)
	if !ok || exp.IsZero() {
		return 0, nil
	}
	if rem := time.Until(exp); rem > 0 {
		return rem, nil
	}
	return 0, nil
}
