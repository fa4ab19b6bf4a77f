package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/smallbiznis/waingest/internal/clock"
)

type memoryWindow struct {
	count int64
	reset time.Time
}

// MemoryStore keeps windows in process. Counters are per replica, so limits
// scale with the number of replicas.
type MemoryStore struct {
	mu    sync.Mutex
	items *gocache.Cache
	clock clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		items: gocache.New(gocache.NoExpiration, time.Minute),
		clock: clk,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := memoryWindow{reset: now.Add(window)}
	if raw, ok := s.items.Get(key); ok {
		if current := raw.(memoryWindow); now.Before(current.reset) {
			w = current
		}
	}
	w.count++
	ttl := w.reset.Sub(now)
	// go-cache expiry runs on wall time; the window itself is checked above.
	s.items.Set(key, w, ttl+time.Second)
	return w.count, ttl, nil
}
