package ratelimit

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCounter keeps counters in process memory. Suitable for a single
// instance; use GormCounter when several processes share a budget.
type MemoryCounter struct {
	store *cache.Cache
	now   func() time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		store: cache.New(time.Minute, 10*time.Minute),
		now:   time.Now,
	}
}

// TryAcquire implements Counter.
func (m *MemoryCounter) TryAcquire(_ context.Context, key string, window time.Duration, limit int64) (bool, error) {
	bucket := bucketKey(key, window, m.now())
	// The entry outlives its window so a late increment never recreates it.
	ttl := 2 * window

	for {
		_ = m.store.Add(bucket, int64(0), ttl)
		n, err := m.store.IncrementInt64(bucket, 1)
		if err == nil {
			return n <= limit, nil
		}
		// Expired between Add and IncrementInt64; try again.
	}
}

// Count implements Counter.
func (m *MemoryCounter) Count(_ context.Context, key string, window time.Duration) (int64, error) {
	v, found := m.store.Get(bucketKey(key, window, m.now()))
	if !found {
		return 0, nil
	}
	return v.(int64), nil
}

// Release implements Counter.
func (m *MemoryCounter) Release(_ context.Context, key string, window time.Duration) error {
	bucket := bucketKey(key, window, m.now())
	n, err := m.store.DecrementInt64(bucket, 1)
	if err != nil {
		// Window already gone.
		return nil
	}
	if n < 0 {
		_, _ = m.store.IncrementInt64(bucket, -n)
	}
	return nil
}

// SetClock replaces the time source used to pick windows.
func (m *MemoryCounter) SetClock(now func() time.Time) {
	m.now = now
}
