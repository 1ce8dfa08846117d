package budget

import (
	"context"
	"sync"
	"time"

	"ObitPipeline/internal/ports"
)

// MemoryStore is an in-process BudgetStore. It serves single-process runs
// and tests; deployments with overlapping invocations use the Postgres
// store so every process sees the same counters.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[time.Time]int
}

var _ ports.BudgetStore = (*MemoryStore)(nil)

// NewMemoryStore builds an empty bucket map.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[time.Time]int{}}
}

// AddTokens adjusts a bucket, clamping it at zero.
func (m *MemoryStore) AddTokens(_ context.Context, bucket time.Time, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.buckets[bucket] + delta
	if next < 0 {
		next = 0
	}
	if next == 0 {
		delete(m.buckets, bucket)
		return nil
	}
	m.buckets[bucket] = next
	return nil
}

// WindowTotal sums every bucket at or after from.
func (m *MemoryStore) WindowTotal(_ context.Context, from time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for bucket, tokens := range m.buckets {
		if !bucket.Before(from) {
			total += tokens
		}
	}
	return total, nil
}

// OldestActiveBucket returns the earliest non-empty bucket inside the window.
func (m *MemoryStore) OldestActiveBucket(_ context.Context, from time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *time.Time
	for bucket, tokens := range m.buckets {
		if tokens <= 0 || bucket.Before(from) {
			continue
		}
		b := bucket
		if oldest == nil || b.Before(*oldest) {
			oldest = &b
		}
	}
	return oldest, nil
}
