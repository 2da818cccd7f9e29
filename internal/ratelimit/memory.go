package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu         sync.Mutex
	remaining  int64
	nextRefill time.Time
}

// take consumes one token, refilling first when the window has closed.
func (b *bucket) take(now time.Time, p Policy) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !now.Before(b.nextRefill) {
		b.remaining = p.Capacity
		// advance by whole intervals so windows stay aligned to the first hit
		missed := now.Sub(b.nextRefill)/p.Interval + 1
		b.nextRefill = b.nextRefill.Add(missed * p.Interval)
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// MemoryStore keeps buckets in process memory. Each policy gets its own
// partition and each key its own lock, so unrelated keys never contend.
type MemoryStore struct {
	partitions sync.Map // policy name -> *sync.Map of key -> *bucket
	now        func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Acquire(_ context.Context, key string, p Policy) (bool, error) {
	if err := p.validate(); err != nil {
		return false, err
	}

	now := m.now()
	partition, _ := m.partitions.LoadOrStore(p.Name, &sync.Map{})
	// a fresh bucket has nextRefill == now so the first take fills it
	b, _ := partition.(*sync.Map).LoadOrStore(key, &bucket{nextRefill: now})
	return b.(*bucket).take(now, p), nil
}
