package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node dev use.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

type memoryCounter struct {
	windowStart time.Time
	count       int64
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memoryCounter)}
}

// Increment bumps the counter under a single lock, resetting it when the
// window has rolled over.
func (s *MemoryStore) Increment(ctx context.Context, key, operation string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := operation + ":" + key
	c, ok := s.counters[k]
	if !ok || !c.windowStart.Equal(windowStart) {
		c = &memoryCounter{windowStart: windowStart}
		s.counters[k] = c
	}
	c.count++
	return c.count, nil
}
