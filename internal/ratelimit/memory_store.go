package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one timestamp log per key in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]time.Time)}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, now time.Time, limit int, window time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	log := s.logs[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	if len(log) < limit {
		s.logs[key] = append(log, now)
		return 0, nil
	}
	s.logs[key] = log
	return log[0].Add(window).Sub(now), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key)
	return nil
}
