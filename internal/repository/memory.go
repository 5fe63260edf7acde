package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu  sync.Mutex
	log map[string][]time.Time
}

// NewMemoryStore returns an in-memory Store for single-process deployments and tests.
func NewMemoryStore() Store {
	return &memoryStore{
		log: make(map[string][]time.Time),
	}
}

func (m *memoryStore) Admit(ctx context.Context, key string, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.log[key]
	// keep ordering even if a caller's clock stepped back
	i := sort.Search(len(arr), func(i int) bool { return arr[i].After(at) })
	arr = append(arr, time.Time{})
	copy(arr[i+1:], arr[i:])
	arr[i] = at

	// remove old
	cutoff := at.Add(-window)
	j := 0
	for ; j < len(arr); j++ {
		if arr[j].After(cutoff) {
			break
		}
	}
	m.log[key] = arr[j:]
	return nil
}

func (m *memoryStore) Admissions(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	var out []time.Time
	for _, t := range m.log[key] {
		if t.After(cutoff) && !t.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.log, key)
	return nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
