package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	expireAt time.Time
}

// Memory is an in-process Cache used when Redis is not configured.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	m.mu.Lock()
	entry, ok := m.items[key]
	m.mu.Unlock()
	if ok && m.now().Before(entry.expireAt) {
		return entry.value, nil
	}

	val, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.items[key] = memoryEntry{value: val, expireAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return val, nil
}

func (m *Memory) Invalidate(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return err
		}
		if matched {
			delete(m.items, key)
		}
	}
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
