package kv

import (
	"context"
	"sync"
)

// MemoryTier is an in-memory Tier used in tests and as a scratch tier.
type MemoryTier struct {
	name string

	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryTier creates an empty in-memory tier with the given name.
func NewMemoryTier(name string) *MemoryTier {
	if name == "" {
		name = "memory"
	}
	return &MemoryTier{
		name:    name,
		entries: make(map[string][]byte),
	}
}

func (m *MemoryTier) Name() string { return m.name }

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = stored
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len reports the number of stored entries. Intended for tests.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
