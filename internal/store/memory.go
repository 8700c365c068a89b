package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is a non-persistent Namespaced store.
// It backs tests and runs where no database path is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]memoryEntry
	fail atomic.Bool
}

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]memoryEntry)}
}

// Fail makes every subsequent operation return ErrUnavailable while on is true.
func (m *MemoryStore) Fail(on bool) {
	m.fail.Store(on)
}

// Namespace returns a Store scoped to ns.
func (m *MemoryStore) Namespace(ns string) Store {
	return &memoryNamespace{m: m, ns: ns}
}

// DeleteNamespace removes every key of ns.
func (m *MemoryStore) DeleteNamespace(_ context.Context, ns string) (int64, error) {
	if m.fail.Load() {
		return 0, ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.data[ns]))
	delete(m.data, ns)
	return n, nil
}

// IdleNamespaces lists namespaces whose newest key is older than ttl.
func (m *MemoryStore) IdleNamespaces(_ context.Context, ttl time.Duration) ([]string, error) {
	if m.fail.Load() {
		return nil, ErrUnavailable
	}
	threshold := time.Now().Add(-ttl)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []string
	for ns, entries := range m.data {
		newest := time.Time{}
		for _, e := range entries {
			if e.updatedAt.After(newest) {
				newest = e.updatedAt
			}
		}
		if newest.Before(threshold) {
			idle = append(idle, ns)
		}
	}
	return idle, nil
}

// Ping reports ErrUnavailable while the store is failing.
func (m *MemoryStore) Ping(_ context.Context) error {
	if m.fail.Load() {
		return ErrUnavailable
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

type memoryNamespace struct {
	m  *MemoryStore
	ns string
}

func (n *memoryNamespace) Get(_ context.Context, key string) (string, bool, error) {
	if n.m.fail.Load() {
		return "", false, ErrUnavailable
	}
	n.m.mu.RLock()
	defer n.m.mu.RUnlock()
	e, ok := n.m.data[n.ns][key]
	return e.value, ok, nil
}

func (n *memoryNamespace) Set(_ context.Context, key, value string) error {
	if n.m.fail.Load() {
		return ErrUnavailable
	}
	n.m.mu.Lock()
	defer n.m.mu.Unlock()
	n.setLocked(key, value)
	return nil
}

func (n *memoryNamespace) SetIfAbsent(_ context.Context, key, value string) (string, error) {
	if n.m.fail.Load() {
		return "", ErrUnavailable
	}
	n.m.mu.Lock()
	defer n.m.mu.Unlock()
	if e, ok := n.m.data[n.ns][key]; ok {
		return e.value, nil
	}
	n.setLocked(key, value)
	return value, nil
}

func (n *memoryNamespace) Remove(_ context.Context, key string) error {
	if n.m.fail.Load() {
		return ErrUnavailable
	}
	n.m.mu.Lock()
	defer n.m.mu.Unlock()
	delete(n.m.data[n.ns], key)
	return nil
}

func (n *memoryNamespace) setLocked(key, value string) {
	entries, ok := n.m.data[n.ns]
	if !ok {
		entries = make(map[string]memoryEntry)
		n.m.data[n.ns] = entries
	}
	entries[key] = memoryEntry{value: value, updatedAt: time.Now()}
}
