package opstate

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time
}

// MemStore is an in-process [KV]. It backs tests and single-shot
// invocations where nothing needs to survive the process.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]map[string]memEntry
	now     func() time.Time
}

var _ KV = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: map[string]map[string]memEntry{}, now: time.Now}
}

func (m *MemStore) live(e memEntry) bool {
	return e.expires.IsZero() || m.now().Before(e.expires)
}

// Get implements [KV].
func (m *MemStore) Get(_ context.Context, namespace, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[namespace][key]
	if !ok {
		return "", nil
	}
	if !m.live(e) {
		delete(m.entries[namespace], key)
		return "", nil
	}
	return e.value, nil
}

// Set implements [KV].
func (m *MemStore) Set(_ context.Context, namespace, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.entries[namespace]
	if !ok {
		ns = map[string]memEntry{}
		m.entries[namespace] = ns
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	ns[key] = e
	return nil
}

// Delete implements [KV].
func (m *MemStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[namespace], key)
	return nil
}

// List implements [KV].
func (m *MemStore) List(_ context.Context, namespace string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, e := range m.entries[namespace] {
		if m.live(e) {
			result[k] = e.value
		}
	}
	return result, nil
}
