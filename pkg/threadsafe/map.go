package threadsafe

import (
	"cmp"
	"slices"
	"sync"
)

// Map is a thread-safe map implementation.
type Map[K cmp.Ordered, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

// NewMap creates a new thread-safe map.
func NewMap[K cmp.Ordered, V any]() *Map[K, V] {
	return &Map[K, V]{
		m: make(map[K]V),
	}
}

// Set adds or updates a key-value pair in the map.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m[key] = value
}

// SetIfAbsent stores value under key unless the key is already present.
// It reports whether the value was stored.
func (m *Map[K, V]) SetIfAbsent(key K, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.m[key]; exists {
		return false
	}

	m.m[key] = value
	return true
}

// Get retrieves a value by key from the map.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.m[key]
	return val, ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.m)
}

// Keys returns the keys in ascending order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Range iterates over all key-value pairs in the map.
// The iteration stops if the provided function returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, v := range m.m {
		if !fn(k, v) {
			break
		}
	}
}
