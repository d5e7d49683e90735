// Package safemap provides a generic map guarded by a read-write mutex. It
// backs registries that are read far more often than they change and that
// need a consistent point-in-time copy for iteration.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Load, Store and Len are O(1);
// Snapshot and Range copy the entries first and are O(n).
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// NewSafeMap returns an empty SafeMap ready for use.
//
// Returns:
//   - A pointer to a new SafeMap[K, V]
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m == nil {
		m.m = make(map[K]V)
	}
	m.m[k] = v
}

// Load returns the value for key k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.m[k]
	return v, ok
}

// LoadAndDelete removes key k and returns the value it held. Exactly one of
// several concurrent callers for the same key observes true.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if this call removed the key
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.m[k]
	if ok {
		delete(m.m, k)
	}
	return v, ok
}

// Delete removes key k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, k)
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Snapshot returns a copy of the values at the time of the call, in no
// particular order. Later changes to the map do not affect the slice.
//
// Returns:
//   - A new slice holding every value
func (m *SafeMap[K, V]) Snapshot() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]V, 0, len(m.m))
	for _, v := range m.m {
		out = append(out, v)
	}
	return out
}

// Range calls f for each entry of a snapshot of the map. If f returns false,
// Range stops. f may modify the map; such changes are not seen by the
// ongoing iteration.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.mu.RLock()
	keys := make([]K, 0, len(m.m))
	values := make([]V, 0, len(m.m))
	for k, v := range m.m {
		keys = append(keys, k)
		values = append(values, v)
	}
	m.mu.RUnlock()

	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}

// Clear removes every entry and returns the values that were removed.
//
// Returns:
//   - The values held before the call
func (m *SafeMap[K, V]) Clear() []V {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]V, 0, len(m.m))
	for _, v := range m.m {
		out = append(out, v)
	}
	m.m = make(map[K]V)
	return out
}
