// Package keylock provides a map of per-key mutexes so that work on one key is
// serialized while work on different keys runs concurrently.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are reference counted and dropped
// once no goroutine holds or waits on them, so the map stays bounded by the
// number of keys in use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the caller holds key. The returned func releases it and
// must be called exactly once.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--

			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// With runs fn while holding key.
func (m *Map) With(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()

	return fn()
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
