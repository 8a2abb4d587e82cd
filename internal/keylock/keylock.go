// Package keylock serializes work per key, for example per session token.
package keylock

import "sync"

type lock struct {
	sync.Mutex
	refs int
}

// Map hands out one mutex per key and forgets it once nobody holds or waits
// for it.
type Map struct {
	mu    sync.Mutex
	locks map[string]*lock
}

func New() *Map {
	return &Map{locks: make(map[string]*lock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &lock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
