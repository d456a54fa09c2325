// Package keyedlock provides string-keyed mutual exclusion. The registry
// serializes per owner and the orchestrator per target without sharing one
// global lock.
package keyedlock

import "sync"

// Map hands out one mutex per key. Mutexes are created on first use and
// kept for the lifetime of the Map; key cardinality is bounded by the
// number of owners or targets, which is small enough not to reap.
type Map struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed.
func (m *Map) Lock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

// Unlock releases the mutex for key. It panics if the key was never locked,
// matching sync.Mutex semantics.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		panic("keyedlock: unlock of unknown key " + key)
	}
	lock.Unlock()
}
