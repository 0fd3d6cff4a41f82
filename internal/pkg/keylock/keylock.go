// Package keylock serializes work per resource key while letting different keys run in parallel.
package keylock

import (
	"errors"
	"sync"
)

var ErrHalted = errors.New("resource key is halted")

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once no goroutine holds or waits on them.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
	halted  map[string]string
}

func New() *Map {
	return &Map{
		entries: make(map[string]*entry),
		halted:  make(map[string]string),
	}
}

// Lock blocks until key is owned by the caller and returns the matching unlock func.
func (m *Map) Lock(key string) func() {
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

// Do runs fn while holding key. Halted keys are rejected before fn runs.
func (m *Map) Do(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()

	if m.IsHalted(key) {
		return ErrHalted
	}
	return fn()
}

// Halt stops all further work on key until Resume. Other keys are unaffected.
func (m *Map) Halt(key, reason string) {
	m.mu.Lock()
	m.halted[key] = reason
	m.mu.Unlock()
}

func (m *Map) Resume(key string) {
	m.mu.Lock()
	delete(m.halted, key)
	m.mu.Unlock()
}

func (m *Map) IsHalted(key string) bool {
	m.mu.Lock()
	_, ok := m.halted[key]
	m.mu.Unlock()
	return ok
}

// Halted returns a copy of halted keys and their reasons.
func (m *Map) Halted() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.halted))
	for k, v := range m.halted {
		out[k] = v
	}
	return out
}

func (m *Map) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
