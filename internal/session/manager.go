package session

import (
	"strings"
	"sync"
)

// maxResetAttempts bounds the retry loop when a generator repeats itself.
const maxResetAttempts = 8

// Manager owns the current session identifier. The identifier is never empty
// and is only ever replaced wholesale.
type Manager struct {
	mu      sync.RWMutex
	current string
	gen     Generator
}

// NewManager starts with the bootstrap identifier.
func NewManager(bootstrap string, gen Generator) *Manager {
	if gen == nil {
		gen = TimeRandom{}
	}
	m := &Manager{gen: gen, current: strings.TrimSpace(bootstrap)}
	if m.current == "" {
		m.current = gen.NewID()
	}
	return m
}

// Current returns the active session identifier.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reset assigns and returns a freshly generated identifier that differs from
// the previous one.
func (m *Manager) Reset() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	next := ""
	for i := 0; i < maxResetAttempts; i++ {
		next = strings.TrimSpace(m.gen.NewID())
		if next != "" && next != prev {
			break
		}
	}
	// A stuck generator must still not hand back the old id.
	if next == "" || next == prev {
		next = TimeRandom{}.NewID()
	}
	m.current = next
	return next
}

// Replace adopts a server-assigned identifier. Empty values are ignored.
// It reports whether the identifier changed.
func (m *Manager) Replace(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.current {
		return false
	}
	m.current = id
	return true
}
