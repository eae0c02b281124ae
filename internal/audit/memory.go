package audit

import (
	"context"
	"sync"
)

// Memory keeps entries in process. Used by the mem backend and tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
