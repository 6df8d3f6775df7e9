package sagalog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Repository is the port for persisting log entries. The table is
// append-only.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

// Entries returns the entries of one saga in append order.
func (m *Memory) Entries(id uuid.UUID) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.CorrelationID == id {
			out = append(out, e)
		}
	}
	return out
}
