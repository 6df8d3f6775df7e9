// Package memory provides an in-process implementation of
// sagastate.Repository, used by tests and by the memory store driver.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

var _ sagastate.Repository = (*Repository)(nil)

type Repository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*sagastate.Instance
}

func NewRepository() *Repository {
	return &Repository{rows: make(map[uuid.UUID]*sagastate.Instance)}
}

func (r *Repository) LoadOrCreate(ctx context.Context, id uuid.UUID) (*sagastate.Instance, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok {
		return row.Clone(), true, nil
	}
	row := sagastate.NewInstance(id)
	r.rows[id] = row
	return row.Clone(), false, nil
}

func (r *Repository) Save(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[inst.CorrelationID]
	if !ok {
		return sagastate.ErrNotFound
	}
	if row.Version != expectedVersion {
		return sagastate.ErrConflict
	}
	next := inst.Clone()
	next.Version = expectedVersion + 1
	r.rows[inst.CorrelationID] = next
	inst.Version = next.Version
	return nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[id]; !ok {
		return sagastate.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*sagastate.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, sagastate.ErrNotFound
	}
	return row.Clone(), nil
}

// Len returns the number of stored instances.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *Repository) Close() error { return nil }
