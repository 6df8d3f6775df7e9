package sagastate

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrConflict is returned by Save when the stored version differs from
	// the expected one. Nothing is written.
	ErrConflict = errors.New("sagastate: version conflict")

	// ErrNotFound is returned when no instance exists for a correlation id.
	ErrNotFound = errors.New("sagastate: instance not found")
)

// Repository is the port for persisting saga instances.
// The coordinator depends on this abstraction, not on a concrete database,
// so the in-memory, SQLite and Postgres adapters are interchangeable.
//
// Every method is atomic on its own. Serializing read-modify-write sequences
// for one correlation id is the job of the Locker held by the caller.
type Repository interface {
	// LoadOrCreate returns the stored instance, or inserts a new Initial
	// instance with version 0. Exactly one of several concurrent callers for
	// the same id observes existed == false.
	LoadOrCreate(ctx context.Context, id uuid.UUID) (inst *Instance, existed bool, err error)

	// Save persists the full state of inst if the stored version equals
	// expectedVersion, and bumps inst.Version on success.
	Save(ctx context.Context, inst *Instance, expectedVersion int) error

	// Delete removes the instance. Used on successful finalization.
	Delete(ctx context.Context, id uuid.UUID) error

	// Get returns the stored instance without creating it.
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)

	Close() error
}
