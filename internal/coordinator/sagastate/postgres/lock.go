package postgres

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes transitions on one saga with a session-level
// pg_advisory_lock. The lock lives on a connection checked out of the pool
// for the duration of the transition, so it is released even if the process
// dies and the session ends.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until the advisory lock for key is held.
// key must be a correlation id in its canonical string form.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock key %q: %w", key, err)
	}
	lockID := advisoryKey(id)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: lock saga %s: %w", id, err)
	}

	return func() {
		// Unlock with a fresh context so a cancelled transition still frees the key.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
			// The session may hold the lock; drop it so Postgres ends the session.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

// advisoryKey folds the 128-bit correlation id into the bigint key space.
func advisoryKey(id uuid.UUID) int64 {
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])
	return int64(hi ^ lo)
}
