// Package postgres provides a Postgres-backed implementation of
// sagastate.Repository and a database-native per-saga lock.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_states (
    correlationid uuid    PRIMARY KEY,
    currentstate  integer NOT NULL,
    data          text    NULL,
    error         text    NULL,
    version       int     NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS saga_logs (
    id            bigserial   PRIMARY KEY,
    correlationid uuid        NOT NULL,
    from_state    integer     NOT NULL,
    to_state      integer     NOT NULL,
    step          text        NOT NULL DEFAULT '',
    error         text        NOT NULL DEFAULT '',
    trace_id      text        NOT NULL DEFAULT '',
    span_id       text        NOT NULL DEFAULT '',
    created_at    timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_correlationid ON saga_logs (correlationid, id);`

var _ sagastate.Repository = (*Repository)(nil)

// Repository is the Postgres implementation of sagastate.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and makes sure the message_states and saga_logs
// tables exist.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Pool exposes the connection pool so the advisory locker can share it.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repository) LoadOrCreate(ctx context.Context, id uuid.UUID) (*sagastate.Instance, bool, error) {
	const insert = `
		INSERT INTO message_states (correlationid, currentstate, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (correlationid) DO NOTHING`

	tag, err := r.pool.Exec(ctx, insert, id, int(sagastate.StateInitial))
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert saga %s: %w", id, err)
	}

	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return inst, tag.RowsAffected() == 0, nil
}

func (r *Repository) Save(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	const q = `
		UPDATE message_states
		SET    currentstate = $1, data = $2, error = $3, version = version + 1
		WHERE  correlationid = $4 AND version = $5`

	tag, err := r.pool.Exec(ctx, q, int(inst.State), inst.Data, inst.Error, inst.CorrelationID, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: save saga %s: %w", inst.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, inst.CorrelationID); err != nil {
			return err
		}
		return sagastate.ErrConflict
	}
	inst.Version = expectedVersion + 1
	return nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM message_states WHERE correlationid = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete saga %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sagastate.ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*sagastate.Instance, error) {
	const q = `
		SELECT currentstate, data, error, version
		FROM   message_states
		WHERE  correlationid = $1`

	var (
		state int
		inst  = sagastate.Instance{CorrelationID: id}
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(&state, &inst.Data, &inst.Error, &inst.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sagastate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get saga %s: %w", id, err)
	}
	inst.State = sagastate.State(state)
	return &inst, nil
}
