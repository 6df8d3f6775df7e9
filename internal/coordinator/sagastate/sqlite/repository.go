// Package sqlite provides a SQLite-backed implementation of
// sagastate.Repository.
//
// WAL mode is enabled on Open so status readers (the HTTP admin surface) never
// block the listener's writers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"

	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// schema mirrors the message_states table used by the Postgres adapter and
// adds the saga_logs audit table.
// SQLite has no uuid type, the correlation id is stored in its 36-char form.
const schema = `
CREATE TABLE IF NOT EXISTS message_states (
    correlationid   TEXT    PRIMARY KEY,
    currentstate    INTEGER NOT NULL,
    data            TEXT    NULL,
    error           TEXT    NULL,
    version         INTEGER NOT NULL DEFAULT 0
);

-- Append-only trail of applied transitions, kept after completion.
CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    correlationid   TEXT    NOT NULL,
    from_state      INTEGER NOT NULL,
    to_state        INTEGER NOT NULL,
    step            TEXT    NOT NULL DEFAULT '',
    error           TEXT    NOT NULL DEFAULT '',
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_correlationid ON saga_logs(correlationid, id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

var _ sagastate.Repository = (*Repository)(nil)

// Repository is the SQLite implementation of sagastate.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/sagas.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// A single connection serializes writers, which keeps INSERT OR IGNORE
	// followed by SELECT free of SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) LoadOrCreate(ctx context.Context, id uuid.UUID) (*sagastate.Instance, bool, error) {
	const insert = `
		INSERT INTO message_states (correlationid, currentstate, data, error, version)
		VALUES (?, ?, NULL, NULL, 0)
		ON CONFLICT (correlationid) DO NOTHING`

	res, err := r.db.ExecContext(ctx, insert, id.String(), int(sagastate.StateInitial))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: insert saga %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: insert saga %s: %w", id, err)
	}

	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return inst, n == 0, nil
}

func (r *Repository) Save(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	const q = `
		UPDATE message_states
		SET    currentstate = ?, data = ?, error = ?, version = version + 1
		WHERE  correlationid = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, q,
		int(inst.State),
		nullable(inst.Data),
		nullable(inst.Error),
		inst.CorrelationID.String(),
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga %s: %w", inst.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: save saga %s: %w", inst.CorrelationID, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, inst.CorrelationID); err != nil {
			return err
		}
		return sagastate.ErrConflict
	}

	inst.Version = expectedVersion + 1
	return nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM message_states WHERE correlationid = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete saga %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete saga %s: %w", id, err)
	}
	if n == 0 {
		return sagastate.ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*sagastate.Instance, error) {
	const q = `
		SELECT currentstate, data, error, version
		FROM   message_states
		WHERE  correlationid = ?`

	var (
		state int
		data  sql.NullString
		msg   sql.NullString
		inst  = sagastate.Instance{CorrelationID: id}
	)
	err := r.db.QueryRowContext(ctx, q, id.String()).Scan(&state, &data, &msg, &inst.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sagastate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get saga %s: %w", id, err)
	}

	inst.State = sagastate.State(state)
	inst.Data = fromNull(data)
	inst.Error = fromNull(msg)
	return &inst, nil
}

// applySchema runs the DDL once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullable keeps the distinction between an absent and an empty payload.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
