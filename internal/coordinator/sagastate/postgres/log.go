package postgres

import (
	"context"
	"fmt"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagalog"
)

var _ sagalog.Repository = (*Repository)(nil)

// Append inserts one audit row.
func (r *Repository) Append(ctx context.Context, entry *sagalog.Entry) error {
	const q = `
		INSERT INTO saga_logs
			(correlationid, from_state, to_state, step, error, trace_id, span_id, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, q,
		entry.CorrelationID,
		int(entry.From),
		int(entry.To),
		entry.Step,
		entry.Error,
		entry.TraceID,
		entry.SpanID,
		entry.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append saga log for %s: %w", entry.CorrelationID, err)
	}
	return nil
}
