package sqlite

import (
	"context"
	"fmt"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagalog"
)

var _ sagalog.Repository = (*Repository)(nil)

// timeLayout keeps created_at sortable as TEXT.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Append inserts one audit row. It is safe to call concurrently.
func (r *Repository) Append(ctx context.Context, entry *sagalog.Entry) error {
	const q = `
		INSERT INTO saga_logs
			(correlationid, from_state, to_state, step, error, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.CorrelationID.String(),
		int(entry.From),
		int(entry.To),
		entry.Step,
		entry.Error,
		entry.TraceID,
		entry.SpanID,
		entry.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append saga log for %s: %w", entry.CorrelationID, err)
	}
	return nil
}
