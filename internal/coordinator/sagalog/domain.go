// Package sagalog defines the audit trail of saga transitions.
//
// Completed sagas are deleted from the state store, so the log is the only
// durable record that they ever ran. Each row links one transition to the
// trace that produced it.
package sagalog

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

// Entry is a single row in the saga_logs table.
type Entry struct {
	CorrelationID uuid.UUID

	From sagastate.State
	To   sagastate.State

	// Step is the processing step the transition belongs to.
	Step string

	// Error is the failure reason on transitions into Failed.
	Error string

	// TraceID and SpanID identify the span that was active when the
	// transition was applied. Empty without an active span.
	TraceID string
	SpanID  string

	At time.Time
}
