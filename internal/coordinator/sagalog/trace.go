package sagalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx. Both fields
// are empty when ctx carries no valid span.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an entry stamped with the trace info of ctx and the
// current time.
//
//	entry := sagalog.NewEntry(ctx, id, sagastate.StateProcessing, sagastate.StateFailed, "Validate_Message_Step", "invalid data")
//	_ = repo.Append(ctx, entry)
func NewEntry(ctx context.Context, id uuid.UUID, from, to sagastate.State, step, errMsg string) *Entry {
	ti := ExtractTraceInfo(ctx)
	return &Entry{
		CorrelationID: id,
		From:          from,
		To:            to,
		Step:          step,
		Error:         errMsg,
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		At:            time.Now().UTC(),
	}
}
