package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/jcmexdev/message-sagas/internal/coordinator"
)

// producer is the subset of broker.Producer the listener needs.
type producer interface {
	Produce(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// EventPublisher sends terminal saga events to the outbound topic as JSON,
// keyed by correlation id.
type EventPublisher struct {
	p producer
}

func NewEventPublisher(p producer) *EventPublisher {
	return &EventPublisher{p: p}
}

func (e *EventPublisher) Publish(ctx context.Context, ev coordinator.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("listener: encode event: %w", err)
	}
	return e.p.Produce(ctx, []byte(ev.CorrelationID.String()), body)
}
