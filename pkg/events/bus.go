package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/observability"
)

// Event is a notification that can be posted on a Bus
type Event interface {
	// EventType names the event, e.g. "payment.info".
	EventType() string
	// EventKey is the ordering key. Events with the same key are delivered in order
	// by transports that support it.
	EventKey() string
}

// Bus posts events
type Bus interface {
	Post(ctx context.Context, evt Event) error
	Close() error
}

// Envelope is the wire format shared by all transports
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps evt for transport
func NewEnvelope(evt Event) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", evt.EventType(), err)
	}

	return &Envelope{
		ID:         uuid.New(),
		Type:       evt.EventType(),
		Key:        evt.EventKey(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

// InstrumentedBus counts posts on another Bus
type InstrumentedBus struct {
	next    Bus
	metrics *observability.Metrics
}

// NewInstrumentedBus wraps next with publish metrics
func NewInstrumentedBus(next Bus, metrics *observability.Metrics) *InstrumentedBus {
	return &InstrumentedBus{next: next, metrics: metrics}
}

func (b *InstrumentedBus) Post(ctx context.Context, evt Event) error {
	err := b.next.Post(ctx, evt)
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.metrics.EventsPublishedTotal.WithLabelValues(evt.EventType(), result).Inc()
	return err
}

func (b *InstrumentedBus) Close() error {
	return b.next.Close()
}
