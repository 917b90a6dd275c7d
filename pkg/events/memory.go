package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/paycore/pkg/async"
)

// HandlerFunc handles one event
type HandlerFunc func(ctx context.Context, evt Event) error

// MemoryBus delivers events to in-process subscribers and keeps a copy of every event
// posted.
type MemoryBus struct {
	mu           sync.RWMutex
	handlers     map[string][]HandlerFunc
	posted       []Event
	async        bool
	asyncTimeout time.Duration
}

// MemoryBusOption configures a MemoryBus
type MemoryBusOption func(*MemoryBus)

// WithAsyncDelivery runs each handler in its own goroutine with a deadline
func WithAsyncDelivery(timeout time.Duration) MemoryBusOption {
	return func(b *MemoryBus) {
		b.async = true
		b.asyncTimeout = timeout
	}
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{handlers: make(map[string][]HandlerFunc)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType. An empty eventType receives every event.
func (b *MemoryBus) Subscribe(eventType string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Post implements Bus. Synchronous delivery returns the joined handler errors.
func (b *MemoryBus) Post(ctx context.Context, evt Event) error {
	b.mu.Lock()
	b.posted = append(b.posted, evt)
	handlers := make([]HandlerFunc, 0, len(b.handlers[evt.EventType()])+len(b.handlers[""]))
	handlers = append(handlers, b.handlers[evt.EventType()]...)
	handlers = append(handlers, b.handlers[""]...)
	b.mu.Unlock()

	if b.async {
		for _, h := range handlers {
			h := h
			async.SafeGo(context.WithoutCancel(ctx), b.asyncTimeout, "event "+evt.EventType(), func(ctx context.Context) error {
				return h(ctx, evt)
			})
		}
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Events returns every event posted so far
func (b *MemoryBus) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.posted))
	copy(out, b.posted)
	return out
}

func (b *MemoryBus) Close() error {
	return nil
}
