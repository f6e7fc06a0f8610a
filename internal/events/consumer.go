package events

import (
	"context"
	"fmt"
	"sync"
)

// Delivery is what a consumer receives. MessageID is stable across
// redeliveries; consumers must use it (or the idempotency key) to
// deduplicate, since redelivery after a crash between deliver and delete is
// possible.
type Delivery struct {
	MessageID      string
	OrgID          string
	EventType      string
	Payload        map[string]any
	IdempotencyKey string
	Attempt        int
}

// Handler processes one delivery. Returning an error schedules a retry.
type Handler func(ctx context.Context, d Delivery) error

// Registry maps event types to their consumers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	r.handlers[eventType] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(eventType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no consumer registered for event type %q", eventType)
	}
	return h, nil
}
