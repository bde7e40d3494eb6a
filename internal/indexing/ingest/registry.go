package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// HandlerInput is what a domain handler receives for one event.
type HandlerInput struct {
	Stream domain.StreamKey
	Event  domain.EventEnvelope
}

// Handler applies the business effect of one event type. Handlers see every
// event at least once and must be idempotent.
type Handler func(ctx context.Context, in HandlerInput) error

// Registry maps event types to handlers. Build it once at startup and pass
// it to NewWriter; registering again for a type replaces the earlier handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "ingest.registry"),
	}
}

// Register binds h to eventType. The last registration wins.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventType]; ok {
		r.logger.Warn("Replacing event handler", "event_type", eventType)
	}
	r.handlers[eventType] = h
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes returns the registered event types.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
