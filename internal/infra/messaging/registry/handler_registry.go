// Package registry provides components for managing event handlers
// in an event-driven architecture. It enables registration, lookup and
// removal of handlers for different event types, facilitating the routing
// of events to their appropriate handlers.
package registry

import (
	"context"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// HandlerID identifies a registration so it can be removed later.
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler events.HandlerFunc
}

// HandlerRegistry provides thread-safe registration and retrieval
// of event handlers. It maps event types to their handler functions,
// allowing a bus to route events to the appropriate handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[events.EventType][]registration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHandlerRegistry creates a new HandlerRegistry with the given logger and tracer.
func NewHandlerRegistry(logger *logger.Logger, tracer trace.Tracer) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[events.EventType][]registration),
		logger:   logger.With("component", "handler_registry"),
		tracer:   tracer,
	}
}

// RegisterHandler adds a handler function for the specified event types and
// returns an id that removes every one of those registrations.
// Multiple handlers can be registered for the same event type.
func (r *HandlerRegistry) RegisterHandler(
	ctx context.Context,
	handler events.HandlerFunc,
	eventTypes ...events.EventType,
) HandlerID {
	ctx, span := r.tracer.Start(ctx, "registry.register_handler")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	for _, et := range eventTypes {
		r.handlers[et] = append(r.handlers[et], registration{id: id, handler: handler})
	}

	span.SetAttributes(attribute.Int("handler.event_type_count", len(eventTypes)))
	span.SetStatus(codes.Ok, "handler registered")
	r.logger.Debug(ctx, "Handler registered", "handler_id", uint64(id), "event_types", eventTypes)

	return id
}

// UnregisterHandler removes every registration created under id. It reports
// whether anything was removed.
func (r *HandlerRegistry) UnregisterHandler(ctx context.Context, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for et, regs := range r.handlers {
		kept := slices.DeleteFunc(regs, func(reg registration) bool { return reg.id == id })
		if len(kept) != len(regs) {
			removed = true
		}
		if len(kept) == 0 {
			delete(r.handlers, et)
			continue
		}
		r.handlers[et] = kept
	}

	if removed {
		r.logger.Debug(ctx, "Handler unregistered", "handler_id", uint64(id))
	}
	return removed
}

// GetHandlers retrieves all handler functions for a specific event type.
// The returned slice is a copy, so callers may invoke handlers without
// holding the registry lock. The boolean reports whether any were found.
func (r *HandlerRegistry) GetHandlers(ctx context.Context, eventType events.EventType) ([]events.HandlerFunc, bool) {
	_, span := r.tracer.Start(ctx, "registry.get_handlers")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	regs, exists := r.handlers[eventType]
	if !exists || len(regs) == 0 {
		span.SetStatus(codes.Error, "no handlers found")
		return nil, false
	}

	handlers := make([]events.HandlerFunc, len(regs))
	for i, reg := range regs {
		handlers[i] = reg.handler
	}

	span.SetStatus(codes.Ok, "handlers found")
	return handlers, true
}
