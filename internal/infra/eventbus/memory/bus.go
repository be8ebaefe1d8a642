// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for tests, local
// development and single-process deployments where producer and consumer share
// an address space.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/infra/messaging/registry"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("memory bus closed")

var _ events.EventBus = (*Bus)(nil)

// Bus delivers events synchronously to every handler subscribed to the event's
// type. Handlers run on the publisher's goroutine in registration order; all
// of them run even if some fail, and their errors are joined.
type Bus struct {
	registry *registry.HandlerRegistry

	mu     sync.RWMutex
	closed bool
	subs   map[*subscription]struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewBus creates an empty in-memory bus.
func NewBus(logger *logger.Logger, tracer trace.Tracer) *Bus {
	return &Bus{
		registry: registry.NewHandlerRegistry(logger, tracer),
		subs:     make(map[*subscription]struct{}),
		logger:   logger.With("component", "memory_event_bus"),
		tracer:   tracer,
	}
}

// Publish implements events.EventBus.
func (b *Bus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	ctx, span := b.tracer.Start(ctx, "memory_event_bus.publish",
		trace.WithAttributes(attribute.String("event.type", string(event.Type))),
	)
	defer span.End()

	event = events.ApplyOptions(event, opts...)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	handlers, ok := b.registry.GetHandlers(ctx, event.Type)
	if !ok {
		b.logger.Debug(ctx, "No subscribers for event", "event_type", event.Type)
		return nil
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event, events.NoopAck); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return err
	}
	return nil
}

// Subscribe implements events.EventBus. The subscription is also removed when
// ctx is done.
func (b *Bus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) (events.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return nil, errors.New("at least one event type is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &subscription{
		bus:  b,
		id:   b.registry.RegisterHandler(ctx, handler, eventTypes...),
		done: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	b.logger.Debug(ctx, "Subscribed to events", "event_types", eventTypes)
	return sub, nil
}

// Close implements events.EventBus. It removes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type subscription struct {
	bus  *Bus
	id   registry.HandlerID
	once sync.Once
	done chan struct{}
}

// Close implements events.Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.registry.UnregisterHandler(context.Background(), s.id)

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		close(s.done)
	})
	return nil
}
