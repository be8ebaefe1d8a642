// Package events provides the messaging port used to communicate across process
// boundaries: typed envelopes, publish options and the EventBus contract that
// concrete transports implement.
package events

import "context"

// EventBus enables publishing and subscribing to events across system
// boundaries. It abstracts messaging infrastructure details (like Kafka or an
// in-process broker) to keep queue logic focused on matching and settling
// rather than transport mechanisms.
type EventBus interface {
	// Publish broadcasts an event to all interested subscribers. Optional
	// PublishOptions configure routing and headers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for the given event types. The returned
	// Subscription must be closed to stop delivery.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) (Subscription, error)

	// Close shuts down the bus and releases associated resources.
	Close() error
}

// Subscription is a disposable handle for a registered handler.
type Subscription interface {
	// Close stops delivery to the handler. It is safe to call more than once.
	Close() error
}
