package events

import "time"

// Well-known header keys carried alongside an event.
const (
	// HeaderReceiver scopes an event to peers tagged with the given area.
	// An empty or missing receiver means every peer may act on the event.
	HeaderReceiver = "receiver"

	// HeaderCorrelationID ties a reply to the request that produced it.
	HeaderCorrelationID = "correlation_id"
)

// EventEnvelope encapsulates all event data flowing through the bus, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like an item ID that events can be partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on the
	// EventType.
	Payload any

	// Metadata is populated by transports that have a notion of position.
	Metadata EventMetadata
}

// EventMetadata describes where a delivered event came from.
type EventMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Header returns the header value for key, or "" when unset.
func (e EventEnvelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// Receiver returns the area this event is addressed to, if any.
func (e EventEnvelope) Receiver() string { return e.Header(HeaderReceiver) }

// CorrelationID returns the request/reply correlation id, if any.
func (e EventEnvelope) CorrelationID() string { return e.Header(HeaderCorrelationID) }
