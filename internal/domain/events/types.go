package events

import "maps"

// EventType names a message category on the bus, enabling type-safe routing.
type EventType string

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
// Headers are merged with any set by earlier options.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) {
		if p.Headers == nil {
			p.Headers = make(map[string]string, len(headers))
		}
		maps.Copy(p.Headers, headers)
	}
}

// WithReceiver addresses the event to peers in the given area. An empty area
// leaves the event unscoped.
func WithReceiver(area string) PublishOption {
	return func(p *PublishParams) {
		if area == "" {
			return
		}
		WithHeaders(map[string]string{HeaderReceiver: area})(p)
	}
}

// WithCorrelationID tags the event so a reply can be matched to its request.
func WithCorrelationID(id string) PublishOption {
	return func(p *PublishParams) {
		if id == "" {
			return
		}
		WithHeaders(map[string]string{HeaderCorrelationID: id})(p)
	}
}

// ApplyOptions folds opts into a copy of evt. Headers already on the envelope
// are kept unless an option overrides the same key.
func ApplyOptions(evt EventEnvelope, opts ...PublishOption) EventEnvelope {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}

	if p.Key != "" {
		evt.Key = p.Key
	}
	if len(p.Headers) > 0 {
		merged := make(map[string]string, len(evt.Headers)+len(p.Headers))
		maps.Copy(merged, evt.Headers)
		maps.Copy(merged, p.Headers)
		evt.Headers = merged
	}
	return evt
}
