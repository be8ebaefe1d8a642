package events

import "context"

// AckFunc acknowledges processing of a delivered event. A non-nil error marks
// the delivery as failed for transports that track it.
type AckFunc func(error)

// HandlerFunc processes a single delivered event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// NoopAck is an AckFunc for transports without delivery tracking.
func NoopAck(error) {}
