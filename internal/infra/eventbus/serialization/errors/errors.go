package serializationerrors

import "fmt"

// ErrNilPayload indicates that a nil payload was provided for serialization.
type ErrNilPayload struct{ EventType string }

func (e ErrNilPayload) Error() string { return fmt.Sprintf("nil %s payload", e.EventType) }

// ErrUnexpectedPayload indicates that the payload type does not match the
// type registered for the event.
type ErrUnexpectedPayload struct {
	EventType string
	Got       any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("unexpected payload type %T for event %s", e.Got, e.EventType)
}

// ErrMalformedEnvelope indicates that the wire envelope is missing a field.
type ErrMalformedEnvelope struct{ Field string }

func (e ErrMalformedEnvelope) Error() string {
	return fmt.Sprintf("malformed envelope: missing %s", e.Field)
}
