package serialization

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/relayq/internal/domain/events"
	serializationerrors "github.com/ahrav/relayq/internal/infra/eventbus/serialization/errors"
)

const (
	fieldEventType = "event_type"
	fieldPayload   = "payload"
)

// SerializeEventEnvelope wraps a payload in the universal envelope: a protobuf
// Struct carrying the event type and the serialized payload.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	value, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}

	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEventType: structpb.NewStringValue(string(eventType)),
		fieldPayload:   value,
	}}

	data, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope parses the wire envelope and returns the event
// type with its still-encoded payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, *structpb.Value, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	typ := env.GetFields()[fieldEventType].GetStringValue()
	if typ == "" {
		return "", nil, serializationerrors.ErrMalformedEnvelope{Field: fieldEventType}
	}

	payload, ok := env.GetFields()[fieldPayload]
	if !ok {
		return "", nil, serializationerrors.ErrMalformedEnvelope{Field: fieldPayload}
	}

	return events.EventType(typ), payload, nil
}

// DeserializeEventEnvelope is UnmarshalUniversalEnvelope followed by
// DeserializePayload.
func DeserializeEventEnvelope(data []byte) (events.EventType, any, error) {
	eventType, value, err := UnmarshalUniversalEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	payload, err := DeserializePayload(eventType, value)
	if err != nil {
		return "", nil, fmt.Errorf("failed to deserialize payload for event %s: %w", eventType, err)
	}
	return eventType, payload, nil
}

// toValue maps a tagged Go struct onto a protobuf value through its JSON form.
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	out := new(structpb.Value)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	return out, nil
}

// fromValue is the inverse of toValue.
func fromValue(v *structpb.Value, out any) error {
	raw, err := protojson.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to convert payload: %w", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
