// Package serialization provides a registry-based system for serializing and deserializing
// event payloads in the event bus infrastructure. It acts as a translation layer between
// Go payload types and their protobuf wire representation.
//
// The package implements a registry pattern where serialization/deserialization functions
// are registered for each event type. This approach:
//   - Maintains a clean separation between payload types and their wire formats
//   - Centralizes all serialization logic in one place
//   - Enables easy addition of new event types without modifying existing code
//
// Per-queue broadcast types ("<name>.items") are not known ahead of time; they
// share the codec registered for the fetch reply.
package serialization

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
)

// SerializeFunc converts a payload into its protobuf value.
type SerializeFunc func(payload any) (*structpb.Value, error)

// DeserializeFunc converts a protobuf value back into a payload.
type DeserializeFunc func(v *structpb.Value) (any, error)

// Global registries map event types to their serialization functions.
// This allows for dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
// Registration is not synchronized and must happen during startup.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
// Registration is not synchronized and must happen during startup.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// resolveType maps dynamic broadcast types onto the registered items codec.
func resolveType(eventType events.EventType) events.EventType {
	if queue.IsItemsBroadcast(eventType) {
		return queue.EventTypeItems
	}
	return eventType
}

// SerializePayload converts a payload using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) (*structpb.Value, error) {
	fn, ok := serializerRegistry[resolveType(eventType)]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts a protobuf value using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, v *structpb.Value) (any, error) {
	fn, ok := deserializerRegistry[resolveType(eventType)]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(v)
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for every queue event type.
func RegisterEventSerializers() {
	RegisterSerializeFunc(queue.EventTypeFetch, serializeFetchRequest)
	RegisterDeserializeFunc(queue.EventTypeFetch, deserializeFetchRequest)

	RegisterSerializeFunc(queue.EventTypeConsume, serializeItemsPayload(queue.EventTypeConsume))
	RegisterDeserializeFunc(queue.EventTypeConsume, deserializeItemsPayload)

	RegisterSerializeFunc(queue.EventTypeItems, serializeItemsPayload(queue.EventTypeItems))
	RegisterDeserializeFunc(queue.EventTypeItems, deserializeItemsPayload)
}
