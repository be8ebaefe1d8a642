package serialization

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	serializationerrors "github.com/ahrav/relayq/internal/infra/eventbus/serialization/errors"
)

func serializeFetchRequest(payload any) (*structpb.Value, error) {
	var req queue.FetchRequest
	switch p := payload.(type) {
	case queue.FetchRequest:
		req = p
	case *queue.FetchRequest:
		if p == nil {
			return nil, serializationerrors.ErrNilPayload{EventType: string(queue.EventTypeFetch)}
		}
		req = *p
	default:
		return nil, serializationerrors.ErrUnexpectedPayload{EventType: string(queue.EventTypeFetch), Got: payload}
	}
	return toValue(req)
}

func deserializeFetchRequest(v *structpb.Value) (any, error) {
	var req queue.FetchRequest
	if err := fromValue(v, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func serializeItemsPayload(eventType events.EventType) SerializeFunc {
	return func(payload any) (*structpb.Value, error) {
		var items queue.ItemsPayload
		switch p := payload.(type) {
		case queue.ItemsPayload:
			items = p
		case *queue.ItemsPayload:
			if p == nil {
				return nil, serializationerrors.ErrNilPayload{EventType: string(eventType)}
			}
			items = *p
		default:
			return nil, serializationerrors.ErrUnexpectedPayload{EventType: string(eventType), Got: payload}
		}
		return toValue(items)
	}
}

func deserializeItemsPayload(v *structpb.Value) (any, error) {
	var items queue.ItemsPayload
	if err := fromValue(v, &items); err != nil {
		return nil, err
	}
	return items, nil
}
