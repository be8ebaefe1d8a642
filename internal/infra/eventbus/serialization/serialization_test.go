package serialization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	serializationerrors "github.com/ahrav/relayq/internal/infra/eventbus/serialization/errors"
)

func TestEnvelope_ItemsPayload(t *testing.T) {
	payload := queue.ItemsPayload{
		Name: "scans",
		Items: []queue.ItemData{
			{ID: "a", Task: map[string]any{"repo": "relayq", "depth": float64(2)}},
			{ID: "b", Result: "done", Success: true},
		},
	}

	for _, et := range []events.EventType{queue.EventTypeItems, queue.EventTypeConsume, queue.ItemsEventType("scans")} {
		t.Run(string(et), func(t *testing.T) {
			data, err := SerializeEventEnvelope(et, payload)
			require.NoError(t, err)

			gotType, got, err := DeserializeEventEnvelope(data)
			require.NoError(t, err)
			assert.Equal(t, et, gotType)
			assert.Equal(t, payload, got)
		})
	}
}

func TestEnvelope_FetchRequest(t *testing.T) {
	data, err := SerializeEventEnvelope(queue.EventTypeFetch, &queue.FetchRequest{Name: "scans"})
	require.NoError(t, err)

	gotType, got, err := DeserializeEventEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, queue.EventTypeFetch, gotType)
	assert.Equal(t, queue.FetchRequest{Name: "scans"}, got)
}

func TestSerializePayload_Errors(t *testing.T) {
	_, err := SerializePayload(queue.EventTypeFetch, queue.ItemsPayload{})
	var unexpected serializationerrors.ErrUnexpectedPayload
	assert.True(t, errors.As(err, &unexpected))

	_, err = SerializePayload(queue.EventTypeConsume, (*queue.ItemsPayload)(nil))
	var nilPayload serializationerrors.ErrNilPayload
	assert.True(t, errors.As(err, &nilPayload))

	_, err = SerializePayload("scans.started", nil)
	assert.Error(t, err)
}

func TestUnmarshalUniversalEnvelope_Malformed(t *testing.T) {
	_, _, err := UnmarshalUniversalEnvelope([]byte("definitely not protobuf \xff\xff"))
	assert.Error(t, err)

	noPayload, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEventType: structpb.NewStringValue(string(queue.EventTypeFetch)),
	}})
	require.NoError(t, err)
	_, _, err = UnmarshalUniversalEnvelope(noPayload)
	var malformed serializationerrors.ErrMalformedEnvelope
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, fieldPayload, malformed.Field)

	noType, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPayload: structpb.NewNullValue(),
	}})
	require.NoError(t, err)
	_, _, err = UnmarshalUniversalEnvelope(noType)
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, fieldEventType, malformed.Field)
}

func TestDeserializeEventEnvelope_UnknownType(t *testing.T) {
	data, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEventType: structpb.NewStringValue("scans.started"),
		fieldPayload:   structpb.NewNullValue(),
	}})
	require.NoError(t, err)

	_, _, err = DeserializeEventEnvelope(data)
	assert.Error(t, err)
}
