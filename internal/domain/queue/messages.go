package queue

import "github.com/ahrav/relayq/internal/domain/events"

// Event types exchanged between a queue and its peers.
const (
	// EventTypeFetch asks a queue for its pending snapshot.
	EventTypeFetch events.EventType = "queue.fetch"

	// EventTypeConsume delivers a batch of completions to a queue.
	EventTypeConsume events.EventType = "queue.consume"

	// EventTypeItems is the reply to EventTypeFetch.
	EventTypeItems events.EventType = "queue.items"
)

// itemsSuffix is appended to a queue name to form its broadcast event type.
const itemsSuffix = ".items"

// ItemsEventType returns the broadcast event type for a queue name.
func ItemsEventType(name string) events.EventType {
	return events.EventType(name + itemsSuffix)
}

// IsItemsBroadcast reports whether t is a per-queue broadcast type. The fetch
// reply type is not a broadcast even though it shares the suffix.
func IsItemsBroadcast(t events.EventType) bool {
	s := string(t)
	return t != EventTypeItems && len(s) > len(itemsSuffix) && s[len(s)-len(itemsSuffix):] == itemsSuffix
}

// FetchRequest is the payload of EventTypeFetch.
type FetchRequest struct {
	Name string `json:"name"`
}

// ItemsPayload is the payload of broadcasts, fetch replies and completions.
type ItemsPayload struct {
	Name  string     `json:"name"`
	Items []ItemData `json:"items"`
}
