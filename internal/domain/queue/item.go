// Package queue holds the domain model shared by both sides of a relay queue:
// the tracked Item, its wire shape, the messages exchanged over the bus and the
// factory capability used to build specialised items.
package queue

import (
	"github.com/google/uuid"
)

// Status is the lifecycle state of an Item.
type Status uint8

const (
	// StatusPending means no terminal transition has happened yet.
	StatusPending Status = iota
	// StatusResolved means a peer completed the item with success.
	StatusResolved
	// StatusRejected means a peer completed the item without success.
	StatusRejected
	// StatusCancelled means the item was terminated locally.
	StatusCancelled
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusResolved:
		return "RESOLVED"
	case StatusRejected:
		return "REJECTED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Item is one tracked unit of work. Its ID is assigned at construction and
// never changes. Result, Success and Cancelled are only meaningful once the
// item is terminal.
type Item struct {
	id        string
	task      any
	result    any
	success   bool
	cancelled bool
	terminal  bool
}

// NewItem creates a pending item for task with a fresh id.
func NewItem(task any) *Item {
	return &Item{id: uuid.New().String(), task: task}
}

// ReconstructItem rebuilds an item from its wire shape. A missing id gets a
// fresh one.
func ReconstructItem(data ItemData) *Item {
	id := data.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Item{
		id:        id,
		task:      data.Task,
		result:    data.Result,
		success:   data.Success,
		cancelled: data.Cancelled,
		terminal:  data.Success || data.Cancelled || data.Result != nil,
	}
}

// ID returns the item's identifier.
func (i *Item) ID() string { return i.id }

// Task returns the opaque payload supplied by the caller.
func (i *Item) Task() any { return i.task }

// Result returns the terminal result, if any.
func (i *Item) Result() any { return i.result }

// Success reports whether the item completed successfully.
func (i *Item) Success() bool { return i.success }

// Cancelled reports whether the item was terminated locally.
func (i *Item) Cancelled() bool { return i.cancelled }

// Status derives the lifecycle state from the item's fields.
func (i *Item) Status() Status {
	switch {
	case i.cancelled:
		return StatusCancelled
	case !i.terminal:
		return StatusPending
	case i.success:
		return StatusResolved
	default:
		return StatusRejected
	}
}

// Complete records a peer-supplied outcome.
func (i *Item) Complete(result any, success bool) {
	i.result = result
	i.success = success
	i.terminal = true
}

// Cancel records a local termination: no result, no success.
func (i *Item) Cancel() {
	i.result = nil
	i.success = false
	i.cancelled = true
	i.terminal = true
}

// Clone returns a copy that shares only the opaque task and result values.
func (i *Item) Clone() *Item {
	c := *i
	return &c
}

// ToData returns the wire shape of the item. Terminal fields are included only
// once the item is terminal.
func (i *Item) ToData() ItemData {
	d := ItemData{ID: i.id, Task: i.task}
	if i.terminal {
		d.Result = i.result
		d.Success = i.success
		d.Cancelled = i.cancelled
	}
	return d
}

// ItemData is the transport representation of an Item.
type ItemData struct {
	ID        string `json:"id"`
	Task      any    `json:"task,omitempty"`
	Result    any    `json:"result,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
