package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItem(t *testing.T) {
	a := NewItem("task")
	b := NewItem("task")

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "task", a.Task())
	assert.Equal(t, StatusPending, a.Status())
	assert.Equal(t, ItemData{ID: a.ID(), Task: "task"}, a.ToData())
}

func TestItem_StatusTransitions(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Item)
		want  Status
		data  func(id string) ItemData
	}{
		{
			name:  "resolved",
			apply: func(i *Item) { i.Complete("ok", true) },
			want:  StatusResolved,
			data:  func(id string) ItemData { return ItemData{ID: id, Task: "t", Result: "ok", Success: true} },
		},
		{
			name:  "rejected",
			apply: func(i *Item) { i.Complete("boom", false) },
			want:  StatusRejected,
			data:  func(id string) ItemData { return ItemData{ID: id, Task: "t", Result: "boom"} },
		},
		{
			name:  "cancelled",
			apply: func(i *Item) { i.Cancel() },
			want:  StatusCancelled,
			data:  func(id string) ItemData { return ItemData{ID: id, Task: "t", Cancelled: true} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewItem("t")
			tt.apply(item)
			assert.Equal(t, tt.want, item.Status())
			assert.Equal(t, tt.data(item.ID()), item.ToData())
		})
	}
}

func TestItem_CancelClearsResult(t *testing.T) {
	item := NewItem("t")
	item.Complete("partial", true)
	item.Cancel()

	assert.Nil(t, item.Result())
	assert.False(t, item.Success())
	assert.True(t, item.Cancelled())
}

func TestReconstructItem(t *testing.T) {
	item := ReconstructItem(ItemData{ID: "abc", Task: "t", Result: "r", Success: true})
	assert.Equal(t, "abc", item.ID())
	assert.Equal(t, StatusResolved, item.Status())

	fresh := ReconstructItem(ItemData{Task: "t"})
	assert.NotEmpty(t, fresh.ID())
	assert.Equal(t, StatusPending, fresh.Status())
}

func TestItem_CloneIsIndependent(t *testing.T) {
	item := NewItem("t")
	clone := item.Clone()
	clone.Complete("r", true)

	assert.Equal(t, item.ID(), clone.ID())
	assert.Equal(t, StatusPending, item.Status())
	assert.Equal(t, StatusResolved, clone.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "PENDING", StatusPending.String())
	assert.Equal(t, "RESOLVED", StatusResolved.String())
	assert.Equal(t, "REJECTED", StatusRejected.String())
	assert.Equal(t, "CANCELLED", StatusCancelled.String())
	assert.Equal(t, "UNKNOWN", Status(42).String())
}

func TestItemError(t *testing.T) {
	item := ReconstructItem(ItemData{ID: "abc"})
	err := &ItemError{Item: item, Err: ErrCancelled}

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "item abc: item cancelled", err.Error())
}

func TestItemsEventType(t *testing.T) {
	assert.Equal(t, "scans.items", string(ItemsEventType("scans")))

	assert.True(t, IsItemsBroadcast(ItemsEventType("scans")))
	assert.False(t, IsItemsBroadcast(EventTypeItems))
	assert.False(t, IsItemsBroadcast(EventTypeFetch))
	assert.False(t, IsItemsBroadcast(".items"))
}

func TestItem_ToDataOmitsTerminalFieldsWhilePending(t *testing.T) {
	item := ReconstructItem(ItemData{ID: "x", Task: 1})
	require.Equal(t, StatusPending, item.Status())
	assert.Equal(t, ItemData{ID: "x", Task: 1}, item.ToData())
}
