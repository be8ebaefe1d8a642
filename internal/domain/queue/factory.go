package queue

import "fmt"

// ItemFactory builds a concrete Item from its raw data. Implementations may
// decode the task into a specialised type or reject malformed input.
type ItemFactory interface {
	MakeItem(data ItemData) (*Item, error)
}

// ItemFactoryFunc adapts a function to the ItemFactory interface.
type ItemFactoryFunc func(data ItemData) (*Item, error)

// MakeItem calls f(data).
func (f ItemFactoryFunc) MakeItem(data ItemData) (*Item, error) { return f(data) }

// DefaultFactory builds base items, keeping the task as-is.
var DefaultFactory ItemFactory = ItemFactoryFunc(func(data ItemData) (*Item, error) {
	if data.ID == "" {
		return NewItem(data.Task), nil
	}
	return ReconstructItem(ItemData{ID: data.ID, Task: data.Task}), nil
})

// TaskKey is the marker a raw map must carry to be treated as item data rather
// than a bare task.
const TaskKey = "task"

// Normalize turns raw caller input into ItemData. Values that already carry a
// task marker keep their id and task; anything else becomes {task: raw}.
func Normalize(raw any) ItemData {
	switch v := raw.(type) {
	case ItemData:
		return v
	case *ItemData:
		if v == nil {
			return ItemData{}
		}
		return *v
	case map[string]any:
		task, ok := v[TaskKey]
		if !ok {
			return ItemData{Task: v}
		}
		id, _ := v["id"].(string)
		return ItemData{ID: id, Task: task}
	default:
		return ItemData{Task: raw}
	}
}

// TypedFactory returns a factory that requires tasks to be of type T, for
// queues that only carry one kind of work.
func TypedFactory[T any]() ItemFactory {
	return ItemFactoryFunc(func(data ItemData) (*Item, error) {
		if _, ok := data.Task.(T); !ok {
			var zero T
			return nil, fmt.Errorf("%w: task is %T, want %T", ErrInvalidItem, data.Task, zero)
		}
		return DefaultFactory.MakeItem(data)
	})
}
