package worker

import (
	"context"

	"github.com/ahrav/relayq/internal/domain/queue"
)

// Processor performs the work an item describes. A returned error completes
// the item without success and its text becomes the result.
type Processor interface {
	Process(ctx context.Context, item queue.ItemData) (any, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item queue.ItemData) (any, error)

// Process calls f(ctx, item).
func (f ProcessorFunc) Process(ctx context.Context, item queue.ItemData) (any, error) {
	return f(ctx, item)
}

// EchoProcessor completes every item successfully with its own task.
var EchoProcessor Processor = ProcessorFunc(func(_ context.Context, item queue.ItemData) (any, error) {
	return item.Task, nil
})
