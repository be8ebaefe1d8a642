package queue

import (
	"context"
	"sync"

	"github.com/ahrav/relayq/internal/domain/queue"
)

// Future is the caller's handle on a pushed item. It settles exactly once:
// resolved with the completed item, or rejected with a *queue.ItemError.
type Future struct {
	id string

	once sync.Once
	done chan struct{}
	item *queue.Item
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// settle records the outcome. Only the first call has any effect.
func (f *Future) settle(item *queue.Item, err error) bool {
	settled := false
	f.once.Do(func() {
		f.item = item
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// ID returns the id of the item this future tracks.
func (f *Future) ID() string { return f.id }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Item returns the settled item, or nil while pending.
func (f *Future) Item() *queue.Item {
	select {
	case <-f.done:
		return f.item
	default:
		return nil
	}
}

// Err returns the rejection reason, or nil while pending or when resolved.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future settles or ctx is done. Giving up on the wait
// does not remove the item from its queue.
func (f *Future) Wait(ctx context.Context) (*queue.Item, error) {
	select {
	case <-f.done:
		return f.item, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
