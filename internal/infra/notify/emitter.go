// Package notify provides a minimal multicast emitter for observing values as
// they are produced. Delivery is best effort: there is no filtering, no
// acknowledgement and no backpressure. A slow subscriber loses values rather
// than slowing the emitter down.
package notify

import "sync"

// DefaultBufferSize is the per-subscriber channel capacity used when none is given.
const DefaultBufferSize = 64

// Emitter fans values out to every current subscriber.
type Emitter[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size. A size of
// zero or less uses DefaultBufferSize. Subscribing to a closed emitter returns
// a subscription whose channel is already closed.
func (e *Emitter[T]) Subscribe(bufSize int) *Subscription[T] {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	sub := &Subscription[T]{ch: make(chan T, bufSize), emitter: e}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		sub.close()
		return sub
	}
	e.subs[sub] = struct{}{}
	return sub
}

// Emit delivers v to every subscriber whose buffer has room.
// It reports how many subscribers received the value.
func (e *Emitter[T]) Emit(v T) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return 0
	}

	delivered := 0
	for sub := range e.subs {
		if sub.send(v) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close closes every subscription. Later Emit calls are dropped.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for sub := range e.subs {
		sub.close()
		delete(e.subs, sub)
	}
}

func (e *Emitter[T]) remove(sub *Subscription[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, sub)
}

// Subscription receives values from an Emitter.
type Subscription[T any] struct {
	ch      chan T
	emitter *Emitter[T]

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// C returns the channel values are delivered on. It is closed when the
// subscription or its emitter is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped returns how many values were discarded because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel.
func (s *Subscription[T]) Close() error {
	s.emitter.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription[T]) send(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- v:
		return true
	default:
		s.dropped++
		return false
	}
}
