// Package replytracking matches asynchronous replies to the requests that
// caused them. A requester tracks a correlation id before publishing, the
// reply handler resolves it when the matching reply arrives, and the requester
// waits on the returned channel with a timeout.
package replytracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// ErrReplyTimeout is returned by WaitForReply when no reply arrives in time.
var ErrReplyTimeout = errors.New("timed out waiting for reply")

// Reply is the outcome delivered to a tracked request.
type Reply struct {
	Envelope events.EventEnvelope
	Err      error
}

// ReplyTracker manages the lifecycle of outstanding request/reply exchanges.
type ReplyTracker interface {
	// Track begins tracking a request by its correlation id and returns a
	// channel that receives exactly one Reply.
	Track(correlationID string) <-chan Reply

	// Resolve delivers a reply for a tracked request. Returns true if the
	// request was being tracked and is now resolved, false otherwise.
	Resolve(ctx context.Context, correlationID string, reply Reply) bool

	// StopTracking removes tracking for a request without resolving it.
	StopTracking(correlationID string)

	// CleanupAll resolves every pending request with err.
	CleanupAll(ctx context.Context, err error)

	// WaitForReply blocks until a reply is received on ch, the timeout elapses
	// or ctx is done. Tracking is always stopped before it returns.
	WaitForReply(ctx context.Context, correlationID string, ch <-chan Reply, timeout time.Duration) (Reply, error)
}

var _ ReplyTracker = (*Tracker)(nil)

// Tracker is the default ReplyTracker.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]chan Reply

	logger *logger.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *logger.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]chan Reply),
		logger:  logger.With("component", "reply_tracker"),
	}
}

// Track implements ReplyTracker. Tracking the same id twice replaces the
// earlier channel, which will then never receive.
func (t *Tracker) Track(correlationID string) <-chan Reply {
	ch := make(chan Reply, 1)

	t.mu.Lock()
	t.pending[correlationID] = ch
	t.mu.Unlock()

	return ch
}

// Resolve implements ReplyTracker.
func (t *Tracker) Resolve(ctx context.Context, correlationID string, reply Reply) bool {
	t.mu.Lock()
	ch, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug(ctx, "Reply for untracked request", "correlation_id", correlationID)
		return false
	}

	// Buffered with capacity one and removed from the map above, so this
	// send never blocks.
	ch <- reply
	return true
}

// StopTracking implements ReplyTracker.
func (t *Tracker) StopTracking(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}

// CleanupAll implements ReplyTracker.
func (t *Tracker) CleanupAll(ctx context.Context, err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan Reply)
	t.mu.Unlock()

	for id, ch := range pending {
		ch <- Reply{Err: err}
		t.logger.Debug(ctx, "Resolved pending request during cleanup", "correlation_id", id)
	}
}

// Pending returns the number of requests awaiting a reply.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// WaitForReply implements ReplyTracker.
func (t *Tracker) WaitForReply(
	ctx context.Context,
	correlationID string,
	ch <-chan Reply,
	timeout time.Duration,
) (Reply, error) {
	defer t.StopTracking(correlationID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, reply.Err
	case <-timer.C:
		return Reply{}, fmt.Errorf("%w: correlation id %s after %s", ErrReplyTimeout, correlationID, timeout)
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
