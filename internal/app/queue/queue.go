// Package queue implements a request queue whose entries resolve when a
// matching completion arrives over the event bus.
//
// Pushing an item stores it as pending and broadcasts it as "<name>.items".
// Peers that finish the work reply with "queue.consume"; the queue matches
// each completion to its pending item by id and settles the item's Future.
// Peers that join late, or that need to reconcile, can ask for the pending
// snapshot with "queue.fetch" and receive it as "queue.items".
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/notify"
	"github.com/ahrav/relayq/pkg/common/logger"
)

var (
	// ErrNameRequired is returned when a queue is created without a name.
	ErrNameRequired = errors.New("queue name is required")

	// ErrReservedName is returned for names whose broadcast type would collide
	// with the fetch reply.
	ErrReservedName = errors.New("queue name is reserved")

	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("queue already started")

	// ErrDuplicateItem is returned when an item with the same id is already pending.
	ErrDuplicateItem = errors.New("item already pending")
)

// reservedName would make "<name>.items" equal queue.EventTypeItems.
const reservedName = "queue"

type pendingEntry struct {
	item     *queue.Item
	future   *Future
	seq      uint64
	pushedAt time.Time
	timer    *time.Timer
}

// Queue tracks pushed items until a peer completes them, they are removed
// locally, or they expire. All mutations of the pending set happen under one
// mutex, and each future is settled inside the same critical section that
// deletes its entry. Bus publishes and notifications happen outside the lock.
type Queue struct {
	name    string
	area    string
	factory queue.ItemFactory
	ttl     time.Duration
	bus     events.EventBus

	mu      sync.Mutex
	pending map[string]*pendingEntry
	count   int
	seq     uint64
	subs    []events.Subscription
	started bool
	closed  bool

	sink *notify.Emitter[queue.ItemsPayload]

	metrics QueueMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a queue named name that publishes and listens on bus. The queue
// does not react to peers until Start is called.
func New(bus events.EventBus, name string, opts ...Option) (*Queue, error) {
	switch {
	case name == "":
		return nil, ErrNameRequired
	case name == reservedName:
		return nil, fmt.Errorf("%w: %q", ErrReservedName, name)
	case bus == nil:
		return nil, errors.New("event bus is required")
	}

	q := &Queue{
		name:    name,
		factory: queue.DefaultFactory,
		bus:     bus,
		pending: make(map[string]*pendingEntry),
		sink:    notify.NewEmitter[queue.ItemsPayload](),
		metrics: noopMetrics{},
		logger:  logger.Noop(),
		tracer:  noop.NewTracerProvider().Tracer("relayq/queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.ttl < 0 {
		q.ttl = 0
	}

	q.logger = q.logger.With("component", "queue", "queue_name", q.name, "area", q.area)
	return q, nil
}

// Name returns the queue's routing name.
func (q *Queue) Name() string { return q.name }

// Area returns the destination scope of broadcasts, or "" when unscoped.
func (q *Queue) Area() string { return q.area }

// Start subscribes to fetch requests and completions. Both subscriptions end
// when ctx is done or when the queue is closed.
func (q *Queue) Start(ctx context.Context) error {
	ctx, span := q.tracer.Start(ctx, "queue.start",
		trace.WithAttributes(attribute.String("queue.name", q.name)),
	)
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}

	fetchSub, err := q.bus.Subscribe(ctx, []events.EventType{queue.EventTypeFetch}, q.handleFetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe fetch failed")
		return fmt.Errorf("failed to subscribe to %s: %w", queue.EventTypeFetch, err)
	}

	consumeSub, err := q.bus.Subscribe(ctx, []events.EventType{queue.EventTypeConsume}, q.handleConsume)
	if err != nil {
		_ = fetchSub.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe consume failed")
		return fmt.Errorf("failed to subscribe to %s: %w", queue.EventTypeConsume, err)
	}

	q.subs = []events.Subscription{fetchSub, consumeSub}
	q.started = true

	q.logger.Info(ctx, "Queue started")
	return nil
}

// Close disposes the bus subscriptions, stops expiry timers and closes the
// notification sink. Pending futures are left as they are.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, e := range q.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.sink.Close()

	q.logger.Info(context.Background(), "Queue closed")
	return errors.Join(errs...)
}

// Notifications returns a subscription to every broadcast batch this queue
// emits. Slow subscribers lose batches rather than blocking Push.
func (q *Queue) Notifications(bufSize int) *notify.Subscription[queue.ItemsPayload] {
	return q.sink.Subscribe(bufSize)
}

// Push enqueues v and broadcasts it to peers. v may be a *queue.Item, item
// data carrying a task, or a bare task. The returned future settles when a
// peer completes the item or the item is removed.
//
// Only building the item can fail; a failed broadcast is logged and the item
// stays pending so a peer can still pick it up through a fetch.
func (q *Queue) Push(ctx context.Context, v any) (*Future, error) {
	ctx, span := q.tracer.Start(ctx, "queue.push",
		trace.WithAttributes(attribute.String("queue.name", q.name)),
	)
	defer span.End()

	item, err := q.makeItem(v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build item")
		return nil, err
	}
	span.SetAttributes(attribute.String("item.id", item.ID()))

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if _, exists := q.pending[item.ID()]; exists {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID())
	}

	q.seq++
	entry := &pendingEntry{
		item:     item,
		future:   newFuture(item.ID()),
		seq:      q.seq,
		pushedAt: time.Now(),
	}
	if q.ttl > 0 {
		entry.timer = time.AfterFunc(q.ttl, func() { q.expire(entry) })
	}
	q.pending[item.ID()] = entry
	q.count++
	data := item.ToData()
	q.mu.Unlock()

	q.metrics.IncItemsPushed(ctx, q.name)
	q.metrics.AddPending(ctx, q.name, 1)
	q.logger.Debug(ctx, "Item pushed", "item_id", item.ID())

	q.broadcast(ctx, data)

	return entry.future, nil
}

func (q *Queue) makeItem(v any) (*queue.Item, error) {
	if item, ok := v.(*queue.Item); ok {
		if item == nil {
			return nil, fmt.Errorf("%w: nil item", queue.ErrInvalidItem)
		}
		return item, nil
	}

	item, err := q.factory.MakeItem(queue.Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("creating item: %w: factory returned nil", queue.ErrInvalidItem)
	}
	return item, nil
}

// broadcast announces a pushed item to peers and local observers.
func (q *Queue) broadcast(ctx context.Context, data queue.ItemData) {
	payload := queue.ItemsPayload{Name: q.name, Items: []queue.ItemData{data}}

	err := q.bus.Publish(ctx,
		events.EventEnvelope{Type: queue.ItemsEventType(q.name), Payload: payload},
		events.WithKey(data.ID),
		events.WithReceiver(q.area),
	)
	if err != nil {
		q.metrics.IncBroadcastErrors(ctx, q.name)
		q.logger.Warn(ctx, "Failed to broadcast item", "item_id", data.ID, "error", err)
	}

	q.sink.Emit(payload)
}

// Remove cancels a pending item, given its id or the item itself. Its future
// rejects with queue.ErrCancelled. It reports whether anything was removed.
func (q *Queue) Remove(idOrItem any) bool {
	var id string
	switch v := idOrItem.(type) {
	case string:
		id = v
	case *queue.Item:
		if v == nil {
			return false
		}
		id = v.ID()
	default:
		return false
	}

	q.mu.Lock()
	entry, ok := q.pending[id]
	if ok {
		q.cancelLocked(entry, queue.ErrCancelled)
	}
	q.mu.Unlock()

	if ok {
		q.recordSettled(context.Background(), entry, queue.StatusCancelled)
		q.logger.Debug(context.Background(), "Item removed", "item_id", id)
	}
	return ok
}

// expire runs from the entry's TTL timer. The entry is only cancelled if it is
// still the one pending under its id.
func (q *Queue) expire(entry *pendingEntry) {
	id := entry.item.ID()

	q.mu.Lock()
	current, ok := q.pending[id]
	if !ok || current != entry {
		q.mu.Unlock()
		return
	}
	q.cancelLocked(entry, queue.ErrExpired)
	q.mu.Unlock()

	q.recordSettled(context.Background(), entry, queue.StatusCancelled)
	q.logger.Warn(context.Background(), "Item expired", "item_id", id, "ttl", q.ttl)
}

// cancelLocked terminates entry locally. The caller holds q.mu.
func (q *Queue) cancelLocked(entry *pendingEntry, reason error) {
	entry.item.Cancel()
	q.deleteLocked(entry)
	entry.future.settle(nil, &queue.ItemError{Item: entry.item, Err: reason})
}

// deleteLocked drops entry from the pending set. The caller holds q.mu.
func (q *Queue) deleteLocked(entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(q.pending, entry.item.ID())
	q.count--
}

func (q *Queue) recordSettled(ctx context.Context, entry *pendingEntry, status queue.Status) {
	q.metrics.AddPending(ctx, q.name, -1)
	q.metrics.IncItemsSettled(ctx, q.name, status)
	q.metrics.ObserveSettleLatency(ctx, q.name, time.Since(entry.pushedAt))
}

// Consume completes a pending item locally, as if its completion had arrived
// from the bus. Nothing is published.
func (q *Queue) Consume(ctx context.Context, item *queue.Item) {
	if item == nil {
		return
	}
	q.complete(ctx, []queue.ItemData{item.ToData()})
}

// complete settles every pending item named in items. Unknown ids are skipped.
func (q *Queue) complete(ctx context.Context, items []queue.ItemData) {
	type outcome struct {
		entry  *pendingEntry
		status queue.Status
	}
	var (
		settled []outcome
		unknown []string
	)

	q.mu.Lock()
	for _, data := range items {
		entry, ok := q.pending[data.ID]
		if !ok {
			unknown = append(unknown, data.ID)
			continue
		}

		entry.item.Complete(data.Result, data.Success)
		q.deleteLocked(entry)
		if data.Success {
			entry.future.settle(entry.item, nil)
		} else {
			entry.future.settle(nil, &queue.ItemError{Item: entry.item, Err: queue.ErrRejected})
		}
		settled = append(settled, outcome{entry: entry, status: entry.item.Status()})
	}
	q.mu.Unlock()

	for _, o := range settled {
		q.recordSettled(ctx, o.entry, o.status)
	}
	if len(unknown) > 0 {
		q.logger.Debug(ctx, "Ignoring completions for unknown items", "item_ids", unknown)
	}
}

// handleConsume applies a batch of completions published by a peer.
func (q *Queue) handleConsume(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := q.tracer.Start(ctx, "queue.handle_consume",
		trace.WithAttributes(attribute.String("queue.name", q.name)),
	)
	defer span.End()

	payload, err := itemsPayload(evt.Payload)
	if err != nil {
		span.RecordError(err)
		ack(err)
		return err
	}
	if payload.Name != q.name {
		ack(nil)
		return nil
	}

	span.SetAttributes(attribute.Int("items.count", len(payload.Items)))
	q.complete(ctx, payload.Items)
	ack(nil)
	return nil
}

// handleFetch answers a peer's request for the pending snapshot.
func (q *Queue) handleFetch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := q.tracer.Start(ctx, "queue.handle_fetch",
		trace.WithAttributes(attribute.String("queue.name", q.name)),
	)
	defer span.End()

	req, err := fetchRequest(evt.Payload)
	if err != nil {
		span.RecordError(err)
		ack(err)
		return err
	}
	if req.Name != q.name {
		ack(nil)
		return nil
	}

	snapshot := q.snapshot()
	items := make([]queue.ItemData, len(snapshot))
	for i, item := range snapshot {
		items[i] = item.ToData()
	}

	err = q.bus.Publish(ctx,
		events.EventEnvelope{
			Type:    queue.EventTypeItems,
			Payload: queue.ItemsPayload{Name: q.name, Items: items},
		},
		events.WithKey(q.name),
		events.WithCorrelationID(evt.CorrelationID()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish fetch reply")
		ack(err)
		return fmt.Errorf("failed to publish fetch reply: %w", err)
	}

	q.logger.Debug(ctx, "Answered fetch request",
		"items", len(items),
		"correlation_id", evt.CorrelationID(),
	)
	ack(nil)
	return nil
}

func itemsPayload(p any) (queue.ItemsPayload, error) {
	switch v := p.(type) {
	case queue.ItemsPayload:
		return v, nil
	case *queue.ItemsPayload:
		if v != nil {
			return *v, nil
		}
	}
	return queue.ItemsPayload{}, fmt.Errorf("unexpected payload type %T for %s", p, queue.EventTypeConsume)
}

func fetchRequest(p any) (queue.FetchRequest, error) {
	switch v := p.(type) {
	case queue.FetchRequest:
		return v, nil
	case *queue.FetchRequest:
		if v != nil {
			return *v, nil
		}
	}
	return queue.FetchRequest{}, fmt.Errorf("unexpected payload type %T for %s", p, queue.EventTypeFetch)
}

// snapshot copies the pending items in push order.
func (q *Queue) snapshot() []*queue.Item {
	q.mu.Lock()
	entries := make([]*pendingEntry, 0, len(q.pending))
	for _, e := range q.pending {
		entries = append(entries, e)
	}
	items := make([]*queue.Item, len(entries))
	slices.SortFunc(entries, func(a, b *pendingEntry) int { return cmp.Compare(a.seq, b.seq) })
	for i, e := range entries {
		items[i] = e.item.Clone()
	}
	q.mu.Unlock()

	return items
}

// Items returns copies of the pending items in push order.
func (q *Queue) Items() []*queue.Item { return q.snapshot() }

// HasItems reports whether any item is pending.
func (q *Queue) HasItems() bool { return q.Len() > 0 }

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
