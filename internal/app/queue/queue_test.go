package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/eventbus/memory"
	"github.com/ahrav/relayq/pkg/common/logger"
)

func newTestBus(t *testing.T) *memory.Bus {
	t.Helper()
	bus := memory.NewBus(logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newStartedQueue(t *testing.T, bus events.EventBus, name string, opts ...Option) *Queue {
	t.Helper()
	q, err := New(bus, name, opts...)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// recorder captures every envelope of the given types.
type recorder struct {
	mu     sync.Mutex
	events []events.EventEnvelope
}

func record(t *testing.T, bus events.EventBus, types ...events.EventType) *recorder {
	t.Helper()
	r := new(recorder)
	sub, err := bus.Subscribe(context.Background(), types,
		func(_ context.Context, evt events.EventEnvelope, _ events.AckFunc) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, evt)
			return nil
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return r
}

func (r *recorder) all() []events.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EventEnvelope(nil), r.events...)
}

func publishCompletion(t *testing.T, bus events.EventBus, name string, items ...queue.ItemData) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:    queue.EventTypeConsume,
		Payload: queue.ItemsPayload{Name: name, Items: items},
	}))
}

func TestNew_ValidatesName(t *testing.T) {
	bus := newTestBus(t)

	_, err := New(bus, "")
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = New(bus, "queue")
	assert.ErrorIs(t, err, ErrReservedName)

	_, err = New(nil, "scans")
	assert.Error(t, err)

	q, err := New(bus, "scans", WithArea("eu-west"))
	require.NoError(t, err)
	assert.Equal(t, "scans", q.Name())
	assert.Equal(t, "eu-west", q.Area())
}

func TestQueue_StartTwice(t *testing.T) {
	q := newStartedQueue(t, newTestBus(t), "scans")
	assert.ErrorIs(t, q.Start(context.Background()), ErrAlreadyStarted)
}

func TestQueue_PushResolvesOnCompletion(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")
	broadcasts := record(t, bus, queue.ItemsEventType("scans"))

	fut, err := q.Push(context.Background(), map[string]any{"repo": "github.com/ahrav/relayq"})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.HasItems())

	sent := broadcasts.all()
	require.Len(t, sent, 1)
	payload := sent[0].Payload.(queue.ItemsPayload)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "scans", payload.Name)
	assert.Equal(t, fut.ID(), payload.Items[0].ID)
	assert.Equal(t, map[string]any{"repo": "github.com/ahrav/relayq"}, payload.Items[0].Task)
	assert.Equal(t, fut.ID(), sent[0].Key)
	assert.Empty(t, sent[0].Receiver())

	publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Result: "done", Success: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", item.Result())
	assert.True(t, item.Success())
	assert.Equal(t, queue.StatusResolved, item.Status())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.HasItems())
}

func TestQueue_PushRejectsOnFailedCompletion(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Result: "clone failed"})

	_, err = fut.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrRejected)

	var itemErr *queue.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, "clone failed", itemErr.Item.Result())
	assert.False(t, itemErr.Item.Success())
	assert.False(t, itemErr.Item.Cancelled())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RemoveCancelsAndIgnoresLateCompletion(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	assert.True(t, q.Remove(fut.ID()))
	assert.False(t, q.Remove(fut.ID()))
	assert.Equal(t, 0, q.Len())

	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, queue.ErrCancelled)
	var itemErr *queue.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.True(t, itemErr.Item.Cancelled())
	assert.Nil(t, itemErr.Item.Result())
	assert.Equal(t, queue.StatusCancelled, itemErr.Item.Status())

	publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Result: "late", Success: true})
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, fut.Err(), queue.ErrCancelled)
	assert.Nil(t, itemErr.Item.Result())
}

func TestQueue_RemoveByItem(t *testing.T) {
	q := newStartedQueue(t, newTestBus(t), "scans")

	item := queue.NewItem("task")
	fut, err := q.Push(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, item.ID(), fut.ID())

	assert.True(t, q.Remove(item))
	assert.True(t, item.Cancelled())
	assert.False(t, q.Remove(42))
	assert.False(t, q.Remove((*queue.Item)(nil)))
}

func TestQueue_UnknownCompletionsAreHarmless(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	publishCompletion(t, bus, "scans",
		queue.ItemData{ID: "does-not-exist", Success: true},
		queue.ItemData{ID: fut.ID(), Result: 7, Success: true},
	)

	item, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, item.Result())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_IgnoresOtherQueues(t *testing.T) {
	bus := newTestBus(t)
	scans := newStartedQueue(t, bus, "scans")
	rules := newStartedQueue(t, bus, "rules")
	replies := record(t, bus, queue.EventTypeItems)

	fut, err := scans.Push(context.Background(), "task")
	require.NoError(t, err)

	publishCompletion(t, bus, "rules", queue.ItemData{ID: fut.ID(), Success: true})
	assert.Equal(t, 1, scans.Len())
	assert.Nil(t, fut.Item())

	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:    queue.EventTypeFetch,
		Payload: queue.FetchRequest{Name: "rules"},
	}, events.WithCorrelationID("corr-rules")))

	sent := replies.all()
	require.Len(t, sent, 1)
	payload := sent[0].Payload.(queue.ItemsPayload)
	assert.Equal(t, "rules", payload.Name)
	assert.Empty(t, payload.Items)
	assert.Equal(t, 0, rules.Len())
}

func TestQueue_FetchReturnsPendingSnapshot(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")
	replies := record(t, bus, queue.EventTypeItems)

	var ids []string
	for i := range 3 {
		fut, err := q.Push(context.Background(), fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		ids = append(ids, fut.ID())
	}
	q.Remove(ids[1])

	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:    queue.EventTypeFetch,
		Payload: queue.FetchRequest{Name: "scans"},
	}, events.WithCorrelationID("corr-1")))

	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "corr-1", sent[0].CorrelationID())

	payload := sent[0].Payload.(queue.ItemsPayload)
	assert.Equal(t, "scans", payload.Name)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, ids[0], payload.Items[0].ID)
	assert.Equal(t, "task-0", payload.Items[0].Task)
	assert.Equal(t, ids[2], payload.Items[1].ID)
	assert.False(t, payload.Items[0].Success)
	assert.Nil(t, payload.Items[0].Result)
}

func TestQueue_ItemsReturnsDetachedCopies(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	first, err := q.Push(context.Background(), "task-0")
	require.NoError(t, err)
	second, err := q.Push(context.Background(), "task-1")
	require.NoError(t, err)

	items := q.Items()
	require.Len(t, items, 2)
	items[0].Complete("forged", true)
	items[1].Cancel()
	items[0] = nil
	items = append(items, queue.NewItem("task-2"))
	require.Len(t, items, 3)

	assert.Equal(t, 2, q.Len())
	again := q.Items()
	require.Len(t, again, 2)
	for i, want := range []string{first.ID(), second.ID()} {
		assert.Equal(t, want, again[i].ID())
		assert.Equal(t, fmt.Sprintf("task-%d", i), again[i].Task())
		assert.Equal(t, queue.StatusPending, again[i].Status())
		assert.Nil(t, again[i].Result())
	}
	select {
	case <-first.Done():
		t.Fatal("future settled by mutating a snapshot")
	default:
	}

	publishCompletion(t, bus, "scans", queue.ItemData{ID: first.ID(), Result: "done", Success: true})
	item, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", item.Result())
	assert.Equal(t, 1, q.Len())
}

func TestQueue_CountMatchesPendingAcrossOperations(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	var futures []*Future
	for i := range 10 {
		fut, err := q.Push(context.Background(), i)
		require.NoError(t, err)
		futures = append(futures, fut)
		assert.Equal(t, len(q.Items()), q.Len())
	}

	for i, fut := range futures {
		switch i % 3 {
		case 0:
			q.Remove(fut.ID())
		case 1:
			publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Success: true})
		case 2:
			q.Consume(context.Background(), queue.ReconstructItem(queue.ItemData{ID: fut.ID(), Result: "x"}))
		}
		assert.Equal(t, len(q.Items()), q.Len())
		assert.Equal(t, len(futures)-i-1, q.Len())
	}

	for _, fut := range futures {
		select {
		case <-fut.Done():
		default:
			t.Fatalf("future %s not settled", fut.ID())
		}
	}
}

func TestQueue_ConcurrentPushAndComplete(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	const n = 100
	var wg sync.WaitGroup
	futures := make(chan *Future, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fut, err := q.Push(context.Background(), i)
			if err != nil {
				t.Error(err)
				return
			}
			futures <- fut
		}()
	}
	wg.Wait()
	close(futures)

	for fut := range futures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Success: true})
			// Duplicate deliveries must be no-ops.
			publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Success: false})
			_, err := fut.Wait(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConsumeResolvesLocally(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")
	completions := record(t, bus, queue.EventTypeConsume)

	item := queue.NewItem("task")
	fut, err := q.Push(context.Background(), item)
	require.NoError(t, err)

	done := item.Clone()
	done.Complete("ok", true)
	q.Consume(context.Background(), done)

	got, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, item, got)
	assert.Equal(t, "ok", got.Result())
	assert.Empty(t, completions.all())
}

func TestQueue_PushAreaAddressesBroadcast(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans", WithArea("eu-west"))
	broadcasts := record(t, bus, queue.ItemsEventType("scans"))

	_, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	sent := broadcasts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "eu-west", sent[0].Receiver())
}

func TestQueue_PushWithFactory(t *testing.T) {
	q := newStartedQueue(t, newTestBus(t), "scans", WithFactory(queue.TypedFactory[string]()))

	_, err := q.Push(context.Background(), 42)
	assert.ErrorIs(t, err, queue.ErrInvalidItem)
	assert.Equal(t, 0, q.Len())

	fut, err := q.Push(context.Background(), map[string]any{"id": "fixed-id", "task": "scan"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", fut.ID())

	_, err = q.Push(context.Background(), queue.ItemData{ID: "fixed-id", Task: "scan"})
	assert.ErrorIs(t, err, ErrDuplicateItem)
	assert.Equal(t, 1, q.Len())
}

type failingBus struct {
	events.EventBus
}

func (failingBus) Publish(context.Context, events.EventEnvelope, ...events.PublishOption) error {
	return errors.New("broker unavailable")
}

func TestQueue_PushSurvivesBroadcastFailure(t *testing.T) {
	q, err := New(failingBus{}, "scans")
	require.NoError(t, err)

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)
	assert.NotNil(t, fut)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PendingTTLExpiresItems(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans", WithPendingTTL(20*time.Millisecond))

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.ErrorIs(t, err, queue.ErrExpired)

	var itemErr *queue.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.True(t, itemErr.Item.Cancelled())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PendingTTLDoesNotFireAfterCompletion(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans", WithPendingTTL(30*time.Millisecond))

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)
	publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Success: true})

	time.Sleep(60 * time.Millisecond)
	item, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusResolved, item.Status())
}

func TestQueue_NotificationsReceiveBroadcasts(t *testing.T) {
	q := newStartedQueue(t, newTestBus(t), "scans")
	sub := q.Notifications(4)

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	select {
	case batch := <-sub.C():
		require.Len(t, batch.Items, 1)
		assert.Equal(t, fut.ID(), batch.Items[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	require.NoError(t, q.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestQueue_CloseStopsListening(t *testing.T) {
	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans")

	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	publishCompletion(t, bus, "scans", queue.ItemData{ID: fut.ID(), Success: true})
	assert.Nil(t, fut.Item())
	assert.Equal(t, 1, q.Len())

	_, err = q.Push(context.Background(), "task")
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueClosed)
}

func TestQueue_HandlersRejectMalformedPayloads(t *testing.T) {
	bus := newTestBus(t)
	newStartedQueue(t, bus, "scans")

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: queue.EventTypeConsume, Payload: "junk"})
	assert.Error(t, err)

	err = bus.Publish(context.Background(), events.EventEnvelope{Type: queue.EventTypeFetch, Payload: 12})
	assert.Error(t, err)
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	q := newStartedQueue(t, newTestBus(t), "scans")
	fut, err := q.Push(context.Background(), "task")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, fut.Err())
}
