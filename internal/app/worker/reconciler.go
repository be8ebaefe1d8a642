package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/messaging/replytracking"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// ErrReconcilerClosed is delivered to fetches still waiting when the
// reconciler closes.
var ErrReconcilerClosed = errors.New("reconciler closed")

// DefaultFetchTimeout bounds how long Fetch waits for a queue to answer.
const DefaultFetchTimeout = 5 * time.Second

// Reconciler is the peer side of the fetch protocol. It asks a queue for its
// pending snapshot and hands batches of completions back to it.
type Reconciler struct {
	bus     events.EventBus
	tracker *replytracking.Tracker
	timeout time.Duration

	mu  sync.Mutex
	sub events.Subscription

	logger *logger.Logger
	tracer trace.Tracer
}

// NewReconciler creates a reconciler that waits at most timeout for fetch
// replies. A non-positive timeout uses DefaultFetchTimeout.
func NewReconciler(bus events.EventBus, timeout time.Duration, logger *logger.Logger, tracer trace.Tracer) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Reconciler{
		bus:     bus,
		tracker: replytracking.NewTracker(logger),
		timeout: timeout,
		logger:  logger.With("component", "reconciler"),
		tracer:  tracer,
	}
}

// Start subscribes to fetch replies. It must be called before Fetch.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub, err := r.bus.Subscribe(ctx, []events.EventType{queue.EventTypeItems}, r.handleReply)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue.EventTypeItems, err)
	}
	r.sub = sub
	return nil
}

// Close stops listening for replies and fails any fetch still waiting.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	r.tracker.CleanupAll(context.Background(), ErrReconcilerClosed)
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (r *Reconciler) handleReply(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	id := evt.CorrelationID()
	if id == "" {
		ack(nil)
		return nil
	}
	r.tracker.Resolve(ctx, id, replytracking.Reply{Envelope: evt})
	ack(nil)
	return nil
}

// Fetch asks the queue called name for its pending items and waits for the
// reply. It fails with replytracking.ErrReplyTimeout when no queue answers.
func (r *Reconciler) Fetch(ctx context.Context, name string) (queue.ItemsPayload, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.fetch",
		trace.WithAttributes(attribute.String("queue.name", name)),
	)
	defer span.End()

	correlationID := uuid.New().String()
	ch := r.tracker.Track(correlationID)

	err := r.bus.Publish(ctx,
		events.EventEnvelope{Type: queue.EventTypeFetch, Payload: queue.FetchRequest{Name: name}},
		events.WithKey(name),
		events.WithCorrelationID(correlationID),
	)
	if err != nil {
		r.tracker.StopTracking(correlationID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish fetch")
		return queue.ItemsPayload{}, fmt.Errorf("failed to publish fetch request: %w", err)
	}

	reply, err := r.tracker.WaitForReply(ctx, correlationID, ch, r.timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no fetch reply")
		return queue.ItemsPayload{}, err
	}

	payload, ok := reply.Envelope.Payload.(queue.ItemsPayload)
	if !ok {
		err := fmt.Errorf("unexpected fetch reply payload %T", reply.Envelope.Payload)
		span.RecordError(err)
		return queue.ItemsPayload{}, err
	}
	if payload.Name != name {
		return queue.ItemsPayload{}, fmt.Errorf("fetch reply for queue %q, want %q", payload.Name, name)
	}

	span.SetAttributes(attribute.Int("items.count", len(payload.Items)))
	r.logger.Debug(ctx, "Fetched pending items", "queue_name", name, "items", len(payload.Items))
	return payload, nil
}

// Settle publishes a batch of completions for the queue called name.
func (r *Reconciler) Settle(ctx context.Context, name string, items []queue.ItemData) error {
	if len(items) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "reconciler.settle",
		trace.WithAttributes(
			attribute.String("queue.name", name),
			attribute.Int("items.count", len(items)),
		),
	)
	defer span.End()

	err := r.bus.Publish(ctx,
		events.EventEnvelope{
			Type:    queue.EventTypeConsume,
			Payload: queue.ItemsPayload{Name: name, Items: items},
		},
		events.WithKey(name),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish completions")
		return fmt.Errorf("failed to publish completions: %w", err)
	}
	return nil
}
