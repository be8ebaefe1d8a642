package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/eventbus/kafka"
)

// QueueMetrics defines metrics operations needed by a queue and the bus it
// publishes through.
type QueueMetrics interface {
	// Messaging metrics
	kafka.BrokerMetrics

	// Item metrics
	IncItemsPushed(ctx context.Context, queueName string)
	IncItemsSettled(ctx context.Context, queueName string, status queue.Status)
	AddPending(ctx context.Context, queueName string, delta int64)
	ObserveSettleLatency(ctx context.Context, queueName string, d time.Duration)

	// Broadcast metrics
	IncBroadcastErrors(ctx context.Context, queueName string)
}

// queueMetrics implements QueueMetrics
type queueMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Item metrics
	itemsPushed    metric.Int64Counter
	itemsSettled   metric.Int64Counter
	itemsPending   metric.Int64UpDownCounter
	settleDuration metric.Float64Histogram

	broadcastErrors metric.Int64Counter
}

const namespace = "relayq"

// NewQueueMetrics creates a new queue metrics instance.
func NewQueueMetrics(mp metric.MeterProvider) (*queueMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(queueMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.itemsPushed, err = meter.Int64Counter(
		"queue_items_pushed_total",
		metric.WithDescription("Total number of items pushed onto a queue"),
	); err != nil {
		return nil, err
	}

	if m.itemsSettled, err = meter.Int64Counter(
		"queue_items_settled_total",
		metric.WithDescription("Total number of items settled, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.itemsPending, err = meter.Int64UpDownCounter(
		"queue_items_pending",
		metric.WithDescription("Number of items awaiting completion"),
	); err != nil {
		return nil, err
	}

	if m.settleDuration, err = meter.Float64Histogram(
		"queue_item_settle_duration_seconds",
		metric.WithDescription("Time from push to settlement"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.broadcastErrors, err = meter.Int64Counter(
		"queue_broadcast_errors_total",
		metric.WithDescription("Total number of failed item broadcasts"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *queueMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *queueMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *queueMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *queueMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *queueMetrics) IncItemsPushed(ctx context.Context, queueName string) {
	m.itemsPushed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queueName)))
}

func (m *queueMetrics) IncItemsSettled(ctx context.Context, queueName string, status queue.Status) {
	m.itemsSettled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queueName),
		attribute.String("status", status.String()),
	))
}

func (m *queueMetrics) AddPending(ctx context.Context, queueName string, delta int64) {
	m.itemsPending.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queueName)))
}

func (m *queueMetrics) ObserveSettleLatency(ctx context.Context, queueName string, d time.Duration) {
	m.settleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("queue", queueName)))
}

func (m *queueMetrics) IncBroadcastErrors(ctx context.Context, queueName string) {
	m.broadcastErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queueName)))
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)                 {}
func (noopMetrics) IncMessageConsumed(context.Context, string)                  {}
func (noopMetrics) IncPublishError(context.Context, string)                     {}
func (noopMetrics) IncConsumeError(context.Context, string)                     {}
func (noopMetrics) IncItemsPushed(context.Context, string)                      {}
func (noopMetrics) IncItemsSettled(context.Context, string, queue.Status)       {}
func (noopMetrics) AddPending(context.Context, string, int64)                   {}
func (noopMetrics) ObserveSettleLatency(context.Context, string, time.Duration) {}
func (noopMetrics) IncBroadcastErrors(context.Context, string)                  {}
