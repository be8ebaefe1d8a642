package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/relayq/internal/infra/eventbus/kafka"
)

// WorkerMetrics defines metrics operations needed by a worker.
type WorkerMetrics interface {
	// Messaging metrics
	kafka.BrokerMetrics

	// Item metrics
	IncItemsProcessed(ctx context.Context, queueName string, success bool)
	IncItemsSkipped(ctx context.Context, queueName string)
	ObserveProcessingTime(ctx context.Context, queueName string, d time.Duration)
	IncSettleErrors(ctx context.Context, queueName string)
}

// workerMetrics implements WorkerMetrics
type workerMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Item metrics
	itemsProcessed metric.Int64Counter
	itemsSkipped   metric.Int64Counter
	processTime    metric.Float64Histogram
	settleErrors   metric.Int64Counter
}

const namespace = "relay_worker"

// NewWorkerMetrics creates a new worker metrics instance.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
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

	if m.itemsProcessed, err = meter.Int64Counter(
		"worker_items_processed_total",
		metric.WithDescription("Total number of items processed, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.itemsSkipped, err = meter.Int64Counter(
		"worker_items_skipped_total",
		metric.WithDescription("Total number of duplicate items skipped"),
	); err != nil {
		return nil, err
	}

	if m.processTime, err = meter.Float64Histogram(
		"worker_item_processing_duration_seconds",
		metric.WithDescription("Time taken to process each item"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.settleErrors, err = meter.Int64Counter(
		"worker_settle_errors_total",
		metric.WithDescription("Total number of completion batches that failed to publish"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncItemsProcessed(ctx context.Context, queueName string, success bool) {
	m.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queueName),
		attribute.Bool("success", success),
	))
}

func (m *workerMetrics) IncItemsSkipped(ctx context.Context, queueName string) {
	m.itemsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queueName)))
}

func (m *workerMetrics) ObserveProcessingTime(ctx context.Context, queueName string, d time.Duration) {
	m.processTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("queue", queueName)))
}

func (m *workerMetrics) IncSettleErrors(ctx context.Context, queueName string) {
	m.settleErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queueName)))
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)                  {}
func (noopMetrics) IncMessageConsumed(context.Context, string)                   {}
func (noopMetrics) IncPublishError(context.Context, string)                      {}
func (noopMetrics) IncConsumeError(context.Context, string)                      {}
func (noopMetrics) IncItemsProcessed(context.Context, string, bool)              {}
func (noopMetrics) IncItemsSkipped(context.Context, string)                      {}
func (noopMetrics) ObserveProcessingTime(context.Context, string, time.Duration) {}
func (noopMetrics) IncSettleErrors(context.Context, string)                      {}
