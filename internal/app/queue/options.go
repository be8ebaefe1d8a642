package queue

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// Option allows for functional configuration of a Queue.
type Option func(*Queue)

// WithArea scopes broadcasts to peers in the given area.
func WithArea(area string) Option {
	return func(q *Queue) { q.area = area }
}

// WithFactory sets the factory used to build items from raw input.
func WithFactory(f queue.ItemFactory) Option {
	return func(q *Queue) {
		if f != nil {
			q.factory = f
		}
	}
}

// WithPendingTTL removes items still pending after d, rejecting their futures
// with queue.ErrExpired. Zero disables expiry.
func WithPendingTTL(d time.Duration) Option {
	return func(q *Queue) { q.ttl = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m QueueMetrics) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}
