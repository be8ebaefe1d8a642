// Package tracing carries OpenTelemetry context across Kafka messages and
// starts producer/consumer spans with messaging semantic conventions.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// EventTypeKey records the relay event type carried by a message.
const EventTypeKey = attribute.Key("relayq.event_type")

// StartPublishSpan starts the producer span for one event. The span is named
// after the event type so fetches, completions and broadcasts stay apart.
func StartPublishSpan(ctx context.Context, tracer trace.Tracer, topic, eventType, key string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(topic),
		semconv.MessagingOperationPublish,
		EventTypeKey.String(eventType),
	}
	if key != "" {
		attrs = append(attrs, semconv.MessagingKafkaMessageKey(key))
	}

	return tracer.Start(ctx, eventType+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// StartReceiveSpan starts the consumer span for msg. The event type is only
// known once the payload is decoded; callers add it with EventTypeKey.
func StartReceiveSpan(ctx context.Context, tracer trace.Tracer, group string, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	return tracer.Start(ctx, msg.Topic+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationReceive,
			semconv.MessagingKafkaConsumerGroup(group),
			semconv.MessagingKafkaDestinationPartition(int(msg.Partition)),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
		),
	)
}
