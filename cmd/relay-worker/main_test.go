package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/pkg/common/logger"
)

func TestErrorEventAttrs(t *testing.T) {
	rec := logger.Record{
		Time:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Message:    "settle failed",
		Level:      logger.LevelError,
		Attributes: map[string]any{"queue_name": "scans"},
	}

	t.Run("with span", func(t *testing.T) {
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
			SpanID:     trace.SpanID{0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8},
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		got := errorEventAttrs(ctx, rec)
		assert.Equal(t, "settle failed", got["error_message"])
		assert.Equal(t, "2024-05-01T12:00:00Z", got["error_time"])
		assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", got["trace_id"])
		assert.Equal(t, "a1a2a3a4a5a6a7a8", got["span_id"])
		assert.Equal(t, "scans", got["queue_name"])
	})

	t.Run("without span", func(t *testing.T) {
		got := errorEventAttrs(context.Background(), rec)
		assert.Equal(t, "00000000000000000000000000000000", got["trace_id"])
		assert.Equal(t, "0000000000000000", got["span_id"])
	})
}
