package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ahrav/relayq/internal/domain/queue"
)

func newTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

// sumByAttr returns the int64 sum of the named instrument keyed by the value
// of attr on each data point, or nil when nothing was recorded.
func sumByAttr(rm *metricdata.ResourceMetrics, name, attr string) map[string]int64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return nil
			}
			got := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(attr))
				got[v.AsString()] += dp.Value
			}
			return got
		}
	}
	return nil
}

func TestQueueMetrics_RecordItemLifecycle(t *testing.T) {
	reader, mp := newTestMeter()
	metrics, err := NewQueueMetrics(mp)
	require.NoError(t, err)

	bus := newTestBus(t)
	q := newStartedQueue(t, bus, "scans", WithMetrics(metrics))

	resolved, err := q.Push(context.Background(), "a")
	require.NoError(t, err)
	rejected, err := q.Push(context.Background(), "b")
	require.NoError(t, err)
	removed, err := q.Push(context.Background(), "c")
	require.NoError(t, err)
	_, err = q.Push(context.Background(), "d")
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	assert.Equal(t, map[string]int64{"scans": 4}, sumByAttr(rm, "queue_items_pushed_total", "queue"))
	assert.Equal(t, map[string]int64{"scans": 4}, sumByAttr(rm, "queue_items_pending", "queue"))

	publishCompletion(t, bus, "scans",
		queue.ItemData{ID: resolved.ID(), Result: "ok", Success: true},
		queue.ItemData{ID: rejected.ID(), Result: "failed"},
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = resolved.Wait(ctx)
	require.NoError(t, err)
	_, err = rejected.Wait(ctx)
	require.Error(t, err)
	require.True(t, q.Remove(removed.ID()))

	// Settlement is recorded just after the future is released.
	require.Eventually(t, func() bool {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return false
		}
		return sumByAttr(&rm, "queue_items_pending", "queue")["scans"] == 1
	}, time.Second, 5*time.Millisecond)

	rm = collectMetrics(t, reader)
	assert.Equal(t, map[string]int64{"scans": 4}, sumByAttr(rm, "queue_items_pushed_total", "queue"))
	assert.Equal(t, map[string]int64{
		"RESOLVED":  1,
		"REJECTED":  1,
		"CANCELLED": 1,
	}, sumByAttr(rm, "queue_items_settled_total", "status"))
}
