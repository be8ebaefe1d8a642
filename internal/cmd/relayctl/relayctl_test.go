package relayctl

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	appqueue "github.com/ahrav/relayq/internal/app/queue"
	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/eventbus/memory"
	"github.com/ahrav/relayq/pkg/common/logger"
	"github.com/ahrav/relayq/pkg/config"
)

// sharedBus keeps the bus open across command invocations.
type sharedBus struct{ *memory.Bus }

func (sharedBus) Close() error { return nil }

func newSharedBus(t *testing.T) *memory.Bus {
	t.Helper()
	bus := memory.NewBus(logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func connectTo(bus *memory.Bus) ConnectFunc {
	return func(config.BusConfig, *logger.Logger, trace.Tracer) (events.EventBus, error) {
		return sharedBus{bus}, nil
	}
}

func execute(t *testing.T, bus *memory.Bus, args ...string) (string, error) {
	t.Helper()
	return executeWith(t, []Option{WithConnect(connectTo(bus))}, args...)
}

func executeWith(t *testing.T, opts []Option, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RELAYQ_CONFIG_FILE", "")

	var out, errOut bytes.Buffer
	root := NewRoot(opts...)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPush_LocalWorkerResolves(t *testing.T) {
	bus := newSharedBus(t)

	out, err := execute(t, bus, "push", "--queue", "scans", `{"repo":"relayq"}`)
	require.NoError(t, err)

	var got struct {
		ID      string         `json:"id"`
		Task    map[string]any `json:"task"`
		Result  map[string]any `json:"result"`
		Success bool           `json:"success"`
		Status  string         `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, map[string]any{"repo": "relayq"}, got.Task)
	assert.Equal(t, got.Task, got.Result)
	assert.True(t, got.Success)
	assert.Equal(t, "RESOLVED", got.Status)
}

// counterByAttr sums the named int64 instrument by the value of attr.
func counterByAttr(reader *sdkmetric.ManualReader, name, attr string) map[string]int64 {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return nil
	}
	got := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(attr))
				got[v.AsString()] += dp.Value
			}
		}
	}
	return got
}

func TestPush_RecordsQueueMetrics(t *testing.T) {
	bus := newSharedBus(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	_, err := executeWith(t,
		[]Option{WithConnect(connectTo(bus)), WithMeterProvider(mp)},
		"push", "--queue", "scans", "task",
	)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"scans": 1}, counterByAttr(reader, "queue_items_pushed_total", "queue"))
	require.Eventually(t, func() bool {
		return counterByAttr(reader, "queue_items_settled_total", "status")["RESOLVED"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]int64{"scans": 0}, counterByAttr(reader, "queue_items_pending", "queue"))
}

func TestPush_TimesOutWithoutWorkers(t *testing.T) {
	bus := newSharedBus(t)
	t.Setenv("RELAYQ_BUS_DRIVER", "kafka")

	_, err := execute(t, bus, "push", "--queue", "scans", "--timeout", "50ms", "task")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPush_RequiresQueueName(t *testing.T) {
	bus := newSharedBus(t)
	t.Setenv("RELAYQ_QUEUE_NAME", "")

	_, err := execute(t, bus, "push", "task")
	assert.ErrorIs(t, err, appqueue.ErrNameRequired)
}

func TestPending_ListsSnapshot(t *testing.T) {
	bus := newSharedBus(t)

	q, err := appqueue.New(bus, "scans")
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	first, err := q.Push(context.Background(), "a")
	require.NoError(t, err)
	second, err := q.Push(context.Background(), "b")
	require.NoError(t, err)

	out, err := execute(t, bus, "pending", "scans")
	require.NoError(t, err)

	var payload queue.ItemsPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "scans", payload.Name)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, first.ID(), payload.Items[0].ID)
	assert.Equal(t, second.ID(), payload.Items[1].ID)
}

func TestPending_RequiresQueueName(t *testing.T) {
	bus := newSharedBus(t)
	t.Setenv("RELAYQ_QUEUE_NAME", "")

	_, err := execute(t, bus, "pending")
	assert.Error(t, err)
}

func TestParseTask(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, parseTask(`{"a":1}`))
	assert.Equal(t, "plain text", parseTask("plain text"))
	assert.Equal(t, float64(3), parseTask("3"))
}
