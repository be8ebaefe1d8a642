// Package worker implements the peer side of a relay queue. A Worker listens
// for a queue's broadcasts, runs each item through a Processor and publishes
// the outcomes back as completions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/pkg/common"
	"github.com/ahrav/relayq/pkg/common/logger"
)

// Config controls how a Worker consumes one queue.
type Config struct {
	// QueueName is the queue whose broadcasts this worker handles.
	QueueName string
	// Area limits the worker to broadcasts addressed to it. Unaddressed
	// broadcasts are always handled.
	Area string

	// Concurrency bounds how many items are processed at once.
	Concurrency int
	// RatePerSecond caps how many items start per second; zero is unlimited.
	RatePerSecond float64
	Burst         int

	// BatchSize is the most completions published in one message.
	BatchSize int
	// FlushInterval publishes a partial batch after this long.
	FlushInterval time.Duration

	// ReconcileOnStart fetches the queue's pending items before waiting for
	// new broadcasts.
	ReconcileOnStart bool
	FetchTimeout     time.Duration

	// CompletedCacheSize is how many recently completed ids are remembered
	// to suppress duplicate work.
	CompletedCacheSize int
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.CompletedCacheSize <= 0 {
		c.CompletedCacheSize = 1024
	}
}

// Option allows for functional configuration of a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m WorkerMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker processes the items of a single queue.
type Worker struct {
	cfg        Config
	bus        events.EventBus
	processor  Processor
	reconciler *Reconciler
	limiter    *common.RateLimiter

	mu        sync.Mutex
	inFlight  map[string]struct{}
	completed *lru.Cache[string, struct{}]

	work    chan queue.ItemData
	results chan queue.ItemData
	ready   chan struct{}

	metrics WorkerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a worker for cfg.QueueName.
func New(bus events.EventBus, processor Processor, cfg Config, opts ...Option) (*Worker, error) {
	if cfg.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	cfg.setDefaults()

	completed, err := lru.New[string, struct{}](cfg.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating completed cache: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		bus:       bus,
		processor: processor,
		limiter:   common.NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		inFlight:  make(map[string]struct{}),
		completed: completed,
		work:      make(chan queue.ItemData, cfg.Concurrency*4),
		results:   make(chan queue.ItemData, cfg.BatchSize*2),
		ready:     make(chan struct{}),
		metrics:   noopMetrics{},
		logger:    logger.Noop(),
		tracer:    noop.NewTracerProvider().Tracer("relayq/worker"),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.logger = w.logger.With("component", "worker", "queue_name", cfg.QueueName, "area", cfg.Area)
	w.reconciler = NewReconciler(bus, cfg.FetchTimeout, w.logger, w.tracer)
	return w, nil
}

// Reconciler returns the worker's fetch/settle client.
func (w *Worker) Reconciler() *Reconciler { return w.reconciler }

// Ready is closed once Run is subscribed to the queue's broadcasts.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Run consumes broadcasts until ctx is done. Completions produced before
// shutdown are flushed before Run returns. A Worker runs at most once.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "Starting worker",
		"concurrency", w.cfg.Concurrency,
		"batch_size", w.cfg.BatchSize,
		"rate_per_second", w.cfg.RatePerSecond,
	)

	if err := w.reconciler.Start(ctx); err != nil {
		return err
	}
	defer w.reconciler.Close()

	sub, err := w.bus.Subscribe(ctx, []events.EventType{queue.ItemsEventType(w.cfg.QueueName)}, w.handleItems(ctx))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue.ItemsEventType(w.cfg.QueueName), err)
	}
	defer sub.Close()
	close(w.ready)

	g, gctx := errgroup.WithContext(ctx)

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		w.flushLoop(ctx)
	}()

	g.Go(func() error { return w.dispatchLoop(gctx) })

	if w.cfg.ReconcileOnStart {
		g.Go(func() error {
			w.reconcile(gctx)
			return nil
		})
	}

	err = g.Wait()
	close(w.results)
	<-flushDone

	w.logger.Info(context.WithoutCancel(ctx), "Worker stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// reconcile picks up items that were broadcast before this worker subscribed.
func (w *Worker) reconcile(ctx context.Context) {
	payload, err := w.reconciler.Fetch(ctx, w.cfg.QueueName)
	if err != nil {
		w.logger.Warn(ctx, "Start-up reconciliation failed", "error", err)
		return
	}
	for _, item := range payload.Items {
		if !w.admit(ctx, item) {
			return
		}
	}
	w.logger.Info(ctx, "Reconciled pending items", "items", len(payload.Items))
}

// handleItems returns the broadcast handler. Items are admitted onto the work
// channel, which applies backpressure to the bus when workers fall behind.
func (w *Worker) handleItems(runCtx context.Context) events.HandlerFunc {
	return func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		if r := evt.Receiver(); r != "" && r != w.cfg.Area {
			ack(nil)
			return nil
		}

		payload, ok := evt.Payload.(queue.ItemsPayload)
		if !ok {
			err := fmt.Errorf("unexpected payload type %T for %s", evt.Payload, evt.Type)
			ack(err)
			return err
		}
		if payload.Name != w.cfg.QueueName {
			ack(nil)
			return nil
		}

		for _, item := range payload.Items {
			if !w.admit(runCtx, item) {
				break
			}
		}
		ack(nil)
		return nil
	}
}

// admit queues item for processing unless it is already in flight or was
// completed recently. It returns false once ctx is done.
func (w *Worker) admit(ctx context.Context, item queue.ItemData) bool {
	w.mu.Lock()
	_, busy := w.inFlight[item.ID]
	if busy || w.completed.Contains(item.ID) {
		w.mu.Unlock()
		w.metrics.IncItemsSkipped(ctx, w.cfg.QueueName)
		return true
	}
	w.inFlight[item.ID] = struct{}{}
	w.mu.Unlock()

	select {
	case w.work <- item:
		return true
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.inFlight, item.ID)
		w.mu.Unlock()
		return false
	}
}

// dispatchLoop feeds admitted items to at most Concurrency processors.
func (w *Worker) dispatchLoop(ctx context.Context) error {
	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = pool.Wait()
			return ctx.Err()
		case item := <-w.work:
			if err := w.limiter.Wait(ctx); err != nil {
				w.release(item.ID, false)
				_ = pool.Wait()
				return err
			}
			pool.Go(func() error {
				w.process(poolCtx, item)
				return nil
			})
		}
	}
}

func (w *Worker) process(ctx context.Context, item queue.ItemData) {
	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("queue.name", w.cfg.QueueName),
			attribute.String("item.id", item.ID),
		),
	)
	defer span.End()

	logCtx := logger.NewLoggerContext(w.logger)
	logCtx.Add("item_id", item.ID)

	start := time.Now()
	result, err := w.processor.Process(ctx, item)
	elapsed := time.Since(start)
	w.metrics.ObserveProcessingTime(ctx, w.cfg.QueueName, elapsed)
	logCtx.Add("duration", elapsed)

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; leave the item pending for another worker.
		logCtx.Debug(ctx, "Processing interrupted by shutdown")
		w.release(item.ID, false)
		return
	}

	done := queue.ItemData{ID: item.ID, Result: result, Success: err == nil}
	if err != nil {
		done.Result = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		logCtx.Warn(ctx, "Item processing failed", "error", err)
	} else {
		logCtx.Debug(ctx, "Item processed")
	}
	w.metrics.IncItemsProcessed(ctx, w.cfg.QueueName, done.Success)

	w.release(item.ID, true)
	w.results <- done
}

// release clears the in-flight mark and optionally remembers the id as done.
func (w *Worker) release(id string, completed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
	if completed {
		w.completed.Add(id, struct{}{})
	}
}

// flushLoop batches completions and settles them with the queue. It runs
// until the results channel is closed and always flushes what it holds.
func (w *Worker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	// Completions must still reach the queue during shutdown.
	flushCtx := context.WithoutCancel(ctx)

	batch := make([]queue.ItemData, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.reconciler.Settle(flushCtx, w.cfg.QueueName, batch); err != nil {
			w.metrics.IncSettleErrors(flushCtx, w.cfg.QueueName)
			w.logger.Error(flushCtx, "Failed to settle completions", "items", len(batch), "error", err)
			// Forget the ids so a later fetch can hand them out again.
			w.mu.Lock()
			for _, d := range batch {
				w.completed.Remove(d.ID)
			}
			w.mu.Unlock()
		}
		batch = make([]queue.ItemData, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case done, ok := <-w.results:
			if !ok {
				flush()
				return
			}
			batch = append(batch, done)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
