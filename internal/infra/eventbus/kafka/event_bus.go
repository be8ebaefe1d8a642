// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/domain/queue"
	"github.com/ahrav/relayq/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/relayq/internal/infra/eventbus/serialization"
	"github.com/ahrav/relayq/internal/infra/messaging/registry"
	"github.com/ahrav/relayq/pkg/common/logger"
)

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("kafka event bus closed")

	// ErrSessionNotReady is returned by Subscribe when no consumer group
	// session covering the requested topics started within the ready timeout.
	ErrSessionNotReady = errors.New("kafka consumer session not ready")
)

// DefaultReadyTimeout bounds how long Subscribe waits for the consumer group
// session to start consuming the subscribed topics.
const DefaultReadyTimeout = 30 * time.Second

// BrokerMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type BrokerMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// RequestTopic carries queue.fetch and queue.consume.
	RequestTopic string
	// ReplyTopic carries queue.items fetch replies.
	ReplyTopic string
	// BroadcastTopic carries every <name>.items broadcast.
	BroadcastTopic string

	// GroupID identifies the consumer group for this bus instance. Replies and
	// broadcasts fan out per group, so each process that must see them needs
	// its own group.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the type of service (e.g., "worker", "relayctl").
	ServiceType string

	// ReadyTimeout bounds how long Subscribe waits for the session to
	// consume its topics. Zero uses DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// Validate reports missing connection settings.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka brokers are required")
	case c.RequestTopic == "", c.ReplyTopic == "", c.BroadcastTopic == "":
		return errors.New("kafka request, reply and broadcast topics are required")
	case c.GroupID == "":
		return errors.New("kafka group id is required")
	}
	return nil
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// A single consumer group session serves every subscription; handlers are
// looked up per message, so subscriptions can come and go independently.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	cfg           Config

	registry *registry.HandlerRegistry

	mu            sync.Mutex
	closed        bool
	topics        []string
	readyTopics   []string
	waiters       []*readyWaiter
	loopStarted   bool
	cancelSession context.CancelFunc
	runCtx        context.Context
	stopRun       context.CancelFunc
	loopDone      chan struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

// NewEventBusFromConfig creates a new Kafka-based event bus from the provided configuration.
// It establishes connections to Kafka brokers and configures both producer and consumer components
// for reliable message delivery and consumption.
func NewEventBusFromConfig(
	cfg *Config,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	// Offsets are committed manually after handlers have seen each message.
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = false
	consumerConfig.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return NewEventBus(producer, consumerGroup, *cfg, logger, metrics, tracer), nil
}

// NewEventBus assembles a bus from already constructed sarama clients.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg Config,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) *EventBus {
	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)
	if metrics == nil {
		metrics = noopMetrics{}
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg,
		registry:      registry.NewHandlerRegistry(logger, tracer),
		runCtx:        runCtx,
		stopRun:       stopRun,
		loopDone:      make(chan struct{}),
		logger:        logger,
		tracer:        tracer,
		metrics:       metrics,
	}
}

// readyWaiter is released once a session consuming all of topics has pinned
// the start offset of every partition it claimed.
type readyWaiter struct {
	topics []string
	ch     chan struct{}
}

// topicFor routes an event type to the topic that carries it.
func (b *EventBus) topicFor(eventType events.EventType) (string, error) {
	switch {
	case eventType == queue.EventTypeFetch, eventType == queue.EventTypeConsume:
		return b.cfg.RequestTopic, nil
	case eventType == queue.EventTypeItems:
		return b.cfg.ReplyTopic, nil
	case queue.IsItemsBroadcast(eventType):
		return b.cfg.BroadcastTopic, nil
	}
	return "", fmt.Errorf("unknown event type '%s', no topic mapped", eventType)
}

// Publish sends an event to the topic mapped to its type. Envelope headers
// travel as Kafka record headers next to the trace context.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	topic, err := b.topicFor(event.Type)
	if err != nil {
		return err
	}

	event = events.ApplyOptions(event, opts...)

	ctx, span := tracing.StartPublishSpan(ctx, b.tracer, topic, string(event.Type), event.Key)
	defer span.End()

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(msgBytes),
		Headers: recordHeaders(event.Headers),
	}
	if event.Key != "" {
		kafkaMsg.Key = sarama.StringEncoder(event.Key)
	}
	if !event.Timestamp.IsZero() {
		kafkaMsg.Timestamp = event.Timestamp
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"event_type", event.Type,
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

// Subscribe registers a handler for the given event types. The consumer group
// session is restarted when the subscription needs a topic the running
// session does not cover. Subscribe returns only once a session consuming
// those topics has claimed its partitions, so messages published afterwards
// are not skipped by a group that starts at the newest offset. The
// subscription is also removed when ctx is done.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) (events.Subscription, error) {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")),
	)
	defer span.End()

	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return nil, errors.New("at least one event type is required")
	}

	var topics []string
	for _, et := range eventTypes {
		topic, err := b.topicFor(et)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sub := &subscription{
		bus:  b,
		id:   b.registry.RegisterHandler(ctx, handler, eventTypes...),
		done: make(chan struct{}),
	}
	b.ensureTopicsLocked(topics)
	ready := b.awaitTopicsLocked(topics)
	b.mu.Unlock()

	if ready != nil {
		if err := b.waitReady(ctx, ready); err != nil {
			_ = sub.Close()
			b.dropWaiter(ready)
			span.RecordError(err)
			span.SetStatus(codes.Error, "consumer session not ready")
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)
	return sub, nil
}

// ensureTopicsLocked widens the consumed topic set and restarts the session if
// it changed. The caller holds b.mu.
func (b *EventBus) ensureTopicsLocked(topics []string) {
	changed := false
	for _, t := range topics {
		if !slices.Contains(b.topics, t) {
			b.topics = append(b.topics, t)
			changed = true
		}
	}

	if changed {
		b.readyTopics = nil
	}

	if !b.loopStarted {
		b.loopStarted = true
		go b.consumeLoop()
		return
	}
	if changed && b.cancelSession != nil {
		b.cancelSession()
	}
}

// awaitTopicsLocked returns a channel that closes once a ready session
// covers topics, or nil when the current session already does. The caller
// holds b.mu.
func (b *EventBus) awaitTopicsLocked(topics []string) <-chan struct{} {
	if containsAll(b.readyTopics, topics) {
		return nil
	}
	w := &readyWaiter{topics: topics, ch: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	return w.ch
}

func (b *EventBus) waitReady(ctx context.Context, ready <-chan struct{}) error {
	timeout := b.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.runCtx.Done():
		return ErrBusClosed
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrSessionNotReady, timeout)
	}
}

func (b *EventBus) dropWaiter(ready <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters = slices.DeleteFunc(b.waiters, func(w *readyWaiter) bool { return w.ch == ready })
}

// markSessionReady records that the session consuming topics is live and
// releases the subscribers it covers. Sessions for a superseded topic set
// are ignored.
func (b *EventBus) markSessionReady(ctx context.Context, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) != len(b.topics) || !containsAll(topics, b.topics) {
		return
	}
	b.readyTopics = slices.Clone(topics)

	b.waiters = slices.DeleteFunc(b.waiters, func(w *readyWaiter) bool {
		if !containsAll(topics, w.topics) {
			return false
		}
		close(w.ch)
		return true
	})
	b.logger.Debug(ctx, "Consumer session ready", "topics", topics)
}

func containsAll(set, subset []string) bool {
	if len(subset) == 0 {
		return false
	}
	for _, t := range subset {
		if !slices.Contains(set, t) {
			return false
		}
	}
	return true
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop() {
	defer close(b.loopDone)

	for {
		b.mu.Lock()
		if b.runCtx.Err() != nil {
			b.mu.Unlock()
			return
		}
		topics := slices.Clone(b.topics)
		sessCtx, cancel := context.WithCancel(b.runCtx)
		b.cancelSession = cancel
		b.mu.Unlock()

		h := &consumerHandler{bus: b, topics: topics}

		if err := b.consumerGroup.Consume(sessCtx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				cancel()
				return
			}
			b.logger.Error(sessCtx, "Error from consumer group", "error", err)
			select {
			case <-time.After(consumeRetryDelay):
			case <-b.runCtx.Done():
			}
		}
		cancel()
	}
}

// dispatch converts one Kafka message into an envelope and hands it to every
// registered handler. It reports whether all handlers succeeded.
func (b *EventBus) dispatch(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	msgCtx := tracing.ExtractTraceContext(ctx, msg)
	msgCtx, span := tracing.StartReceiveSpan(msgCtx, b.tracer, b.cfg.GroupID, msg)
	defer span.End()

	evtType, payload, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncConsumeError(msgCtx, msg.Topic)
		b.logger.Warn(msgCtx, "Dropping undecodable message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return false
	}

	span.SetAttributes(tracing.EventTypeKey.String(string(evtType)))

	envelope := toEnvelope(evtType, payload, msg)
	handlers, ok := b.registry.GetHandlers(msgCtx, evtType)
	if !ok {
		return true
	}

	succeeded := true
	ack := func(err error) {
		if err != nil {
			succeeded = false
			b.logger.Warn(msgCtx, "Handler reported failure", "event_type", evtType, "error", err)
		}
	}

	for _, handler := range handlers {
		if err := handler(msgCtx, envelope, ack); err != nil {
			succeeded = false
			span.RecordError(err)
			b.metrics.IncConsumeError(msgCtx, msg.Topic)
			b.logger.Error(msgCtx, "Failed to handle message",
				"event_type", evtType,
				"topic", msg.Topic,
				"error", err,
			)
			continue
		}
		b.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	}
	return succeeded
}

func toEnvelope(evtType events.EventType, payload any, msg *sarama.ConsumerMessage) events.EventEnvelope {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil || tracing.IsPropagationHeader(string(h.Key)) {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   headers,
		Timestamp: ts,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler on behalf of the bus
// for one session over topics.
type consumerHandler struct {
	bus    *EventBus
	topics []string

	// unstarted counts claimed partitions whose ConsumeClaim has not begun.
	// Sarama resolves a claim's start offset before calling ConsumeClaim.
	unstarted atomic.Int32
}

const (
	commitInterval    = time.Second
	consumeRetryDelay = time.Second
)

func (h *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.bus.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)

	var claimed int32
	for topic, partitions := range sess.Claims() {
		if slices.Contains(h.topics, topic) {
			claimed += int32(len(partitions))
		}
	}
	if claimed == 0 {
		h.bus.markSessionReady(sess.Context(), h.topics)
		return nil
	}
	h.unstarted.Store(claimed)
	return nil
}

func (h *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.bus.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition. Every message is
// marked once its handlers have run, whatever they returned; redelivery is
// left to the request/reply protocol above the bus.
func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	h.bus.logger.Info(ctx, "Starting to consume from partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)
	if h.unstarted.Add(-1) == 0 {
		h.bus.markSessionReady(ctx, h.topics)
	}

	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.bus.dispatch(ctx, msg)
			sess.MarkMessage(msg, "")

			if time.Since(lastCommit) > commitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.loopStarted
	b.stopRun()
	b.mu.Unlock()

	var errs []error
	if err := b.consumerGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
	}
	if started {
		<-b.loopDone
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close failed")
		b.logger.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	b.logger.Info(ctx, "Closed event bus")
	return nil
}

type subscription struct {
	bus  *EventBus
	id   registry.HandlerID
	once sync.Once
	done chan struct{}
}

// Close implements events.Subscription. The topic stays in the consumed set;
// messages without handlers are marked and skipped.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.registry.UnregisterHandler(context.Background(), s.id)
		close(s.done)
	})
	return nil
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string) {}
func (noopMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopMetrics) IncPublishError(context.Context, string)     {}
func (noopMetrics) IncConsumeError(context.Context, string)     {}
