// Package eventbus selects and connects the configured event bus driver.
package eventbus

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/infra/eventbus/kafka"
	"github.com/ahrav/relayq/internal/infra/eventbus/memory"
	"github.com/ahrav/relayq/pkg/common/logger"
	"github.com/ahrav/relayq/pkg/config"
)

var (
	_ events.EventBus = (*memory.Bus)(nil)
	_ events.EventBus = (*kafka.EventBus)(nil)
)

// Connect builds the bus selected by cfg.Driver. The Kafka driver retries the
// connection for up to cfg.Kafka.ConnectTimeout.
func Connect(
	cfg config.BusConfig,
	serviceType string,
	logger *logger.Logger,
	metrics kafka.BrokerMetrics,
	tracer trace.Tracer,
) (events.EventBus, error) {
	switch cfg.Driver {
	case config.BusDriverMemory, "":
		return memory.NewBus(logger, tracer), nil
	case config.BusDriverKafka:
		k := cfg.Kafka
		clientID := k.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("%s-%s", serviceType, k.GroupID)
		}
		return kafka.ConnectEventBus(&kafka.Config{
			Brokers:        k.Brokers,
			RequestTopic:   k.RequestTopic,
			ReplyTopic:     k.ReplyTopic,
			BroadcastTopic: k.BroadcastTopic,
			GroupID:        k.GroupID,
			ClientID:       clientID,
			ServiceType:    serviceType,
			ReadyTimeout:   k.ReadyTimeout,
		}, logger, metrics, tracer, k.ConnectTimeout)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
