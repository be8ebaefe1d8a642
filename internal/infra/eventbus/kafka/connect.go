package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/relayq/pkg/common/logger"
)

// ConnectEventBus establishes the Kafka event bus with exponential backoff.
// Configuration errors are not retried; connection failures are retried for
// up to maxElapsed (five minutes when zero).
func ConnectEventBus(
	cfg *Config,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
	maxElapsed time.Duration,
) (*EventBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Minute
	}

	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	attempt := 0
	operation := func() error {
		attempt++
		var err error
		bus, err = NewEventBusFromConfig(cfg, logger, metrics, tracer)
		if err != nil {
			logger.Warn(context.Background(), "Kafka connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return bus, nil
}
