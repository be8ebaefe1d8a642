// Package relayctl contains the Cobra commands of the relayctl CLI.
package relayctl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/relayq/internal/domain/events"
	"github.com/ahrav/relayq/internal/infra/eventbus"
	"github.com/ahrav/relayq/pkg/common/logger"
	"github.com/ahrav/relayq/pkg/common/otel"
	"github.com/ahrav/relayq/pkg/config"
)

const serviceType = "relayctl"

// ConnectFunc opens the event bus a command talks through.
type ConnectFunc func(cfg config.BusConfig, logger *logger.Logger, tracer trace.Tracer) (events.EventBus, error)

func defaultConnect(cfg config.BusConfig, logger *logger.Logger, tracer trace.Tracer) (events.EventBus, error) {
	return eventbus.Connect(cfg, serviceType, logger, nil, tracer)
}

// Option configures the root command.
type Option func(*rootOptions)

// WithConnect replaces how commands open the event bus.
func WithConnect(fn ConnectFunc) Option {
	return func(o *rootOptions) { o.connect = fn }
}

// WithMeterProvider records command metrics through mp instead of a
// provider owned by each invocation.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *rootOptions) { o.meterProvider = mp }
}

type rootOptions struct {
	connect       ConnectFunc
	meterProvider metric.MeterProvider
	configPath    string
	timeout       time.Duration
	logLevel      string
}

// NewRoot constructs the relayctl root command with the push and pending
// subcommands.
func NewRoot(opts ...Option) *cobra.Command {
	o := &rootOptions{connect: defaultConnect}
	for _, opt := range opts {
		opt(o)
	}

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Push items to relay queues and inspect what is pending",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", os.Getenv("RELAYQ_CONFIG_FILE"), "Path to a YAML config file")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "How long to wait for the queue")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "warn", "Log level written to stderr")

	root.AddCommand(newPushCommand(o), newPendingCommand(o))
	return root
}

// session is the per-invocation state shared by subcommands.
type session struct {
	cfg    *config.Config
	bus    events.EventBus
	logger *logger.Logger
	tracer trace.Tracer
	meter  metric.MeterProvider

	shutdownMeter func(context.Context) error
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(cmd.Context(), o.configPath)
	if err != nil {
		return nil, err
	}

	// Each invocation needs its own consumer group to see replies and
	// broadcasts addressed to it.
	cfg.Bus.Kafka.GroupID = fmt.Sprintf("%s-%s", serviceType, uuid.NewString())
	cfg.Bus.Kafka.ClientID = cfg.Bus.Kafka.GroupID

	log := logger.New(cmd.ErrOrStderr(), logger.ParseLevel(o.logLevel), serviceType, otel.GetTraceID)
	tracer := noop.NewTracerProvider().Tracer(serviceType)

	bus, err := o.connect(cfg.Bus, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("connecting event bus: %w", err)
	}
	sess := &session{cfg: cfg, bus: bus, logger: log, tracer: tracer, meter: o.meterProvider}
	if sess.meter == nil {
		mp := otel.NewMeterProvider(serviceType)
		sess.meter = mp
		sess.shutdownMeter = mp.Shutdown
	}
	return sess, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.bus.Close(); err != nil {
		s.logger.Warn(ctx, "Failed to close event bus", "error", err)
	}
	if s.shutdownMeter != nil {
		if err := s.shutdownMeter(ctx); err != nil {
			s.logger.Warn(ctx, "Failed to shut down meter provider", "error", err)
		}
	}
}
