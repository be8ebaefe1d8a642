package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/relayq/internal/app/worker"
	"github.com/ahrav/relayq/internal/infra/eventbus"
	"github.com/ahrav/relayq/pkg/common/logger"
	"github.com/ahrav/relayq/pkg/common/otel"
	"github.com/ahrav/relayq/pkg/config"
)

const (
	serviceType = "relay-worker"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, os.Getenv("RELAYQ_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrsJSON, err := json.Marshal(errorEventAttrs(ctx, r))
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"queue":    cfg.Queue.Name,
	}
	logger := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Service.LogLevel),
		svcName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	tel, telemetryTeardown, err := otel.InitTelemetry(logger, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(context.Background())

	tracer := tel.TracerProvider.Tracer(cfg.Service.Name)

	metrics, err := worker.NewWorkerMetrics(tel.MeterProvider)
	if err != nil {
		logger.Error(ctx, "failed to create worker metrics", "error", err)
		os.Exit(1)
	}

	bus, err := eventbus.Connect(cfg.Bus, serviceType, logger, metrics, tracer)
	if err != nil {
		logger.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error(context.Background(), "failed to close event bus", "error", err)
		}
	}()
	logger.Info(ctx, "Event bus connected", "driver", cfg.Bus.Driver)

	w, err := worker.New(bus, worker.EchoProcessor, worker.Config{
		QueueName:        cfg.Queue.Name,
		Area:             cfg.Queue.Area,
		Concurrency:      cfg.Worker.Concurrency,
		RatePerSecond:    cfg.Worker.RatePerSecond,
		Burst:            cfg.Worker.Burst,
		BatchSize:        cfg.Worker.BatchSize,
		FlushInterval:    cfg.Worker.FlushInterval,
		ReconcileOnStart: cfg.Worker.ReconcileOnStart,
		FetchTimeout:     cfg.Worker.FetchTimeout,
	},
		worker.WithLogger(logger),
		worker.WithTracer(tracer),
		worker.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error(ctx, "failed to create worker", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		select {
		case <-w.Ready():
			logger.Info(gctx, "Worker ready")
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "Worker error", "error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Shutdown complete")
}

// errorEventAttrs flattens an error record and the span it was logged under
// into the attributes reported by the error hook.
func errorEventAttrs(ctx context.Context, r logger.Record) map[string]any {
	attrs := map[string]any{
		"error_message": r.Message,
		"error_time":    r.Time.UTC().Format(time.RFC3339),
		"trace_id":      otel.GetTraceID(ctx),
		"span_id":       otel.GetSpanID(ctx),
	}
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	return attrs
}
