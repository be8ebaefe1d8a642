// Package config defines the relayq process configuration and the loaders
// that produce it.
package config

import (
	"errors"
	"fmt"
	"time"
)

// BusDriver enumerates the supported event bus implementations.
type BusDriver string

const (
	BusDriverMemory BusDriver = "memory"
	BusDriverKafka  BusDriver = "kafka"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Bus       BusConfig       `yaml:"bus"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServiceConfig identifies the process in logs and telemetry.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint keeps
// telemetry in-process.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// BusConfig selects and configures the event bus.
type BusConfig struct {
	Driver BusDriver   `yaml:"driver"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds broker addresses, topics and consumer identity.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	RequestTopic   string        `yaml:"request_topic"`
	ReplyTopic     string        `yaml:"reply_topic"`
	BroadcastTopic string        `yaml:"broadcast_topic"`
	GroupID        string        `yaml:"group_id"`
	ClientID       string        `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ReadyTimeout bounds how long a subscription waits for the consumer
	// group to start consuming its topics.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// QueueConfig names the queue a process serves and where it lives.
type QueueConfig struct {
	Name string `yaml:"name"`
	Area string `yaml:"area,omitempty"`
	// PendingTTL expires items that stay pending longer than this. Zero
	// keeps them until they are completed or removed.
	PendingTTL time.Duration `yaml:"pending_ttl,omitempty"`
}

// WorkerConfig tunes the worker daemon.
type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	ReconcileOnStart bool          `yaml:"reconcile_on_start"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "relayq", LogLevel: "info"},
		Telemetry: TelemetryConfig{
			SampleRatio: 0.1,
		},
		Bus: BusConfig{
			Driver: BusDriverMemory,
			Kafka: KafkaConfig{
				RequestTopic:   "relayq.requests",
				ReplyTopic:     "relayq.replies",
				BroadcastTopic: "relayq.broadcasts",
				ConnectTimeout: 5 * time.Minute,
				ReadyTimeout:   30 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			BatchSize:        16,
			FlushInterval:    100 * time.Millisecond,
			ReconcileOnStart: true,
			FetchTimeout:     5 * time.Second,
		},
	}
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio))
	}
	if c.Worker.Concurrency < 0 || c.Worker.BatchSize < 0 {
		errs = append(errs, errors.New("worker.concurrency and worker.batch_size must not be negative"))
	}

	switch c.Bus.Driver {
	case BusDriverMemory:
	case BusDriverKafka:
		k := c.Bus.Kafka
		if len(k.Brokers) == 0 {
			errs = append(errs, errors.New("bus.kafka.brokers is required for the kafka driver"))
		}
		if k.RequestTopic == "" || k.ReplyTopic == "" || k.BroadcastTopic == "" {
			errs = append(errs, errors.New("bus.kafka topics are required for the kafka driver"))
		}
		if k.GroupID == "" {
			errs = append(errs, errors.New("bus.kafka.group_id is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}

	return errors.Join(errs...)
}
