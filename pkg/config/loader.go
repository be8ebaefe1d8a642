package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// DefaultLoader returns Default().
type DefaultLoader struct{}

// Load implements Loader.
func (DefaultLoader) Load(context.Context) (*Config, error) { return Default(), nil }

// FileLoader loads configuration from a file on disk. Values absent from the
// file keep their defaults.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// EnvPrefix is prepended to every environment override, e.g.
// RELAYQ_QUEUE_NAME for queue.name.
const EnvPrefix = "RELAYQ"

// EnvLoader overlays environment variables on the configuration produced by
// another loader.
type EnvLoader struct {
	base Loader
	v    *viper.Viper
}

// NewEnvLoader wraps base. A nil base starts from Default().
func NewEnvLoader(base Loader) *EnvLoader {
	if base == nil {
		base = DefaultLoader{}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &EnvLoader{base: base, v: v}
}

type envBinding struct {
	key   string
	apply func(v *viper.Viper, key string, cfg *Config)
}

var envBindings = []envBinding{
	{"service.name", func(v *viper.Viper, k string, c *Config) { c.Service.Name = v.GetString(k) }},
	{"service.log_level", func(v *viper.Viper, k string, c *Config) { c.Service.LogLevel = v.GetString(k) }},

	{"telemetry.endpoint", func(v *viper.Viper, k string, c *Config) { c.Telemetry.Endpoint = v.GetString(k) }},
	{"telemetry.sample_ratio", func(v *viper.Viper, k string, c *Config) { c.Telemetry.SampleRatio = v.GetFloat64(k) }},
	{"telemetry.insecure", func(v *viper.Viper, k string, c *Config) { c.Telemetry.Insecure = v.GetBool(k) }},

	{"bus.driver", func(v *viper.Viper, k string, c *Config) { c.Bus.Driver = BusDriver(v.GetString(k)) }},
	{"bus.kafka.brokers", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.Brokers = splitList(v.GetString(k)) }},
	{"bus.kafka.request_topic", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.RequestTopic = v.GetString(k) }},
	{"bus.kafka.reply_topic", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.ReplyTopic = v.GetString(k) }},
	{"bus.kafka.broadcast_topic", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.BroadcastTopic = v.GetString(k) }},
	{"bus.kafka.group_id", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.GroupID = v.GetString(k) }},
	{"bus.kafka.client_id", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.ClientID = v.GetString(k) }},
	{"bus.kafka.connect_timeout", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.ConnectTimeout = v.GetDuration(k) }},
	{"bus.kafka.ready_timeout", func(v *viper.Viper, k string, c *Config) { c.Bus.Kafka.ReadyTimeout = v.GetDuration(k) }},

	{"queue.name", func(v *viper.Viper, k string, c *Config) { c.Queue.Name = v.GetString(k) }},
	{"queue.area", func(v *viper.Viper, k string, c *Config) { c.Queue.Area = v.GetString(k) }},
	{"queue.pending_ttl", func(v *viper.Viper, k string, c *Config) { c.Queue.PendingTTL = v.GetDuration(k) }},

	{"worker.concurrency", func(v *viper.Viper, k string, c *Config) { c.Worker.Concurrency = v.GetInt(k) }},
	{"worker.rate_per_second", func(v *viper.Viper, k string, c *Config) { c.Worker.RatePerSecond = v.GetFloat64(k) }},
	{"worker.burst", func(v *viper.Viper, k string, c *Config) { c.Worker.Burst = v.GetInt(k) }},
	{"worker.batch_size", func(v *viper.Viper, k string, c *Config) { c.Worker.BatchSize = v.GetInt(k) }},
	{"worker.flush_interval", func(v *viper.Viper, k string, c *Config) { c.Worker.FlushInterval = v.GetDuration(k) }},
	{"worker.reconcile_on_start", func(v *viper.Viper, k string, c *Config) { c.Worker.ReconcileOnStart = v.GetBool(k) }},
	{"worker.fetch_timeout", func(v *viper.Viper, k string, c *Config) { c.Worker.FetchTimeout = v.GetDuration(k) }},
}

// Load implements Loader. Only variables that are set override the base.
func (l *EnvLoader) Load(ctx context.Context) (*Config, error) {
	cfg, err := l.base.Load(ctx)
	if err != nil {
		return nil, err
	}

	for _, b := range envBindings {
		if l.v.IsSet(b.key) {
			b.apply(l.v, b.key, cfg)
		}
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads path when it is non-empty and overlays the environment.
func Load(ctx context.Context, path string) (*Config, error) {
	var base Loader
	if path != "" {
		base = NewFileLoader(path)
	}
	return NewEnvLoader(base).Load(ctx)
}
