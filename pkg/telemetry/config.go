package telemetry

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config is the telemetry section of the confdeploy configuration file.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Environment names the preset last applied by ApplyEnvironment and is
	// exported as the deployment.environment resource attribute.
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`

	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json

	// Output is stdout, stderr or a file path opened for append.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// Sampling keeps SamplingInitial lines per second, then every
	// SamplingThereafter-th line.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	TimeFormat string `yaml:"time_format"` // rfc3339, unix, unixms or unixmicro
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp, stdout or none

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize is the initial capacity of each subscriber queue.
	// Queues grow past it; events are never dropped.
	BufferSize int `yaml:"buffer_size"`

	// EnableAsync delivers events from per-subscriber goroutines.
	// When false, Publish delivers to every subscriber before returning.
	EnableAsync bool `yaml:"enable_async"`
}

// Environment presets accepted by ApplyEnvironment.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "confdeploy",
		ServiceVersion: "dev",
		Environment:    EnvironmentDevelopment,
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "confdeploy",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ApplyEnvironment overlays a preset on c. Development logs everything to the
// console with callers; production logs sampled JSON with unix timestamps
// and, when tracing is enabled, samples a tenth of the jobs over TLS.
// Settings outside the preset are left alone.
func (c *Config) ApplyEnvironment(env string) error {
	switch env {
	case EnvironmentDevelopment:
		c.Logging.Level = "debug"
		c.Logging.Format = "console"
		c.Logging.EnableCaller = true
		c.Logging.EnableSampling = false
		c.Tracing.SamplingRate = 1.0
	case EnvironmentProduction:
		c.Logging.Level = "info"
		c.Logging.Format = "json"
		c.Logging.EnableCaller = false
		c.Logging.EnableSampling = true
		c.Logging.TimeFormat = "unix"
		c.Tracing.SamplingRate = 0.1
		c.Tracing.Insecure = false
	default:
		return fmt.Errorf("unknown environment %q (want %s or %s)", env, EnvironmentDevelopment, EnvironmentProduction)
	}
	c.Environment = env
	return nil
}

var (
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.ServiceName == "" {
		add("service name is required")
	}
	if c.ServiceVersion == "" {
		add("service version is required")
	}
	if !validLevels[c.Logging.Level] {
		add("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		add("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		add("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		add("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		add("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return result.ErrorOrNil()
}
