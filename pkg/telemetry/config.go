package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds the logging, tracing, metrics and event settings of a CLI
// session.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to every exported span.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file path. Empty selects the writer
	// passed to NewTelemetry.
	Output string

	// Caller adds file:line to every entry.
	Caller bool

	// SampleBurst, when positive, logs at most SampleBurst entries per
	// second and every SampleEvery-th entry after that.
	SampleBurst int `validate:"gte=0"`
	SampleEvery int `validate:"required_with=SampleBurst,gte=0"`

	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms kitchen"`
	NoColor    bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. none records spans without
	// exporting them.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gt=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"required_if=Enabled true"`
	Namespace     string

	// Buckets are the task duration histogram buckets in seconds.
	Buckets []float64
}

// EventsConfig configures the action event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue between the scheduler and subscribers.
	// Events beyond it are dropped.
	BufferSize int `validate:"required_if=Async true,gte=0"`

	// Async delivers on a background goroutine. Otherwise Emit delivers
	// synchronously.
	Async bool
}

// DefaultConfig returns the settings used when the project sets none.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agraph",
		ServiceVersion: "dev",
		Environment:    "local",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			TimeFormat: "rfc3339",
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
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "agraph",
			Buckets:       []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
			Async:      true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
