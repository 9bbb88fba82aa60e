package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a
// session.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	logFile *os.File
}

// NewTelemetry validates cfg and builds every component. Logs go to
// cfg.Logging.Output, or to w when no output is set.
func NewTelemetry(cfg *Config, w io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	out, logFile, err := OpenOutput(cfg.Logging.Output, w)
	if err != nil {
		return nil, err
	}
	logging := cfg.Logging
	if logFile != nil {
		logging.NoColor = true
	}

	fail := func(err error) (*Telemetry, error) {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to create tracer: %w", err))
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return fail(fmt.Errorf("failed to create metrics: %w", err))
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return fail(fmt.Errorf("failed to create event publisher: %w", err))
	}

	return &Telemetry{
		Logger:  NewLogger(logging, out),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
		logFile: logFile,
	}, nil
}

// Observer returns a task observer that records spans and metrics.
func (t *Telemetry) Observer() *Observer {
	return NewObserver(t.Tracer, t.Metrics, t.Logger.Component("scheduler"))
}

// Shutdown delivers buffered events, stops the metrics server, flushes
// spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
	if t.logFile != nil {
		err = errors.Join(err, t.logFile.Close())
		t.logFile = nil
	}
	return err
}

// StartMetricsServer serves the metrics endpoint when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(func(err error) {
		t.Logger.WithError(err).Error("Metrics server failed")
	})
}
