package telemetry_test

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/telemetry"
)

// Example_basicSetup demonstrates building telemetry for a CLI session.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Format = "json"

	tel, err := telemetry.NewTelemetry(cfg, os.Stderr)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// No-op unless metrics are enabled.
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	tel.Logger.Component("cli").Info("Session started")
}

// Example_structuredLogging demonstrates structured logging fields.
func Example_structuredLogging() {
	logger := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, io.Discard)

	logger = logger.Component("scheduler").
		WithSession("3b1f").
		WithTask("build.api", "v-0123456789")

	logger.Debug("hidden below info")
	logger.Info("Processing action")
}

// Example_eventPublishing demonstrates subscribing to action events.
func Example_eventPublishing() {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		panic(err)
	}

	events.Subscribe(func(ev engine.ActionEvent) {
		fmt.Printf("%s %s -> %s\n", ev.Key(), ev.Operation, ev.State)
	}, telemetry.FilterByKind(engine.KindBuild))

	events.Emit(engine.ActionEvent{ActionKind: engine.KindBuild, ActionName: "api", Operation: engine.OperationProcess, State: engine.TaskStateProcessing})
	events.Emit(engine.ActionEvent{ActionKind: engine.KindDeploy, ActionName: "api", Operation: engine.OperationProcess, State: engine.TaskStateProcessing})
	events.Emit(engine.ActionEvent{ActionKind: engine.KindBuild, ActionName: "api", Operation: engine.OperationProcess, State: engine.TaskStateReady})

	// Output:
	// build.api process -> processing
	// build.api process -> ready
}
