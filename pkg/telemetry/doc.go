// Package telemetry provides observability for actiongraph runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and action event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version.Version
//
//	tel, err := telemetry.NewTelemetry(cfg, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Wire it into the scheduler:
//
//	scheduler := engine.NewTaskGraphScheduler(resolved, handlers,
//	    engine.WithEventSink(tel.Events),
//	    engine.WithTaskObserver(tel.Observer()),
//	    engine.WithSchedulerLogger(tel.Logger.Component("scheduler").Zerolog()),
//	)
//
// # Events
//
// The EventPublisher implements engine.EventSink. Emit never blocks the
// scheduler; when the buffer is full the event is dropped and counted.
// Subscribers run on a single goroutine in emission order, so a history
// store subscribed to the publisher sees an action's events in the order
// the scheduler produced them.
//
// # Metrics
//
// All metrics are prefixed with the configured namespace (default "agraph"):
//
//   - tasks_total{kind,operation,state}
//   - task_duration_seconds{kind,operation}
//   - tasks_in_flight
//   - cache_hits_total{kind}
//   - graph_runs_total{status}
//   - graph_run_duration_seconds
//   - resolve_duration_seconds
//   - errors_total{type}
//
// # Tracing
//
// Each Process call produces a "graph.process" span with one child span per
// handler call ("task.getStatus", "task.process"). Spans can be exported via
// OTLP over gRPC or written to a writer for debugging.
package telemetry
