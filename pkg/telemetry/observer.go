package telemetry

import (
	"context"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"go.opentelemetry.io/otel/trace"
)

// Observer implements engine.TaskObserver with spans and Prometheus metrics.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	log     *Logger
}

var _ engine.TaskObserver = (*Observer)(nil)

// NewObserver creates an observer. Any argument may be nil.
func NewObserver(tracer *Tracer, metrics *Metrics, log *Logger) *Observer {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Observer{tracer: tracer, metrics: metrics, log: log}
}

// RunStarted implements engine.TaskObserver.
func (o *Observer) RunStarted(ctx context.Context, sessionID string, tasks int) (context.Context, func(error)) {
	timer := NewTimer()
	span := trace.SpanFromContext(ctx)
	if o.tracer != nil {
		ctx, span = o.tracer.StartRunSpan(ctx, sessionID, tasks)
	}

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = "failed"
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.SetAttributes(AttrRunStatus.String(status))
		if o.tracer != nil {
			span.End()
		}
		o.metrics.RecordRun(status, timer.Duration())
		if o.log != nil {
			o.log.Zerolog().Debug().
				Str("session", sessionID).
				Str("status", status).
				Dur("duration", timer.Duration()).
				Msg("Run finished")
		}
	}
}

// OperationStarted implements engine.TaskObserver.
func (o *Observer) OperationStarted(ctx context.Context, task *engine.Task, op engine.Operation) (context.Context, func(engine.TaskState, error)) {
	timer := NewTimer()
	o.metrics.TaskStarted()

	span := trace.SpanFromContext(ctx)
	if o.tracer != nil {
		ctx, span = o.tracer.StartOperationSpan(ctx, task.Key(), task.Action().Type(), string(op), task.Version())
	}

	return ctx, func(state engine.TaskState, err error) {
		span.SetAttributes(AttrTaskState.String(string(state)))
		if err != nil {
			span.SetAttributes(AttrErrorType.String(string(engine.ErrorTypeOf(err))))
			RecordError(span, err)
			o.metrics.RecordError(string(engine.ErrorTypeOf(err)))
		} else {
			RecordSuccess(span)
		}
		if o.tracer != nil {
			span.End()
		}
		o.metrics.RecordTaskOperation(task.Type(), string(op), string(state), timer.Duration())
	}
}

// CacheHit implements engine.TaskObserver.
func (o *Observer) CacheHit(task *engine.Task) {
	o.metrics.RecordCacheHit(task.Type())
}
