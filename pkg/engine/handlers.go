package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ActionStatus is what a handler reports about an action.
type ActionStatus struct {
	// State is the action state after the call.
	State ActionState `json:"state"`

	// Detail is handler-specific data. Only whitelisted keys are exported.
	Detail map[string]interface{} `json:"detail,omitempty"`

	// Outputs are the runtime outputs of the action.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Attached is set when the effect intentionally outlives the run.
	Attached bool `json:"attached,omitempty"`
}

// HandlerParams is passed to status and execute handlers.
type HandlerParams struct {
	// Action is the resolved action being operated on.
	Action *ResolvedAction

	// DependencyResults holds the settled results of the task's dependencies,
	// keyed by task key, without task back-references.
	DependencyResults map[string]*GraphResult

	// Force is set when the caller requested reprocessing.
	Force bool

	// Log is scoped to the action.
	Log zerolog.Logger

	// Locks is the resource-keyed lock table shared by all handlers of a run.
	Locks *KeyedMutex
}

// StatusHandler reports the current state of an action.
type StatusHandler func(ctx context.Context, params *HandlerParams) (*ActionStatus, error)

// ExecuteHandler runs the mutating operation of an action.
type ExecuteHandler func(ctx context.Context, params *HandlerParams) (*ActionStatus, error)

// ValidateHandler checks a resolved action. Failures become configuration errors.
type ValidateHandler func(ctx context.Context, action *ResolvedAction) error

// OutputsHandler returns the static outputs of a resolved action.
type OutputsHandler func(ctx context.Context, action *ResolvedAction) (map[string]interface{}, error)

// ActionHandlers is the function table for one (kind, type) pair.
type ActionHandlers struct {
	GetStatus  StatusHandler
	Execute    ExecuteHandler
	Validate   ValidateHandler
	GetOutputs OutputsHandler

	// Interruptible handlers receive a context that is cancelled when the run
	// is aborted. Others are allowed to finish.
	Interruptible bool
}

// HandlerLookup resolves the function table for an action kind and type.
type HandlerLookup interface {
	Handlers(kind ActionKind, actionType string) (*ActionHandlers, error)
}

// taskVariant is the tagged union dispatched by the scheduler.
type taskVariant struct {
	Kind      ActionKind
	Operation Operation
}

// call dispatches a status or execute call for the given variant.
func (h *ActionHandlers) call(ctx context.Context, v taskVariant, params *HandlerParams) (*ActionStatus, error) {
	var (
		status *ActionStatus
		err    error
	)
	switch v.Operation {
	case OperationGetStatus:
		if h.GetStatus == nil {
			// A type without a status handler is never current.
			return &ActionStatus{State: StateNotReady}, nil
		}
		status, err = h.GetStatus(ctx, params)
	case OperationProcess:
		if h.Execute == nil {
			return nil, NewPluginError(fmt.Sprintf("no %s handler for %s", v.Operation, v.Kind), nil)
		}
		status, err = h.Execute(ctx, params)
	default:
		return nil, NewInternalError(fmt.Sprintf("unknown operation %q", v.Operation), nil)
	}
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, NewPluginError(fmt.Sprintf("%s handler returned no status", v.Operation), nil)
	}
	if err := status.State.Validate(); err != nil {
		return nil, NewPluginError(fmt.Sprintf("%s handler returned an invalid state", v.Operation), err)
	}
	return status, nil
}

// TaskObserver receives task lifecycle callbacks for metrics and tracing.
type TaskObserver interface {
	// RunStarted is called once per Process call and returns a context for the run.
	RunStarted(ctx context.Context, sessionID string, tasks int) (context.Context, func(err error))

	// OperationStarted is called before a handler call. The returned function
	// is called with the resulting task state when the call returns.
	OperationStarted(ctx context.Context, task *Task, op Operation) (context.Context, func(state TaskState, err error))

	// CacheHit is called when a task settles from a current status.
	CacheHit(task *Task)
}

type noopObserver struct{}

func (noopObserver) RunStarted(ctx context.Context, _ string, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (noopObserver) OperationStarted(ctx context.Context, _ *Task, _ Operation) (context.Context, func(TaskState, error)) {
	return ctx, func(TaskState, error) {}
}

func (noopObserver) CacheHit(*Task) {}

// VarfileLoader loads variables from a varfile path.
type VarfileLoader func(path string) (map[string]interface{}, error)

// since returns the elapsed time rounded for logging.
func since(t time.Time) time.Duration {
	return time.Since(t).Round(time.Millisecond)
}
