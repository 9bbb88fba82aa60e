package engine

import (
	"encoding/json"
	"fmt"
)

// ActionState is the state of an action as reported by a plugin handler or
// recorded in a GraphResult.
type ActionState string

const (
	// StateReady indicates the artifact or deployment is current.
	StateReady ActionState = "ready"

	// StateNotReady indicates the action needs processing.
	StateNotReady ActionState = "not-ready"

	// StateProcessing indicates an operation is in progress.
	StateProcessing ActionState = "processing"

	// StateFailed indicates the last operation failed.
	StateFailed ActionState = "failed"

	// StateUnknown indicates the handler could not determine the state.
	StateUnknown ActionState = "unknown"
)

// Validate checks if the action state is valid.
func (s ActionState) Validate() error {
	switch s {
	case StateReady, StateNotReady, StateProcessing, StateFailed, StateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid action state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s ActionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ActionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := ActionState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// DeployStateFromString maps a backend deployment state onto an ActionState.
func DeployStateFromString(s string) ActionState {
	switch s {
	case "ready":
		return StateReady
	case "deploying":
		return StateProcessing
	case "stopped", "outdated", "missing":
		return StateNotReady
	case "unhealthy":
		return StateFailed
	default:
		return StateUnknown
	}
}

// TaskState is a step in the per-task state machine of the scheduler.
type TaskState string

const (
	// TaskStatePending indicates the task waits for its dependencies.
	TaskStatePending TaskState = "pending"

	// TaskStateGettingStatus indicates the status handler is running.
	TaskStateGettingStatus TaskState = "getting-status"

	// TaskStateCached indicates the status was already current.
	TaskStateCached TaskState = "cached"

	// TaskStateProcessing indicates the execute handler is running.
	TaskStateProcessing TaskState = "processing"

	// TaskStateReady indicates the task completed successfully.
	TaskStateReady TaskState = "ready"

	// TaskStateNotReady is the terminal state of a status-only task whose action is not current.
	TaskStateNotReady TaskState = "not-ready"

	// TaskStateFailed indicates the task's own operation failed.
	TaskStateFailed TaskState = "failed"

	// TaskStateAborted indicates a dependency failed or the run was cancelled.
	TaskStateAborted TaskState = "aborted"
)

// IsTerminal returns true if the task state is final.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateReady, TaskStateNotReady, TaskStateFailed, TaskStateAborted:
		return true
	default:
		return false
	}
}

// taskTransitions lists the legal successors of every task state.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:       {TaskStateGettingStatus, TaskStateAborted},
	TaskStateGettingStatus: {TaskStateCached, TaskStateProcessing, TaskStateNotReady, TaskStateFailed, TaskStateAborted},
	TaskStateCached:        {TaskStateReady},
	TaskStateProcessing:    {TaskStateReady, TaskStateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TaskState) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation is the operation a task performs against its handler.
type Operation string

const (
	// OperationGetStatus queries the current state without side effects.
	OperationGetStatus Operation = "getStatus"

	// OperationProcess runs the mutating operation.
	OperationProcess Operation = "process"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationGetStatus, OperationProcess:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}
