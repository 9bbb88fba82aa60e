package engine

import (
	"time"
)

// ActionEvent is emitted by the scheduler on every task state change.
type ActionEvent struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// SessionID identifies the Process call that emitted the event.
	SessionID string `json:"sessionId"`

	ActionName    string     `json:"actionName"`
	ActionKind    ActionKind `json:"actionKind"`
	ActionType    string     `json:"actionType"`
	ActionVersion string     `json:"actionVersion"`
	ActionUID     string     `json:"actionUid"`

	// Operation is getStatus or process.
	Operation Operation `json:"operation"`

	// State is the task state reached.
	State TaskState `json:"state"`

	// Status is the handler-reported status, when available.
	Status *ActionStatus `json:"status,omitempty"`

	// Force is copied from the process options.
	Force bool `json:"force"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Error is the error message for failed operations.
	Error string `json:"error,omitempty"`
}

// Key returns the base key of the event's action.
func (e *ActionEvent) Key() string {
	return ActionReference{Kind: e.ActionKind, Name: e.ActionName}.String()
}

// EventSink receives action events. Emit must not block for long.
type EventSink interface {
	Emit(event ActionEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event ActionEvent)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(event ActionEvent) { f(event) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(event ActionEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}
