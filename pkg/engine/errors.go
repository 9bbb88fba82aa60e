package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
)

// ErrorType classifies an engine error. The string values are stable and appear
// in exported results and events.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates an invalid user declaration.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeValidation indicates a schema or shape violation.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypePlugin indicates that a plugin handler misbehaved.
	ErrorTypePlugin ErrorType = "plugin"

	// ErrorTypeTemplateString indicates an unresolvable template expression.
	ErrorTypeTemplateString ErrorType = "template-string"

	// ErrorTypeTimeout indicates that an operation exceeded its declared timeout.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRuntime is a generic failure wrapping an underlying cause.
	ErrorTypeRuntime ErrorType = "runtime"

	// ErrorTypeInternal indicates a defect in the engine itself.
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeNotFound indicates an unknown action or task reference.
	ErrorTypeNotFound ErrorType = "not-found"

	// ErrorTypeGraphCycle indicates a circular dependency between actions.
	ErrorTypeGraphCycle ErrorType = "graph-cycle"
)

const internalErrorSuffix = "\nThis is a bug. Please report it!"

// EngineError is a classified error with structured context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Type is the error classification.
	Type ErrorType `json:"type"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Action is the key of the action that caused the error, if any.
	Action string `json:"action,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Detail holds additional diagnostic data. Only whitelisted keys are exported.
	Detail map[string]interface{} `json:"detail,omitempty"`

	// Stack is captured for internal errors only.
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Action != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (action=%s, operation=%s)", msg, e.Action, e.Operation)
	} else if e.Action != "" {
		msg = fmt.Sprintf("%s (action=%s)", msg, e.Action)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Type, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *EngineError of the same type.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

func newError(typ ErrorType, message string, err error) *EngineError {
	return &EngineError{Type: typ, Message: message, Err: err}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorTypeConfiguration, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorTypeValidation, message, err)
}

// NewPluginError creates a new plugin error.
func NewPluginError(message string, err error) *EngineError {
	return newError(ErrorTypePlugin, message, err)
}

// NewTemplateStringError creates a new template string error for the given expression.
func NewTemplateStringError(message, expression string, err error) *EngineError {
	return newError(ErrorTypeTemplateString, message, err).WithDetail("expression", expression)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorTypeTimeout, message, err)
}

// NewRuntimeError creates a new runtime error.
func NewRuntimeError(message string, err error) *EngineError {
	return newError(ErrorTypeRuntime, message, err)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorTypeNotFound, message, err)
}

// NewInternalError creates a new internal error. Internal errors are engine
// defects: they carry a stack trace and are never silently recovered.
func NewInternalError(message string, err error) *EngineError {
	e := newError(ErrorTypeInternal, message+internalErrorSuffix, err)
	e.Stack = string(debug.Stack())
	return e
}

// NewGraphCycleError creates a cycle error naming every action on the cycle.
func NewGraphCycleError(cycle []string) *EngineError {
	return newError(ErrorTypeGraphCycle,
		fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
		WithDetail("cycle", append([]string(nil), cycle...))
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(key string) *EngineError {
	e.Action = key
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// ToEngineError returns err as an *EngineError, wrapping foreign errors as
// runtime errors. Context deadline errors become timeout errors.
func ToEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("operation timed out", err)
	}
	return NewRuntimeError(err.Error(), err)
}

// ErrorTypeOf returns the type of err, or the empty string if err is not an engine error.
func ErrorTypeOf(err error) ErrorType {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsConfigurationError returns true if err is a configuration error.
func IsConfigurationError(err error) bool { return ErrorTypeOf(err) == ErrorTypeConfiguration }

// IsValidationError returns true if err is a validation error.
func IsValidationError(err error) bool { return ErrorTypeOf(err) == ErrorTypeValidation }

// IsPluginError returns true if err is a plugin error.
func IsPluginError(err error) bool { return ErrorTypeOf(err) == ErrorTypePlugin }

// IsTemplateStringError returns true if err is a template string error.
func IsTemplateStringError(err error) bool { return ErrorTypeOf(err) == ErrorTypeTemplateString }

// IsTimeoutError returns true if err is a timeout error.
func IsTimeoutError(err error) bool { return ErrorTypeOf(err) == ErrorTypeTimeout }

// IsRuntimeError returns true if err is a runtime error.
func IsRuntimeError(err error) bool { return ErrorTypeOf(err) == ErrorTypeRuntime }

// IsInternalError returns true if err is an internal error.
func IsInternalError(err error) bool { return ErrorTypeOf(err) == ErrorTypeInternal }

// IsNotFoundError returns true if err is a not-found error.
func IsNotFoundError(err error) bool { return ErrorTypeOf(err) == ErrorTypeNotFound }

// IsGraphCycleError returns true if err is a cycle error.
func IsGraphCycleError(err error) bool { return ErrorTypeOf(err) == ErrorTypeGraphCycle }

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
