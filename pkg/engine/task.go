package engine

import (
	"fmt"
	"strings"
)

// Task binds one resolved action to one scheduling run.
type Task struct {
	action *ResolvedAction
	force  bool
}

// NewTask creates a task for a resolved action.
func NewTask(action *ResolvedAction, force bool) *Task {
	return &Task{action: action, force: force}
}

// Key returns the identity key, e.g. "build.api".
func (t *Task) Key() string {
	return TaskKey(t.action.Kind(), t.action.Name())
}

// Action returns the resolved action.
func (t *Task) Action() *ResolvedAction { return t.action }

// Type returns the task type, the lowercase action kind.
func (t *Task) Type() string { return t.action.Kind().Lower() }

// Force reports whether the task was created with force.
func (t *Task) Force() bool { return t.force }

// Description returns a human readable description of the task.
func (t *Task) Description() string {
	return fmt.Sprintf("%s %s", strings.ToLower(string(t.action.Kind())), t.action.Name())
}

// Version returns the module version string of the action.
func (t *Task) Version() string { return t.action.VersionString() }

// String implements fmt.Stringer.
func (t *Task) String() string { return t.Key() }

// TaskKey returns the identity key for a kind and name.
func TaskKey(kind ActionKind, name string) string {
	return ActionReference{Kind: kind, Name: name}.String()
}
