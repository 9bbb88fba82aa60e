package policy

import (
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// blocking reports whether a deny of this severity stops a run.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode is the enforcement mode.
type Mode string

const (
	// ModeEnforcing turns blocking violations into configuration errors.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory reports every violation as a warning.
	ModeAdvisory Mode = "advisory"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module defines deny and/or
	// warn sets of strings or objects with a "message" key.
	Rego string `json:"rego"`

	// Severity is the default severity of deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one deny or warn result for one action.
type Violation struct {
	// Policy is the name of the policy that produced the result.
	Policy string `json:"policy"`

	// Action is the key of the offending action.
	Action string `json:"action,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details holds extra keys of object results.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating policies over a set of actions.
type Result struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are deny results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are warn results and non-blocking denies.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluatedPolicies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Action  ActionInput `json:"action"`
	Context Context     `json:"context"`
}

// ActionInput describes a resolved action to policies.
type ActionInput struct {
	Key          string                 `json:"key"`
	Kind         string                 `json:"kind"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Description  string                 `json:"description,omitempty"`
	Dependencies []string               `json:"dependencies"`
	Disabled     bool                   `json:"disabled"`
	Version      string                 `json:"version"`
	SourcePath   string                 `json:"sourcePath"`
	Spec         map[string]interface{} `json:"spec"`

	// TimeoutSeconds is the effective timeout. TimeoutDeclared is false
	// when the default applies.
	TimeoutSeconds  float64 `json:"timeoutSeconds"`
	TimeoutDeclared bool    `json:"timeoutDeclared"`
}

// Context describes the run being checked.
type Context struct {
	// Project is the project name.
	Project string `json:"project,omitempty"`

	// Command is the CLI command, e.g. "deploy".
	Command string `json:"command,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewActionInput converts a resolved action.
func NewActionInput(action *engine.ResolvedAction) ActionInput {
	cfg := action.Action().Config()
	deps := make([]string, 0, len(action.Action().Dependencies()))
	for _, d := range action.Action().Dependencies() {
		deps = append(deps, d.Ref.String())
	}
	spec := action.Spec()
	if spec == nil {
		spec = map[string]interface{}{}
	}
	return ActionInput{
		Key:             action.Key(),
		Kind:            strings.ToLower(string(action.Kind())),
		Name:            action.Name(),
		Type:            action.Type(),
		Description:     cfg.Description,
		Dependencies:    deps,
		Disabled:        action.IsDisabled(),
		Version:         action.VersionString(),
		SourcePath:      action.SourcePath(),
		Spec:            spec,
		TimeoutSeconds:  action.Timeout().Seconds(),
		TimeoutDeclared: cfg.Timeout > 0,
	}
}
