package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

const (
	// ProjectFile is the project configuration file name.
	ProjectFile = "agraph.yaml"

	// DefaultStateDir holds run history and caches, relative to the project root.
	DefaultStateDir = ".agraph"

	// DefaultStarlarkTimeout bounds starlark varfile evaluation.
	DefaultStarlarkTimeout = 10 * time.Second
)

// ProjectConfig is the content of agraph.yaml.
type ProjectConfig struct {
	// Name is the project name.
	Name string `json:"name" yaml:"name" validate:"required,max=63"`

	// Variables are visible to every action as var.*.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Varfiles are loaded in order over Variables, relative to the project root.
	Varfiles []string `json:"varfiles,omitempty" yaml:"varfiles,omitempty"`

	// Plugins configures the bundled plugins by name.
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty" validate:"dive"`

	// Defaults apply to every run.
	Defaults DefaultsConfig `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Policy configures the policy gate.
	Policy PolicyConfig `json:"policy,omitempty" yaml:"policy,omitempty"`

	// StateDir is where run history is kept (default: .agraph).
	StateDir string `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// PluginConfig enables a plugin and passes it configuration.
type PluginConfig struct {
	// Name is the registered plugin name, e.g. "exec".
	Name string `json:"name" yaml:"name" validate:"required"`

	// Config is plugin-specific configuration.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// DefaultsConfig holds run defaults that CLI flags override.
type DefaultsConfig struct {
	// Concurrency is the default concurrency limit. Zero selects the engine default.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0"`

	// Timeout is the default action timeout for actions that set none.
	Timeout engine.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is a directory of .rego files, relative to the project root.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Builtins lists the built-in policies to load, e.g. "require-timeout".
	Builtins []string `json:"builtins,omitempty" yaml:"builtins,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// TelemetryConfig is the project-level subset of telemetry settings.
type TelemetryConfig struct {
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" validate:"omitempty,oneof=json console"`

	// LogOutput is stderr (default), stdout or a file path relative to the
	// project root. Files are appended to.
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty"`

	// MetricsAddress enables the metrics endpoint when set, e.g. ":9090".
	MetricsAddress string `json:"metricsAddress,omitempty" yaml:"metricsAddress,omitempty"`

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter string `json:"tracingExporter,omitempty" yaml:"tracingExporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `json:"tracingEndpoint,omitempty" yaml:"tracingEndpoint,omitempty"`
}

// Project is a loaded project: its configuration, resolved project
// variables and every declared action.
type Project struct {
	// Root is the absolute project directory.
	Root string

	Config ProjectConfig

	// Variables are the project variables merged with project varfiles.
	Variables map[string]interface{}

	// Actions are the declarations in file order.
	Actions []engine.ActionConfig

	// Files are the action files that were read.
	Files []string
}

// StateDir returns the absolute state directory.
func (p *Project) StateDir() string {
	dir := p.Config.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.Root, dir)
}

// PolicyDir returns the absolute policy directory, or "" when none is set.
func (p *Project) PolicyDir() string {
	if p.Config.Policy.Dir == "" {
		return ""
	}
	if filepath.IsAbs(p.Config.Policy.Dir) {
		return p.Config.Policy.Dir
	}
	return filepath.Join(p.Root, p.Config.Policy.Dir)
}

// PluginConfig returns the configuration of a plugin, and whether it is enabled.
func (p *Project) PluginConfig(name string) (map[string]interface{}, bool) {
	for _, pc := range p.Config.Plugins {
		if pc.Name == name {
			return pc.Config, true
		}
	}
	return nil, false
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the value path of the error (e.g., "actions.0.kind").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error as file:line:column: message.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	if e.Path != "" {
		loc = fmt.Sprintf("%s (%s)", loc, e.Path)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
