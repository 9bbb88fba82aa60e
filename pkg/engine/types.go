package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/vcs"
)

// ActionKind is the kind of an action.
type ActionKind string

const (
	// KindBuild produces an artifact.
	KindBuild ActionKind = "Build"

	// KindDeploy brings a service or resource up.
	KindDeploy ActionKind = "Deploy"

	// KindRun executes a one-off task.
	KindRun ActionKind = "Run"

	// KindTest runs a test suite.
	KindTest ActionKind = "Test"
)

// ActionKinds lists every kind in canonical order.
var ActionKinds = []ActionKind{KindBuild, KindDeploy, KindRun, KindTest}

// ParseActionKind parses a kind case-insensitively.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if strings.EqualFold(string(k), s) {
			return k, nil
		}
	}
	return "", NewValidationError(fmt.Sprintf("invalid action kind %q", s), nil).
		WithDetail("validKinds", ActionKinds)
}

// Lower returns the lowercase form used in keys and template references.
func (k ActionKind) Lower() string {
	return strings.ToLower(string(k))
}

// Validate checks if the kind is valid.
func (k ActionKind) Validate() error {
	_, err := ParseActionKind(string(k))
	return err
}

// ActionReference identifies an action by kind and name.
type ActionReference struct {
	Kind ActionKind `json:"kind" yaml:"kind"`
	Name string     `json:"name" yaml:"name"`
}

// String returns the base key of the reference, e.g. "build.api".
func (r ActionReference) String() string {
	return r.Kind.Lower() + "." + r.Name
}

// ParseActionReference parses a "kind.name" reference. The kind is matched
// case-insensitively.
func ParseActionReference(s string) (ActionReference, error) {
	kindStr, name, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || kindStr == "" || name == "" {
		return ActionReference{}, NewValidationError(
			fmt.Sprintf("invalid action reference %q, expected <kind>.<name>", s), nil)
	}
	kind, err := ParseActionKind(kindStr)
	if err != nil {
		return ActionReference{}, err
	}
	return ActionReference{Kind: kind, Name: name}, nil
}

// Duration is a time.Duration that decodes from either a number of seconds
// or a Go duration string.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML implements the yaml decode callback interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch t := v.(type) {
	case nil:
		*d = 0
	case int:
		*d = Duration(time.Duration(t) * time.Second)
	case float64:
		*d = Duration(t * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// ActionInternal carries metadata set by the loader. It is never templated.
type ActionInternal struct {
	// BasePath is the directory containing the declaring file.
	BasePath string `json:"basePath,omitempty" yaml:"-"`

	// ConfigFile is the path of the declaring file.
	ConfigFile string `json:"configFile,omitempty" yaml:"-"`
}

// ActionConfig is the raw declaration of an action.
type ActionConfig struct {
	// Kind is one of Build, Deploy, Run, Test.
	Kind ActionKind `json:"kind" yaml:"kind" validate:"required,oneof=Build Deploy Run Test"`

	// Type selects the plugin handler, e.g. "exec".
	Type string `json:"type" yaml:"type" validate:"required"`

	// Name is unique per kind.
	Name string `json:"name" yaml:"name" validate:"required,max=63"`

	// Description is free text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Source is the source directory relative to BasePath.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Dependencies are symbolic "kind.name" references.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Disabled is a bool or a template resolving to a bool.
	Disabled interface{} `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Include and Exclude filter the source tree used for versioning.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Timeout bounds each operation on this action.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Variables are merged over project variables and varfiles.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Varfiles are loaded in order, later files taking precedence.
	Varfiles []string `json:"varfiles,omitempty" yaml:"varfiles,omitempty"`

	// Spec is the plugin-specific payload.
	Spec map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`

	Internal ActionInternal `json:"internal,omitempty" yaml:"-"`
}

// Reference returns the reference to this config.
func (c *ActionConfig) Reference() ActionReference {
	return ActionReference{Kind: c.Kind, Name: c.Name}
}

// DefaultTimeout applies to actions that declare none.
const DefaultTimeout = 600 * time.Second

// DependencyEdge is a typed reference from an action to one of its dependencies.
type DependencyEdge struct {
	Ref ActionReference `json:"ref"`

	// Explicit is set when the dependency was declared, not inferred.
	Explicit bool `json:"explicit"`

	// NeedsStaticOutputs is set when resolution needs the dependency's static outputs.
	NeedsStaticOutputs bool `json:"needsStaticOutputs"`

	// NeedsExecutedOutputs is set when execution needs the dependency to have run.
	NeedsExecutedOutputs bool `json:"needsExecutedOutputs"`
}

func (e DependencyEdge) merge(other DependencyEdge) DependencyEdge {
	e.Explicit = e.Explicit || other.Explicit
	e.NeedsStaticOutputs = e.NeedsStaticOutputs || other.NeedsStaticOutputs
	e.NeedsExecutedOutputs = e.NeedsExecutedOutputs || other.NeedsExecutedOutputs
	return e
}

// Action is a node in the ConfigGraph. It is immutable once the graph is built.
type Action struct {
	config ActionConfig
	key    string
	uid    string
	index  int
	deps   []DependencyEdge
}

// Key returns the base key, e.g. "build.api".
func (a *Action) Key() string { return a.key }

// Kind returns the action kind.
func (a *Action) Kind() ActionKind { return a.config.Kind }

// Name returns the action name.
func (a *Action) Name() string { return a.config.Name }

// Type returns the plugin action type.
func (a *Action) Type() string { return a.config.Type }

// UID is unique per graph build.
func (a *Action) UID() string { return a.uid }

// Description returns the declared description.
func (a *Action) Description() string { return a.config.Description }

// Reference returns the reference to this action.
func (a *Action) Reference() ActionReference { return a.config.Reference() }

// BasePath returns the directory of the declaring file.
func (a *Action) BasePath() string { return a.config.Internal.BasePath }

// Config returns a copy of the raw declaration.
func (a *Action) Config() ActionConfig {
	c := a.config
	c.Dependencies = append([]string(nil), a.config.Dependencies...)
	c.Include = append([]string(nil), a.config.Include...)
	c.Exclude = append([]string(nil), a.config.Exclude...)
	c.Varfiles = append([]string(nil), a.config.Varfiles...)
	c.Variables = copyMap(a.config.Variables)
	c.Spec = copyMap(a.config.Spec)
	return c
}

// Dependencies returns a copy of the dependency edges.
func (a *Action) Dependencies() []DependencyEdge {
	return append([]DependencyEdge(nil), a.deps...)
}

// IsDisabled reports whether the action is statically disabled. A templated
// disabled flag is only known after resolution.
func (a *Action) IsDisabled() bool {
	b, ok := a.config.Disabled.(bool)
	return ok && b
}

// Timeout returns the declared timeout or DefaultTimeout.
func (a *Action) Timeout() time.Duration {
	if a.config.Timeout > 0 {
		return time.Duration(a.config.Timeout)
	}
	return DefaultTimeout
}

// ResolvedAction is an Action with templates substituted, a computed version
// and static outputs. It is never mutated after resolution.
type ResolvedAction struct {
	action        *Action
	spec          map[string]interface{}
	variables     map[string]interface{}
	include       []string
	exclude       []string
	source        string
	disabled      bool
	version       vcs.ModuleVersion
	staticOutputs map[string]interface{}
}

// Action returns the underlying graph node.
func (r *ResolvedAction) Action() *Action { return r.action }

// Key returns the base key.
func (r *ResolvedAction) Key() string { return r.action.key }

// Kind returns the action kind.
func (r *ResolvedAction) Kind() ActionKind { return r.action.Kind() }

// Name returns the action name.
func (r *ResolvedAction) Name() string { return r.action.Name() }

// Type returns the plugin action type.
func (r *ResolvedAction) Type() string { return r.action.Type() }

// UID returns the action UID.
func (r *ResolvedAction) UID() string { return r.action.uid }

// Timeout returns the operation timeout.
func (r *ResolvedAction) Timeout() time.Duration { return r.action.Timeout() }

// IsDisabled reports the resolved disabled flag.
func (r *ResolvedAction) IsDisabled() bool { return r.disabled }

// Version returns the computed module version.
func (r *ResolvedAction) Version() vcs.ModuleVersion { return r.version }

// VersionString returns the version string.
func (r *ResolvedAction) VersionString() string { return r.version.VersionString }

// Spec returns a copy of the resolved spec.
func (r *ResolvedAction) Spec() map[string]interface{} { return copyMap(r.spec) }

// Variables returns a copy of the resolved variables.
func (r *ResolvedAction) Variables() map[string]interface{} { return copyMap(r.variables) }

// Include returns the resolved include patterns.
func (r *ResolvedAction) Include() []string { return append([]string(nil), r.include...) }

// Exclude returns the resolved exclude patterns.
func (r *ResolvedAction) Exclude() []string { return append([]string(nil), r.exclude...) }

// SourcePath returns the absolute source directory.
func (r *ResolvedAction) SourcePath() string {
	return joinSource(r.action.BasePath(), r.source)
}

// StaticOutputs returns a copy of the static outputs.
func (r *ResolvedAction) StaticOutputs() map[string]interface{} { return copyMap(r.staticOutputs) }

// NewResolvedAction builds a ResolvedAction directly. It is intended for
// plugin tests that do not go through the resolver.
func NewResolvedAction(cfg ActionConfig, spec map[string]interface{}, version vcs.ModuleVersion) *ResolvedAction {
	a := &Action{config: cfg, key: cfg.Reference().String()}
	return &ResolvedAction{
		action:    a,
		spec:      copyMap(spec),
		variables: copyMap(cfg.Variables),
		include:   cfg.Include,
		exclude:   cfg.Exclude,
		source:    cfg.Source,
		version:   version,
	}
}

// copyMap deep-copies maps and slices produced by YAML, JSON or template decoding.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
