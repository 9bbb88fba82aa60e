package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/rs/zerolog"
)

// Plugin provides the handlers of one action type. The type name is the
// plugin name.
type Plugin interface {
	// Handlers returns the function table for kind, or nil when the plugin
	// does not support that kind.
	Handlers(kind engine.ActionKind) *engine.ActionHandlers

	// Close releases plugin resources.
	Close(ctx context.Context) error
}

// Options are passed to a plugin constructor.
type Options struct {
	// Config is the plugin configuration from the project file.
	Config map[string]interface{}

	// ProjectRoot is the absolute project directory.
	ProjectRoot string

	// StateDir is where plugins may keep local state.
	StateDir string

	// Log is scoped to the plugin.
	Log zerolog.Logger
}

// Constructor creates a plugin instance.
type Constructor func(ctx context.Context, opts Options) (Plugin, error)

// Entry maps a plugin name to its constructor.
type Entry struct {
	Name string
	New  Constructor
}

// Enabled selects a plugin and its configuration.
type Enabled struct {
	Name   string
	Config map[string]interface{}
}

// Registry is the immutable set of plugins of a process. It implements
// engine.HandlerLookup.
type Registry struct {
	plugins map[string]Plugin
	names   []string
}

var _ engine.HandlerLookup = (*Registry)(nil)

// NewRegistry constructs the enabled plugins from entries. When enabled is
// empty every entry is constructed with an empty configuration.
func NewRegistry(ctx context.Context, entries []Entry, enabled []Enabled, opts Options) (*Registry, error) {
	byName := make(map[string]Constructor, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.New == nil {
			return nil, engine.NewInternalError("plugin entry requires a name and constructor", nil)
		}
		if _, dup := byName[e.Name]; dup {
			return nil, engine.NewInternalError(fmt.Sprintf("plugin %q registered twice", e.Name), nil)
		}
		byName[e.Name] = e.New
	}

	if len(enabled) == 0 {
		for _, e := range entries {
			enabled = append(enabled, Enabled{Name: e.Name})
		}
	}

	r := &Registry{plugins: make(map[string]Plugin, len(enabled))}
	for _, en := range enabled {
		ctor, ok := byName[en.Name]
		if !ok {
			_ = r.Close(ctx)
			return nil, engine.NewConfigurationError(fmt.Sprintf("unknown plugin %q", en.Name), nil).
				WithDetail("available", entryNames(entries))
		}
		if _, dup := r.plugins[en.Name]; dup {
			_ = r.Close(ctx)
			return nil, engine.NewConfigurationError(fmt.Sprintf("plugin %q is enabled twice", en.Name), nil)
		}

		pluginOpts := opts
		pluginOpts.Config = en.Config
		pluginOpts.Log = opts.Log.With().Str("plugin", en.Name).Logger()

		p, err := ctor(ctx, pluginOpts)
		if err != nil {
			_ = r.Close(ctx)
			if engine.IsConfigurationError(err) {
				return nil, err
			}
			return nil, engine.NewPluginError(fmt.Sprintf("failed to initialize plugin %s", en.Name), err)
		}
		r.plugins[en.Name] = p
		r.names = append(r.names, en.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Handlers implements engine.HandlerLookup.
func (r *Registry) Handlers(kind engine.ActionKind, actionType string) (*engine.ActionHandlers, error) {
	p, ok := r.plugins[actionType]
	if !ok {
		return nil, engine.NewNotFoundError(
			fmt.Sprintf("no plugin provides action type %q", actionType), nil).
			WithDetail("plugins", r.Names())
	}
	h := p.Handlers(kind)
	if h == nil {
		return nil, engine.NewNotFoundError(
			fmt.Sprintf("plugin %s does not support %s actions", actionType, kind), nil)
	}
	return h, nil
}

// Names returns the enabled plugin names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Close closes every plugin.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for name, p := range r.plugins {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close plugin %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func entryNames(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}
