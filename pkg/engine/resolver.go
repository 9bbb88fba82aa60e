package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/actiongraph/actiongraph/pkg/vcs"
	"github.com/hashicorp/hcl/v2"
	"github.com/rs/zerolog"
)

// ResolverOption configures an ActionResolver.
type ResolverOption func(*ActionResolver)

// WithProjectVariables sets the variables visible to every action as var.*.
func WithProjectVariables(vars map[string]interface{}) ResolverOption {
	return func(r *ActionResolver) {
		r.variables = copyMap(vars)
	}
}

// WithVarfileLoader sets the loader used for action varfiles.
func WithVarfileLoader(loader VarfileLoader) ResolverOption {
	return func(r *ActionResolver) {
		r.loadVarfile = loader
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(log zerolog.Logger) ResolverOption {
	return func(r *ActionResolver) {
		r.log = log
	}
}

// ActionResolver turns a ConfigGraph into resolved actions.
type ActionResolver struct {
	graph       *ConfigGraph
	versions    *vcs.VersionCalculator
	handlers    HandlerLookup
	variables   map[string]interface{}
	loadVarfile VarfileLoader
	log         zerolog.Logger
}

// NewActionResolver creates a resolver. handlers may be nil, in which case
// no plugin validation or static outputs are applied.
func NewActionResolver(graph *ConfigGraph, versions *vcs.VersionCalculator, handlers HandlerLookup, opts ...ResolverOption) *ActionResolver {
	r := &ActionResolver{
		graph:     graph,
		versions:  versions,
		handlers:  handlers,
		variables: make(map[string]interface{}),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.versions == nil {
		r.versions = vcs.NewVersionCalculator(r.log)
	}
	return r
}

// ResolvedConfigGraph holds the result of one resolution pass.
type ResolvedConfigGraph struct {
	graph    *ConfigGraph
	resolved map[string]*ResolvedAction
	failures map[string]error
}

// Graph returns the underlying ConfigGraph.
func (g *ResolvedConfigGraph) Graph() *ConfigGraph { return g.graph }

// Get returns the resolved action for a key.
func (g *ResolvedConfigGraph) Get(key string) (*ResolvedAction, error) {
	if ra, ok := g.resolved[key]; ok {
		return ra, nil
	}
	if err, ok := g.failures[key]; ok {
		return nil, NewConfigurationError(fmt.Sprintf("action %s failed to resolve", key), err).WithAction(key)
	}
	return nil, NewNotFoundError(fmt.Sprintf("could not find resolved action %s", key), nil)
}

// GetByKindAndName returns the resolved action for a kind and name.
func (g *ResolvedConfigGraph) GetByKindAndName(kind ActionKind, name string) (*ResolvedAction, error) {
	return g.Get(ActionReference{Kind: kind, Name: name}.String())
}

// GetActions returns the resolved actions in declaration order.
func (g *ResolvedConfigGraph) GetActions() []*ResolvedAction {
	out := make([]*ResolvedAction, 0, len(g.resolved))
	for _, a := range g.graph.ordered {
		if ra, ok := g.resolved[a.key]; ok {
			out = append(out, ra)
		}
	}
	return out
}

// Failures returns the resolution errors by action key.
func (g *ResolvedConfigGraph) Failures() map[string]error {
	out := make(map[string]error, len(g.failures))
	for k, v := range g.failures {
		out[k] = v
	}
	return out
}

// Resolve resolves every action in topological order. An action that fails
// to resolve fails all of its dependants. The returned graph holds the
// actions that did resolve; the error joins every failure.
func (r *ActionResolver) Resolve(ctx context.Context) (*ResolvedConfigGraph, error) {
	start := time.Now()
	rg := &ResolvedConfigGraph{
		graph:    r.graph,
		resolved: make(map[string]*ResolvedAction, r.graph.Len()),
		failures: make(map[string]error),
	}

	var errs []error
	for _, a := range r.graph.TopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return rg, err
		}

		if failedDep := r.failedDependency(a, rg); failedDep != "" {
			err := NewConfigurationError(
				fmt.Sprintf("cannot resolve %s because its dependency %s failed to resolve", a.key, failedDep), nil).
				WithAction(a.key).
				WithDetail("dependency", failedDep)
			rg.failures[a.key] = err
			errs = append(errs, err)
			continue
		}

		ra, err := r.resolveAction(ctx, a, rg)
		if err != nil {
			r.log.Debug().Err(err).Str("action", a.key).Msg("Failed to resolve action")
			rg.failures[a.key] = err
			errs = append(errs, err)
			continue
		}
		rg.resolved[a.key] = ra
	}

	r.log.Debug().
		Int("resolved", len(rg.resolved)).
		Int("failed", len(rg.failures)).
		Dur("duration", since(start)).
		Msg("Resolved action graph")

	return rg, errors.Join(errs...)
}

func (r *ActionResolver) failedDependency(a *Action, rg *ResolvedConfigGraph) string {
	for _, e := range a.deps {
		if _, failed := rg.failures[e.Ref.String()]; failed {
			return e.Ref.String()
		}
	}
	return ""
}

// resolveAction substitutes templates, validates, versions and computes
// static outputs for one action. Every dependency is already resolved.
func (r *ActionResolver) resolveAction(ctx context.Context, a *Action, rg *ResolvedConfigGraph) (*ResolvedAction, error) {
	cfg := a.config

	variables, err := r.resolveVariables(a)
	if err != nil {
		return nil, err
	}

	tctx := &templateContext{
		actionKey: a.key,
		variables: variables,
		actions:   make(map[ActionReference]actionTemplateValues),
		this:      a.Reference(),
	}
	for _, e := range a.deps {
		if !e.NeedsStaticOutputs {
			continue
		}
		dep := rg.resolved[e.Ref.String()]
		tctx.actions[e.Ref] = actionTemplateValues{
			version: dep.version.VersionString,
			outputs: dep.staticOutputs,
		}
	}
	ectx, err := tctx.evalContext()
	if err != nil {
		return nil, err
	}

	ra := &ResolvedAction{action: a, variables: variables}

	spec, err := resolveTemplates(copyMap(cfg.Spec), ectx, a.key)
	if err != nil {
		return nil, err
	}
	if spec != nil {
		ra.spec, _ = spec.(map[string]interface{})
	}
	if ra.include, err = resolveStrings(cfg.Include, ectx, a.key, "include"); err != nil {
		return nil, err
	}
	if ra.exclude, err = resolveStrings(cfg.Exclude, ectx, a.key, "exclude"); err != nil {
		return nil, err
	}
	if ra.source, err = resolveString(cfg.Source, ectx, a.key, "source"); err != nil {
		return nil, err
	}
	if ra.disabled, err = resolveDisabled(cfg.Disabled, ectx, a.key); err != nil {
		return nil, err
	}

	var handlers *ActionHandlers
	if r.handlers != nil {
		handlers, err = r.handlers.Handlers(a.Kind(), a.Type())
		if err != nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("unknown %s action type %q", a.Kind(), a.Type()), err).WithAction(a.key)
		}
		if handlers.Validate != nil {
			if err := handlers.Validate(ctx, ra); err != nil {
				if IsConfigurationError(err) {
					return nil, err
				}
				return nil, NewConfigurationError(fmt.Sprintf("invalid %s", a.key), err).WithAction(a.key)
			}
		}
	}

	if err := r.computeVersion(ctx, ra, rg); err != nil {
		return nil, err
	}

	if handlers != nil && handlers.GetOutputs != nil {
		outputs, err := handlers.GetOutputs(ctx, ra)
		if err != nil {
			return nil, NewPluginError(fmt.Sprintf("failed to get static outputs of %s", a.key), err).
				WithAction(a.key)
		}
		ra.staticOutputs = copyMap(outputs)
	}

	return ra, nil
}

// resolveVariables merges project variables, varfiles and action variables,
// in increasing order of precedence. Varfile paths and action variables may
// reference var.* from the layers below them.
func (r *ActionResolver) resolveVariables(a *Action) (map[string]interface{}, error) {
	vars := copyMap(r.variables)
	if vars == nil {
		vars = make(map[string]interface{})
	}

	base := &templateContext{actionKey: a.key, variables: vars, this: a.Reference()}
	ectx, err := base.evalContext()
	if err != nil {
		return nil, err
	}

	if len(a.config.Varfiles) > 0 {
		if r.loadVarfile == nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("action %s declares varfiles but no varfile loader is configured", a.key), nil).
				WithAction(a.key)
		}
		paths, err := resolveStrings(a.config.Varfiles, ectx, a.key, "varfiles")
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			loaded, err := r.loadVarfile(joinSource(a.BasePath(), p))
			if err != nil {
				return nil, NewConfigurationError(
					fmt.Sprintf("failed to load varfile %s for %s", p, a.key), err).WithAction(a.key)
			}
			for k, v := range loaded {
				vars[k] = v
			}
		}
		if ectx, err = (&templateContext{actionKey: a.key, variables: vars, this: a.Reference()}).evalContext(); err != nil {
			return nil, err
		}
	}

	own, err := resolveTemplates(copyMap(a.config.Variables), ectx, a.key)
	if err != nil {
		return nil, err
	}
	if m, ok := own.(map[string]interface{}); ok {
		for k, v := range m {
			vars[k] = v
		}
	}
	return vars, nil
}

func (r *ActionResolver) computeVersion(ctx context.Context, ra *ResolvedAction, rg *ResolvedConfigGraph) error {
	a := ra.action

	path := ""
	if a.BasePath() != "" || ra.source != "" {
		path = ra.SourcePath()
	}
	tree, err := r.versions.ComputeTreeVersion(ctx, path, ra.include, ra.exclude)
	if err != nil {
		return NewConfigurationError(fmt.Sprintf("failed to compute tree version of %s", a.key), err).
			WithAction(a.key)
	}

	depVersions := make(map[string]string, len(a.deps))
	for _, e := range a.deps {
		depVersions[e.Ref.String()] = rg.resolved[e.Ref.String()].version.VersionString
	}

	version, err := r.versions.ComputeVersion(tree, depVersions, versionFragment(ra))
	if err != nil {
		return NewInternalError(fmt.Sprintf("failed to compute version of %s", a.key), err)
	}
	ra.version = version
	return nil
}

// versionFragment selects the resolved fields that affect an action's output.
func versionFragment(ra *ResolvedAction) map[string]interface{} {
	return map[string]interface{}{
		"kind":    ra.Kind(),
		"type":    ra.Type(),
		"name":    ra.Name(),
		"spec":    ra.spec,
		"include": ra.include,
		"exclude": ra.exclude,
	}
}

func resolveDisabled(v interface{}, ectx *hcl.EvalContext, actionKey string) (bool, error) {
	if v == nil {
		return false, nil
	}
	resolved, err := resolveTemplates(v, ectx, actionKey)
	if err != nil {
		return false, err
	}
	b, ok := parseBool(resolved)
	if !ok {
		return false, NewConfigurationError(
			fmt.Sprintf("disabled must resolve to a boolean, got %v", resolved), nil).WithAction(actionKey)
	}
	return b, nil
}

func joinSource(base, source string) string {
	switch {
	case source == "":
		return base
	case filepath.IsAbs(source), base == "":
		return source
	default:
		return filepath.Join(base, source)
	}
}

// parseBool accepts bools and the strings "true" and "false".
func parseBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		return false, false
	}
}
