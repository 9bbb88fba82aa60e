package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var actionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// DependencyFilter selects dependency edges by attribute.
type DependencyFilter string

const (
	// DependencyFilterAll selects every edge.
	DependencyFilterAll DependencyFilter = "all"

	// DependencyFilterStaticOutputs selects edges needed for resolution.
	DependencyFilterStaticOutputs DependencyFilter = "needsStaticOutputs"

	// DependencyFilterExecutedOutputs selects edges needed for execution.
	DependencyFilterExecutedOutputs DependencyFilter = "needsExecutedOutputs"
)

// DependencyQuery narrows GetDependencies.
type DependencyQuery struct {
	// Kind restricts results to one kind when set.
	Kind ActionKind

	// IncludeDisabled keeps statically disabled dependencies.
	IncludeDisabled bool

	// Filter selects edges by attribute. The zero value means all.
	Filter DependencyFilter
}

func (q DependencyQuery) matches(e DependencyEdge) bool {
	switch q.Filter {
	case DependencyFilterStaticOutputs:
		return e.NeedsStaticOutputs
	case DependencyFilterExecutedOutputs:
		return e.NeedsExecutedOutputs
	default:
		return true
	}
}

// GraphOption configures NewConfigGraph.
type GraphOption func(*graphOptions)

type graphOptions struct {
	variables map[string]interface{}
}

// WithGraphVariables sets the project variables used to resolve templated
// dependency lists and disabled flags at build time.
func WithGraphVariables(vars map[string]interface{}) GraphOption {
	return func(o *graphOptions) {
		o.variables = vars
	}
}

// ConfigGraph is the dependency DAG of a set of actions. It is immutable once built.
type ConfigGraph struct {
	// actions maps base keys to actions
	actions map[string]*Action

	// ordered holds actions in declaration order
	ordered []*Action

	// dependants maps base keys to the keys of actions depending on them
	dependants map[string][]string

	// levels groups keys by topological depth
	levels [][]string
}

// NewConfigGraph builds the graph from raw declarations. It fails with a
// validation error on a duplicate or malformed declaration, a configuration
// error on a missing reference, and a cycle error on a circular dependency.
func NewConfigGraph(configs []ActionConfig, opts ...GraphOption) (*ConfigGraph, error) {
	o := &graphOptions{}
	for _, opt := range opts {
		opt(o)
	}

	g := &ConfigGraph{
		actions:    make(map[string]*Action, len(configs)),
		ordered:    make([]*Action, 0, len(configs)),
		dependants: make(map[string][]string, len(configs)),
	}

	if err := g.initialize(configs); err != nil {
		return nil, err
	}
	if err := g.linkDependencies(o); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.computeLevels()

	return g, nil
}

// initialize validates and indexes every declaration.
func (g *ConfigGraph) initialize(configs []ActionConfig) error {
	for i := range configs {
		cfg := configs[i]

		kind, err := ParseActionKind(string(cfg.Kind))
		if err != nil {
			return err
		}
		cfg.Kind = kind

		if !actionNamePattern.MatchString(cfg.Name) {
			return NewValidationError(
				fmt.Sprintf("invalid %s action name %q", kind, cfg.Name), nil).
				WithDetail("configFile", cfg.Internal.ConfigFile)
		}
		if cfg.Type == "" {
			return NewValidationError(
				fmt.Sprintf("%s action %q has no type", kind, cfg.Name), nil).
				WithAction(cfg.Reference().String())
		}

		key := cfg.Reference().String()
		if existing, ok := g.actions[key]; ok {
			return NewValidationError(
				fmt.Sprintf("duplicate action %s", key), nil).
				WithAction(key).
				WithDetail("configFiles", []string{existing.config.Internal.ConfigFile, cfg.Internal.ConfigFile})
		}

		a := &Action{
			config: cfg,
			key:    key,
			uid:    uuid.New().String(),
			index:  i,
		}
		g.actions[key] = a
		g.ordered = append(g.ordered, a)
	}
	return nil
}

// linkDependencies resolves explicit and inferred references into edges.
func (g *ConfigGraph) linkDependencies(o *graphOptions) error {
	for _, a := range g.ordered {
		edges := make([]DependencyEdge, 0)
		index := make(map[string]int)
		add := func(e DependencyEdge) {
			k := e.Ref.String()
			if i, ok := index[k]; ok {
				edges[i] = edges[i].merge(e)
				return
			}
			index[k] = len(edges)
			edges = append(edges, e)
		}

		declared, err := g.declaredDependencies(a, o)
		if err != nil {
			return err
		}
		for _, raw := range declared {
			ref, err := ParseActionReference(raw)
			if err != nil {
				return NewConfigurationError(
					fmt.Sprintf("action %s has an invalid dependency %q", a.key, raw), err).
					WithAction(a.key)
			}
			if err := g.requireAction(a, ref); err != nil {
				return err
			}
			add(DependencyEdge{Ref: ref, Explicit: true, NeedsExecutedOutputs: true})
		}

		inferred, err := g.inferredDependencies(a)
		if err != nil {
			return err
		}
		for _, ref := range inferred {
			if err := g.requireAction(a, ref); err != nil {
				return err
			}
			add(DependencyEdge{Ref: ref, NeedsStaticOutputs: true})
		}

		a.deps = edges
		for _, e := range edges {
			depKey := e.Ref.String()
			g.dependants[depKey] = append(g.dependants[depKey], a.key)
		}
	}
	return nil
}

// declaredDependencies returns the dependency list with templates resolved
// against project and literal action variables.
func (g *ConfigGraph) declaredDependencies(a *Action, o *graphOptions) ([]string, error) {
	deps := a.config.Dependencies
	needsTemplating := false
	for _, d := range deps {
		if isTemplate(d) {
			needsTemplating = true
			break
		}
	}
	if !needsTemplating {
		return deps, nil
	}

	vars := copyMap(o.variables)
	if vars == nil {
		vars = make(map[string]interface{})
	}
	for k, v := range a.config.Variables {
		if s, ok := v.(string); ok && isTemplate(s) {
			continue
		}
		vars[k] = v
	}
	tctx := &templateContext{actionKey: a.key, variables: vars, this: a.Reference()}
	ectx, err := tctx.evalContext()
	if err != nil {
		return nil, err
	}
	return resolveStrings(deps, ectx, a.key, "dependency")
}

// inferredDependencies returns the actions referenced from templated fields,
// sorted by key.
func (g *ConfigGraph) inferredDependencies(a *Action) ([]ActionReference, error) {
	fields := map[string]interface{}{
		"spec":      a.config.Spec,
		"variables": a.config.Variables,
		"include":   a.config.Include,
		"exclude":   a.config.Exclude,
		"source":    a.config.Source,
	}
	if s, ok := a.config.Disabled.(string); ok {
		fields["disabled"] = s
	}

	traversals, err := collectTraversals(fields, a.key)
	if err != nil {
		return nil, err.(*EngineError).WithAction(a.key)
	}

	seen := make(map[string]ActionReference)
	for _, tr := range traversals {
		if ref, ok := actionRefFromTraversal(tr); ok {
			seen[ref.String()] = ref
		}
	}
	refs := make([]ActionReference, 0, len(seen))
	for _, k := range sortedKeys(seen) {
		refs = append(refs, seen[k])
	}
	return refs, nil
}

func (g *ConfigGraph) requireAction(from *Action, ref ActionReference) error {
	if _, ok := g.actions[ref.String()]; ok {
		return nil
	}
	return NewConfigurationError(
		fmt.Sprintf("action %s references missing action %s", from.key, ref), nil).
		WithAction(from.key).
		WithDetail("missing", ref.String()).
		WithDetail("referencedBy", from.key)
}

// detectCycles runs a three-color depth-first search over dependency edges.
func (g *ConfigGraph) detectCycles() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.actions))
	path := make([]string, 0)

	var visit func(key string) []string
	visit = func(key string) []string {
		color[key] = gray
		path = append(path, key)

		for _, e := range g.actions[key].deps {
			dep := e.Ref.String()
			switch color[dep] {
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				start := 0
				for i, k := range path {
					if k == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, dep)
			}
		}

		path = path[:len(path)-1]
		color[key] = black
		return nil
	}

	for _, a := range g.ordered {
		if color[a.key] == white {
			if cycle := visit(a.key); cycle != nil {
				return NewGraphCycleError(cycle)
			}
		}
	}
	return nil
}

// computeLevels assigns topological levels with Kahn's algorithm. Within a
// level keys keep declaration order.
func (g *ConfigGraph) computeLevels() {
	remaining := make(map[string]int, len(g.actions))
	for _, a := range g.ordered {
		remaining[a.key] = len(a.deps)
	}

	current := make([]string, 0)
	for _, a := range g.ordered {
		if remaining[a.key] == 0 {
			current = append(current, a.key)
		}
	}

	for len(current) > 0 {
		g.levels = append(g.levels, current)
		next := make([]string, 0)
		for _, key := range current {
			for _, dependant := range g.dependants[key] {
				remaining[dependant]--
				if remaining[dependant] == 0 {
					next = append(next, dependant)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return g.actions[next[i]].index < g.actions[next[j]].index
		})
		current = next
	}
}

// GetActions returns every action in declaration order.
func (g *ConfigGraph) GetActions() []*Action {
	return append([]*Action(nil), g.ordered...)
}

// GetActionsByKind returns the actions of one kind in declaration order.
func (g *ConfigGraph) GetActionsByKind(kind ActionKind) []*Action {
	out := make([]*Action, 0)
	for _, a := range g.ordered {
		if a.Kind() == kind {
			out = append(out, a)
		}
	}
	return out
}

// GetActionByRef looks up an action by reference.
func (g *ConfigGraph) GetActionByRef(ref ActionReference) (*Action, error) {
	return g.GetByKindAndName(ref.Kind, ref.Name)
}

// GetByKindAndName looks up an action. It fails with a not-found error.
func (g *ConfigGraph) GetByKindAndName(kind ActionKind, name string) (*Action, error) {
	key := ActionReference{Kind: kind, Name: name}.String()
	a, ok := g.actions[key]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("could not find %s action %q", kind, name), nil).
			WithDetail("available", g.keysOfKind(kind))
	}
	return a, nil
}

// GetByKey looks up an action by base key, e.g. "build.api".
func (g *ConfigGraph) GetByKey(key string) (*Action, error) {
	ref, err := ParseActionReference(key)
	if err != nil {
		return nil, NewNotFoundError(fmt.Sprintf("could not find action %q", key), err)
	}
	return g.GetActionByRef(ref)
}

// GetDependencies returns the direct dependencies of a selected by q. Explicit
// dependencies come first in declaration order, then inferred ones by key.
func (g *ConfigGraph) GetDependencies(a *Action, q DependencyQuery) []*Action {
	out := make([]*Action, 0, len(a.deps))
	for _, e := range a.deps {
		if !q.matches(e) {
			continue
		}
		dep := g.actions[e.Ref.String()]
		if q.Kind != "" && dep.Kind() != q.Kind {
			continue
		}
		if !q.IncludeDisabled && dep.IsDisabled() {
			continue
		}
		out = append(out, dep)
	}
	return out
}

// GetDependants returns the actions that directly depend on a, in declaration order.
func (g *ConfigGraph) GetDependants(a *Action) []*Action {
	keys := g.dependants[a.key]
	out := make([]*Action, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.actions[k])
	}
	return out
}

// TopologicalOrder returns every action with dependencies before dependants.
func (g *ConfigGraph) TopologicalOrder() []*Action {
	out := make([]*Action, 0, len(g.ordered))
	for _, level := range g.levels {
		for _, key := range level {
			out = append(out, g.actions[key])
		}
	}
	return out
}

// Levels returns the keys grouped by topological depth.
func (g *ConfigGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Len returns the number of actions.
func (g *ConfigGraph) Len() int { return len(g.ordered) }

func (g *ConfigGraph) keysOfKind(kind ActionKind) []string {
	out := make([]string, 0)
	for _, a := range g.ordered {
		if a.Kind() == kind {
			out = append(out, a.key)
		}
	}
	return out
}

// ToDOT renders the graph in Graphviz DOT format, grouped by level.
func (g *ConfigGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ActionGraph {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, keys := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			a := g.actions[key]
			style := "filled,rounded"
			if a.IsDisabled() {
				style = "filled,rounded,dashed"
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=%q];\n",
				key, key, a.Type(), kindColor(a.Kind()), style))
		}
		sb.WriteString("  }\n\n")
	}

	for _, a := range g.ordered {
		for _, e := range a.deps {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", a.key, e.Ref.String(), edgeStyle(e)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind ActionKind) string {
	switch kind {
	case KindBuild:
		return "lightblue"
	case KindDeploy:
		return "lightgreen"
	case KindRun:
		return "khaki"
	case KindTest:
		return "plum"
	default:
		return "white"
	}
}

func edgeStyle(e DependencyEdge) string {
	switch {
	case e.Explicit:
		return "style=solid, color=black"
	case e.NeedsStaticOutputs:
		return "style=dashed, color=blue"
	default:
		return "style=dotted, color=gray"
	}
}
