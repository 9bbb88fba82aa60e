package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies over resolved actions.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins []Policy
	mode     Mode
	logger   zerolog.Logger
}

// compiledPolicy holds the prepared deny and warn queries of a policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the enforcement mode. The default is enforcing.
func WithMode(mode Mode) Option {
	return func(e *Engine) {
		if mode != "" {
			e.mode = mode
		}
	}
}

// WithBuiltins selects the built-in policies to load. The default is all.
func WithBuiltins(policies []Policy) Option {
	return func(e *Engine) { e.builtins = policies }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: GetBuiltinPolicies(),
		mode:     ModeEnforcing,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode { return e.mode }

// Check evaluates every action and, in enforcing mode, turns blocking
// violations into a configuration error. The result is returned either way.
func (e *Engine) Check(ctx context.Context, actions []*engine.ResolvedAction, pctx Context) (*Result, error) {
	result, err := e.Evaluate(ctx, actions, pctx)
	if err != nil {
		return nil, err
	}
	if result.Allowed || e.mode != ModeEnforcing {
		return result, nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity.blocking() {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", v.Policy, v.Message))
		}
	}
	return result, engine.NewConfigurationError(
		fmt.Sprintf("policy check failed:\n  %s", strings.Join(msgs, "\n  ")), nil).
		WithOperation("policy").
		WithDetail("violations", len(msgs))
}

// Evaluate evaluates enabled policies against each action.
func (e *Engine) Evaluate(ctx context.Context, actions []*engine.ResolvedAction, pctx Context) (*Result, error) {
	started := time.Now()
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = started
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for _, action := range actions {
			input := &Input{Action: NewActionInput(action), Context: pctx}
			if err := e.evaluatePolicy(ctx, cp, input, result); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, engine.NewInternalError(
					fmt.Sprintf("policy %s failed on %s", cp.policy.Name, action.Key()), err).
					WithAction(action.Key()).
					WithOperation("policy")
			}
		}
	}

	result.Duration = time.Since(started)
	e.logger.Debug().
		Int("actions", len(actions)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input, result *Result) error {
	deny, err := cp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("deny evaluation: %w", err)
	}
	for _, v := range collect(cp.policy, deny, input, cp.policy.Severity) {
		if e.mode == ModeAdvisory || !v.Severity.blocking() {
			result.Warnings = append(result.Warnings, v)
			continue
		}
		result.Violations = append(result.Violations, v)
		result.Allowed = false
	}

	warn, err := cp.warn.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("warn evaluation: %w", err)
	}
	result.Warnings = append(result.Warnings, collect(cp.policy, warn, input, SeverityWarning)...)
	return nil
}

// collect converts a deny or warn set into violations.
func collect(policy *Policy, rs rego.ResultSet, input *Input, severity Severity) []Violation {
	var out []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				out = append(out, createViolation(policy, item, input, severity))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out
}

// createViolation creates a Violation from a rule result.
func createViolation(policy *Policy, item interface{}, input *Input, severity Severity) Violation {
	v := Violation{
		Policy:   policy.Name,
		Action:   input.Action.Key,
		Severity: severity,
	}

	switch t := item.(type) {
	case string:
		v.Message = t
	case map[string]interface{}:
		for k, val := range t {
			switch k {
			case "message":
				v.Message, _ = val.(string)
			case "severity":
				if s, ok := val.(string); ok {
					v.Severity = Severity(s)
				}
			default:
				if v.Details == nil {
					v.Details = make(map[string]interface{})
				}
				v.Details[k] = val
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}
	return v
}

// compile parses a policy and prepares its deny and warn queries.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(policy.Name+".rego", policy.Rego),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare warn query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files and directories over the built-in
// policies. A policy with the name of a built-in replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any policy
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return engine.NewConfigurationError(fmt.Sprintf("failed to compile policy %s", p.Name), err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// ReplacePolicies drops every loaded policy, restores the built-ins and adds
// policies. It is used when a watched policy directory changes.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: e.builtins,
		mode:     e.mode,
		logger:   e.logger,
	}
	if err := next.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if err := next.AddPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = next.policies
	return nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtins {
		p := e.builtins[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.builtins)).Msg("Built-in policies loaded")
	return nil
}

func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedPolicies() {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
