package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Template roots available to expressions.
const (
	templateRootVar       = "var"
	templateRootVariables = "variables"
	templateRootActions   = "actions"
	templateRootThis      = "this"
)

// templateFunctions are callable from any template expression.
var templateFunctions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"replace":    stdlib.ReplaceFunc,
	"join":       stdlib.JoinFunc,
	"split":      stdlib.SplitFunc,
	"concat":     stdlib.ConcatFunc,
	"format":     stdlib.FormatFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"length":     stdlib.LengthFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"merge":      stdlib.MergeFunc,
}

// isTemplate reports whether s contains an interpolation or directive.
func isTemplate(s string) bool {
	return strings.Contains(s, "${") || strings.Contains(s, "%{")
}

// parseTemplate parses a template string. The filename is used in diagnostics.
func parseTemplate(s, filename string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(s), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, NewTemplateStringError(
			fmt.Sprintf("invalid template string %q", s), s, diags)
	}
	return expr, nil
}

// collectTraversals returns every variable traversal in the templated strings
// of v, sorted by their textual form.
func collectTraversals(v interface{}, filename string) ([]hcl.Traversal, error) {
	found := make(map[string]hcl.Traversal)
	var walk func(v interface{}) error
	walk = func(v interface{}) error {
		switch t := v.(type) {
		case string:
			if !isTemplate(t) {
				return nil
			}
			expr, err := parseTemplate(t, filename)
			if err != nil {
				return err
			}
			for _, tr := range expr.Variables() {
				found[traversalString(tr)] = tr
			}
		case map[string]interface{}:
			for _, k := range sortedKeys(t) {
				if err := walk(t[k]); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []string:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}

	keys := sortedKeys(found)
	out := make([]hcl.Traversal, 0, len(keys))
	for _, k := range keys {
		out = append(out, found[k])
	}
	return out, nil
}

// actionRefFromTraversal extracts the action reference from a traversal of
// the form actions.<kind>.<name>[.outputs.<key> | .version].
func actionRefFromTraversal(tr hcl.Traversal) (ActionReference, bool) {
	if len(tr) < 3 || tr.RootName() != templateRootActions {
		return ActionReference{}, false
	}
	kindStr, ok := traverserName(tr[1])
	if !ok {
		return ActionReference{}, false
	}
	name, ok := traverserName(tr[2])
	if !ok {
		return ActionReference{}, false
	}
	kind, err := ParseActionKind(kindStr)
	if err != nil {
		return ActionReference{}, false
	}
	return ActionReference{Kind: kind, Name: name}, true
}

func traverserName(t hcl.Traverser) (string, bool) {
	switch tt := t.(type) {
	case hcl.TraverseAttr:
		return tt.Name, true
	case hcl.TraverseIndex:
		if tt.Key.Type() == cty.String && tt.Key.IsKnown() && !tt.Key.IsNull() {
			return tt.Key.AsString(), true
		}
	}
	return "", false
}

func traversalString(tr hcl.Traversal) string {
	var sb strings.Builder
	for i, t := range tr {
		switch tt := t.(type) {
		case hcl.TraverseRoot:
			sb.WriteString(tt.Name)
		case hcl.TraverseAttr:
			sb.WriteString("." + tt.Name)
		case hcl.TraverseIndex:
			if tt.Key.Type() == cty.String {
				sb.WriteString(fmt.Sprintf("[%q]", tt.Key.AsString()))
			} else {
				sb.WriteString(fmt.Sprintf("[%s]", tt.Key.GoString()))
			}
		default:
			sb.WriteString(fmt.Sprintf("[%d]", i))
		}
	}
	return sb.String()
}

// templateContext holds the values visible to expressions of one action.
type templateContext struct {
	actionKey string
	variables map[string]interface{}
	actions   map[ActionReference]actionTemplateValues
	this      ActionReference
}

type actionTemplateValues struct {
	version string
	outputs map[string]interface{}
}

// evalContext converts the template context into an HCL evaluation context.
func (c *templateContext) evalContext() (*hcl.EvalContext, error) {
	vars, err := goToCty(c.variables)
	if err != nil {
		return nil, NewTemplateStringError("invalid variables", "", err).WithAction(c.actionKey)
	}

	byKind := make(map[string]map[string]cty.Value)
	refs := make([]ActionReference, 0, len(c.actions))
	for ref := range c.actions {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	for _, ref := range refs {
		vals := c.actions[ref]
		outputs, err := goToCty(vals.outputs)
		if err != nil {
			return nil, NewTemplateStringError(
				fmt.Sprintf("invalid outputs of %s", ref), "", err).WithAction(c.actionKey)
		}
		if byKind[ref.Kind.Lower()] == nil {
			byKind[ref.Kind.Lower()] = make(map[string]cty.Value)
		}
		byKind[ref.Kind.Lower()][ref.Name] = cty.ObjectVal(map[string]cty.Value{
			"outputs": outputs,
			"version": cty.StringVal(vals.version),
		})
	}
	actions := make(map[string]cty.Value, len(byKind))
	for kind, names := range byKind {
		actions[kind] = cty.ObjectVal(names)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			templateRootVar:       vars,
			templateRootVariables: vars,
			templateRootActions:   cty.ObjectVal(actions),
			templateRootThis: cty.ObjectVal(map[string]cty.Value{
				"kind": cty.StringVal(c.this.Kind.Lower()),
				"name": cty.StringVal(c.this.Name),
			}),
		},
		Functions: templateFunctions,
	}, nil
}

// resolveTemplates substitutes every templated string in v. A string that
// consists of a single interpolation keeps the type of its value.
func resolveTemplates(v interface{}, ectx *hcl.EvalContext, actionKey string) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if !isTemplate(t) {
			return t, nil
		}
		expr, err := parseTemplate(t, actionKey)
		if err != nil {
			return nil, err.(*EngineError).WithAction(actionKey)
		}
		val, diags := expr.Value(ectx)
		if diags.HasErrors() {
			return nil, NewTemplateStringError(
				fmt.Sprintf("could not resolve %q", t), t, diags).WithAction(actionKey)
		}
		out, convErr := ctyToGo(val)
		if convErr != nil {
			return nil, NewTemplateStringError(
				fmt.Sprintf("could not convert result of %q", t), t, convErr).WithAction(actionKey)
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for _, k := range sortedKeys(t) {
			r, err := resolveTemplates(t[k], ectx, actionKey)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			r, err := resolveTemplates(item, ectx, actionKey)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveStrings resolves a list of templated strings that must stay strings.
func resolveStrings(in []string, ectx *hcl.EvalContext, actionKey, field string) ([]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		r, err := resolveString(s, ectx, actionKey, field)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func resolveString(s string, ectx *hcl.EvalContext, actionKey, field string) (string, error) {
	r, err := resolveTemplates(s, ectx, actionKey)
	if err != nil {
		return "", err
	}
	str, ok := r.(string)
	if !ok {
		return "", NewTemplateStringError(
			fmt.Sprintf("%s must resolve to a string, got %T", field, r), s, nil).WithAction(actionKey)
	}
	return str, nil
}

// goToCty converts decoded YAML or JSON data into a cty value.
func goToCty(v interface{}) (cty.Value, error) {
	if v == nil {
		return cty.EmptyObjectVal, nil
	}
	if m, ok := v.(map[string]interface{}); ok && len(m) == 0 {
		return cty.EmptyObjectVal, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(buf)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(buf, ty)
}

// ctyToGo converts a cty value into plain Go data. Whole numbers become int64.
func ctyToGo(v cty.Value) (interface{}, error) {
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, el := it.Element()
			g, err := ctyToGo(el)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]interface{})
		it := v.ElementIterator()
		for it.Next() {
			k, el := it.Element()
			g, err := ctyToGo(el)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = g
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
