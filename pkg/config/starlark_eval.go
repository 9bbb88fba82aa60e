package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs Starlark varfiles. Exported globals become
// variables. Names starting with an underscore and functions are private.
//
// Scripts see the builtins struct, json (encode/decode) and
// getenv(name, default=None), plus any input passed to Evaluate.
type StarlarkEvaluator struct {
	timeout time.Duration
	getenv  func(string) (string, bool)
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout selects
// DefaultStarlarkTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout, getenv: os.LookupEnv}
}

// Evaluate runs script and converts its exported globals. On failure the
// returned result carries the error text as well.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	started := time.Now()
	output, err := se.run(ctx, filename, script, input)
	result := &StarlarkResult{Output: output, ExecutionTime: time.Since(started)}
	if err != nil {
		result.Output = nil
		result.Error = err.Error()
	}
	return result, err
}

func (se *StarlarkEvaluator) run(ctx context.Context, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"json":   starlarkjson.Module,
		"getenv": starlark.NewBuiltin("getenv", se.getenvBuiltin),
	}
	for name, v := range input {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		predeclared[name] = sv
	}

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("file", filename).Msg(msg)
		},
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, fn := v.(starlark.Callable); fn {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		output[name] = gv
	}
	return output, nil
}

func (se *StarlarkEvaluator) getenvBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name string
		def  starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := se.getenv(name); ok {
		return starlark.String(v), nil
	}
	return def, nil
}

// toStarlark converts decoded YAML or JSON values.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case string:
		return starlark.String(t), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(t))
		for _, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(t))
		for k, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot use %T as a starlark value", v)
}

// fromStarlark converts a script value to the types YAML decoding yields.
// Tuples and lists become slices. Dicts and structs become maps with
// string keys.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.Int:
		i, ok := t.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", t)
		}
		return i, nil
	case starlark.Float:
		return float64(t), nil
	case starlark.String:
		return string(t), nil
	case starlark.IterableMapping:
		out := make(map[string]interface{})
		for _, kv := range t.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			gv, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range t.AttrNames() {
			attr, err := t.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = gv
		}
		return out, nil
	case starlark.Indexable:
		out := make([]interface{}, t.Len())
		for i := range out {
			gv, err := fromStarlark(t.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
}
