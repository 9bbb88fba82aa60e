package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: `replicas = 2 + 2`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["replicas"] != int64(4) {
					t.Errorf("expected replicas=4, got %v", sr.Output["replicas"])
				}
			},
		},
		{
			name:   "use input variables",
			script: `image = registry + "/api:" + tag`,
			input: map[string]interface{}{
				"registry": "ghcr.io/acme",
				"tag":      "v1",
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["image"] != "ghcr.io/acme/api:v1" {
					t.Errorf("expected image=ghcr.io/acme/api:v1, got %v", sr.Output["image"])
				}
				if _, ok := sr.Output["registry"]; ok {
					t.Error("input names must not be exported")
				}
			},
		},
		{
			name: "functions and private names are not exported",
			script: `
_base = 8000

def port(i):
    return _base + i

ports = [port(i) for i in range(3)]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 {
					t.Fatalf("expected only ports to be exported, got %v", sr.Output)
				}
				ports, ok := sr.Output["ports"].([]interface{})
				if !ok {
					t.Fatalf("expected ports to be a list, got %T", sr.Output["ports"])
				}
				if len(ports) != 3 || ports[2] != int64(8002) {
					t.Errorf("unexpected ports: %v", ports)
				}
			},
		},
		{
			name: "nested dicts and structs",
			script: `
services = {
    "api": {"port": 8080, "public": True},
    "worker": {"port": 9090, "public": False},
}
db = struct(host = "localhost", port = 5432)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				services, ok := sr.Output["services"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected services to be a dict, got %T", sr.Output["services"])
				}
				api, ok := services["api"].(map[string]interface{})
				if !ok || api["public"] != true {
					t.Errorf("unexpected api service: %v", services["api"])
				}
				db, ok := sr.Output["db"].(map[string]interface{})
				if !ok || db["port"] != int64(5432) {
					t.Errorf("unexpected db struct: %v", sr.Output["db"])
				}
			},
		},
		{
			name: "dict comprehension over enumerate",
			script: `
items = ["a", "b", "c"]
index = {val: i for i, val in enumerate(items)}
pairs = list(zip(items, [1, 2, 3]))
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				index, ok := sr.Output["index"].(map[string]interface{})
				if !ok || index["c"] != int64(2) {
					t.Errorf("unexpected index: %v", sr.Output["index"])
				}
				pairs, ok := sr.Output["pairs"].([]interface{})
				if !ok || len(pairs) != 3 {
					t.Fatalf("unexpected pairs: %v", sr.Output["pairs"])
				}
				first, ok := pairs[0].([]interface{})
				if !ok || first[0] != "a" || first[1] != int64(1) {
					t.Errorf("unexpected first pair: %v", pairs[0])
				}
			},
		},
		{
			name:    "syntax error",
			script:  `invalid syntax here`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `result = undefined_variable`,
			wantErr: true,
		},
		{
			name:    "non-string dict keys",
			script:  `result = {1: "a"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "vars.star", tt.script, tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if result.Error == "" {
					t.Error("expected result error to be set")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def slow_function():
    result = 0
    for i in range(1000000000):
        result = result + i
    return result

result = slow_function()
`

	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("evaluation was not cancelled promptly: %v", time.Since(start))
	}
}

func TestStarlarkEvaluator_Getenv(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)
	evaluator.getenv = func(name string) (string, bool) {
		if name == "DEPLOY_ENV" {
			return "staging", true
		}
		return "", false
	}

	result, err := evaluator.Evaluate(context.Background(), "env.star", `
env = getenv("DEPLOY_ENV")
region = getenv("REGION", "eu-west-1")
missing = getenv("MISSING")
`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output["env"] != "staging" {
		t.Errorf("expected env=staging, got %v", result.Output["env"])
	}
	if result.Output["region"] != "eu-west-1" {
		t.Errorf("expected default region, got %v", result.Output["region"])
	}
	if v, ok := result.Output["missing"]; !ok || v != nil {
		t.Errorf("expected missing=nil, got %v", v)
	}
}

func TestStarlarkEvaluator_PrintIsNotAnOutput(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	result, err := evaluator.Evaluate(context.Background(), "print.star", `
print("this should not appear")
result = "done"
`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}

func TestStarlarkEvaluator_JSON(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	result, err := evaluator.Evaluate(context.Background(), "json.star", `
_raw = '{"tags": ["a", "b"], "replicas": 2}'
config = json.decode(_raw)
encoded = json.encode({"zone": "b"})
`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config, ok := result.Output["config"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected config to be a dict, got %T", result.Output["config"])
	}
	if config["replicas"] != int64(2) {
		t.Errorf("expected replicas=2, got %v", config["replicas"])
	}
	if tags, _ := config["tags"].([]interface{}); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("unexpected tags %v", config["tags"])
	}
	if result.Output["encoded"] != `{"zone":"b"}` {
		t.Errorf("unexpected encoded value %v", result.Output["encoded"])
	}
	if _, ok := result.Output["_raw"]; ok {
		t.Error("private globals must not be exported")
	}
}
