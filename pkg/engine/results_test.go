package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/actiongraph/actiongraph/pkg/vcs"
)

func newTestTask(kind ActionKind, name string) *Task {
	cfg := testAction(kind, name)
	return NewTask(NewResolvedAction(cfg, nil, vcs.ModuleVersion{VersionString: "v-0123456789"}), false)
}

func TestGraphResults_SetResult(t *testing.T) {
	a := newTestTask(KindBuild, "a")
	b := newTestTask(KindDeploy, "b")
	results := NewGraphResults([]*Task{a, b, a})

	if results.Len() != 2 {
		t.Fatalf("Expected duplicate task keys to collapse, got %d", results.Len())
	}

	if err := results.SetResult("build.a", &GraphResult{Key: "build.a", Outcome: TaskStateReady}); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	if got := results.GetResult("build.a"); got == nil || got.Task() != a {
		t.Error("Expected result bound to its task")
	}

	err := results.SetResult("build.a", &GraphResult{Key: "build.a"})
	if !IsInternalError(err) {
		t.Errorf("Expected internal error on second write, got %v", err)
	}

	err = results.SetResult("run.c", &GraphResult{Key: "run.c"})
	if !IsInternalError(err) {
		t.Fatalf("Expected internal error for unknown key, got %v", err)
	}
	if !strings.Contains(err.Error(), "Available keys") || !strings.Contains(err.Error(), "deploy.b") {
		t.Errorf("Expected available keys in message, got %s", err.Error())
	}

	if err := results.SetResult("deploy.b", nil); !IsInternalError(err) {
		t.Errorf("Expected internal error for nil result, got %v", err)
	}
}

func TestGraphResults_Queries(t *testing.T) {
	a := newTestTask(KindBuild, "a")
	b := newTestTask(KindDeploy, "b")
	c := newTestTask(KindBuild, "c")
	results := NewGraphResults([]*Task{a, b, c})

	failure := NewRuntimeError("failed", nil)
	_ = results.SetResult("build.c", &GraphResult{Key: "build.c", Type: "build", Outcome: TaskStateFailed, Error: failure})
	_ = results.SetResult("build.a", &GraphResult{Key: "build.a", Type: "build", Outcome: TaskStateReady})

	missing := results.GetMissing()
	if len(missing) != 1 || missing[0] != b {
		t.Errorf("Expected deploy.b missing, got %v", missing)
	}

	all := results.GetAll()
	if len(all) != 2 || all[0].Key != "build.a" || all[1].Key != "build.c" {
		t.Errorf("Expected results in insertion order, got %v", all)
	}

	m := results.GetMap()
	if len(m) != 3 {
		t.Errorf("Expected 3 keys in map, got %d", len(m))
	}
	if v, ok := m["deploy.b"]; !ok || v != nil {
		t.Error("Expected unsettled key to map to nil")
	}

	if builds := results.GetResultsByKind(KindBuild); len(builds) != 2 {
		t.Errorf("Expected 2 build results, got %d", len(builds))
	}
	if !results.HasKey("deploy.b") || results.HasKey("run.x") {
		t.Error("Unexpected HasKey result")
	}
	if !errors.Is(results.FirstError(), failure) {
		t.Errorf("Expected first error, got %v", results.FirstError())
	}
}

func TestGraphResults_FirstErrorSkipsAborted(t *testing.T) {
	a := newTestTask(KindBuild, "a")
	b := newTestTask(KindBuild, "b")
	results := NewGraphResults([]*Task{a, b})

	_ = results.SetResult("build.a", &GraphResult{Outcome: TaskStateAborted, Aborted: true, Error: NewRuntimeError("aborted", nil)})
	cause := NewPluginError("real failure", nil)
	_ = results.SetResult("build.b", &GraphResult{Outcome: TaskStateFailed, Error: cause})

	if results.FirstError() != cause {
		t.Errorf("Expected the failed task's error, got %v", results.FirstError())
	}
}

func TestFilterForGraphResult(t *testing.T) {
	task := newTestTask(KindBuild, "a")
	dep := &GraphResult{Key: "build.base", task: task}
	res := &GraphResult{Key: "build.a", task: task, DependencyResults: map[string]*GraphResult{"build.base": dep}}

	filtered := res.FilterForGraphResult()
	if filtered.Task() != nil {
		t.Error("Expected task reference removed")
	}
	if filtered.DependencyResults["build.base"].Task() != nil {
		t.Error("Expected nested task reference removed")
	}
	if res.Task() != task || dep.Task() != task {
		t.Error("Expected the original to be untouched")
	}
}

func TestGraphResults_Export(t *testing.T) {
	task := newTestTask(KindBuild, "api")
	results := NewGraphResults([]*Task{task})

	now := time.Now()
	err := results.SetResult("build.api", &GraphResult{
		Type:        "build",
		Key:         "build.api",
		Name:        "api",
		Outcome:     TaskStateReady,
		Success:     true,
		Processed:   true,
		Version:     "v-0123456789",
		StartedAt:   &now,
		CompletedAt: &now,
		Result: &ActionStatus{
			State: StateReady,
			Detail: map[string]interface{}{
				"buildLog": "ok",
				"secret":   "hunter2",
				"exitCode": 0,
			},
			Outputs: map[string]interface{}{"image": "api:v1"},
		},
		Outputs: map[string]interface{}{
			"image":          "api:v1",
			"resolvedAction": task.Action(),
			"nested":         map[string]interface{}{"task": task, "keep": 1},
		},
		Error: NewInternalError("oops", nil).WithDetail("key", "build.api").WithDetail("password", "x"),
	})
	if err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}

	exported := results.Export()["build.api"]
	if exported == nil {
		t.Fatal("Expected exported result")
	}

	if exported.Result["state"] != "ready" || exported.Result["exitCode"] != 0 {
		t.Errorf("Expected whitelisted status fields, got %v", exported.Result)
	}
	if _, ok := exported.Result["secret"]; ok {
		t.Error("Expected non-whitelisted detail dropped")
	}
	detail := exported.Result["detail"].(map[string]interface{})
	if detail["buildLog"] != "ok" {
		t.Errorf("Expected buildLog detail, got %v", detail)
	}

	if _, ok := exported.Outputs["resolvedAction"]; ok {
		t.Error("Expected resolvedAction output omitted")
	}
	nested := exported.Outputs["nested"].(map[string]interface{})
	if _, ok := nested["task"]; ok || nested["keep"] != 1 {
		t.Errorf("Expected engine objects stripped from nested outputs, got %v", nested)
	}

	if exported.Error == nil || exported.Error.Type != "internal" || exported.Error.Stack == "" {
		t.Errorf("Expected internal error with stack, got %+v", exported.Error)
	}
	if _, ok := exported.Error.Detail["password"]; ok {
		t.Error("Expected non-whitelisted error detail dropped")
	}

	if _, err := json.Marshal(results.Export()); err != nil {
		t.Errorf("Expected export to be JSON-safe, got %v", err)
	}
}
