package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/actiongraph/actiongraph/pkg/vcs"
	"github.com/rs/zerolog"
)

func newTestPlugin(t *testing.T, cfg map[string]interface{}) *Plugin {
	t.Helper()
	p, err := New(context.Background(), plugins.Options{
		Config:   cfg,
		StateDir: filepath.Join(t.TempDir(), ".agraph"),
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create plugin: %v", err)
	}
	return p
}

func testAction(dir string, kind engine.ActionKind, version string, spec map[string]interface{}, files ...string) *engine.ResolvedAction {
	return engine.NewResolvedAction(engine.ActionConfig{
		Kind:     kind,
		Type:     Name,
		Name:     "app",
		Internal: engine.ActionInternal{BasePath: dir},
	}, spec, vcs.ModuleVersion{VersionString: version, Files: files})
}

func params(action *engine.ResolvedAction) *engine.HandlerParams {
	return &engine.HandlerParams{
		Action: action,
		Log:    zerolog.Nop(),
		Locks:  engine.NewKeyedMutex(),
	}
}

func TestExecuteWritesStampForBuild(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindBuild)
	dir := t.TempDir()
	ctx := context.Background()

	action := testAction(dir, engine.KindBuild, "v-1111111111", map[string]interface{}{
		"command": "echo built $AGRAPH_ACTION_VERSION",
	})

	status, err := h.GetStatus(ctx, params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready before the first build, got %s", status.State)
	}

	status, err = h.Execute(ctx, params(action))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready, got %s", status.State)
	}
	if got := status.Outputs["stdout"]; got != "built v-1111111111" {
		t.Fatalf("Expected stdout with version, got %q", got)
	}

	status, err = h.GetStatus(ctx, params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready after build, got %s", status.State)
	}

	changed := testAction(dir, engine.KindBuild, "v-2222222222", map[string]interface{}{
		"command": "echo built",
	})
	status, err = h.GetStatus(ctx, params(changed))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready for a new version, got %s", status.State)
	}
}

func TestStatusForTestsIsNeverCurrent(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindTest)
	action := testAction(t.TempDir(), engine.KindTest, "v-1", map[string]interface{}{
		"command": []interface{}{"true"},
	})

	if _, err := h.Execute(context.Background(), params(action)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	status, err := h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected tests to rerun, got %s", status.State)
	}
}

func TestExecuteNonZeroExitIsFailedState(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindRun)
	action := testAction(t.TempDir(), engine.KindRun, "v-1", map[string]interface{}{
		"command": "echo boom >&2; exit 3",
	})

	status, err := h.Execute(context.Background(), params(action))
	if err != nil {
		t.Fatalf("Expected no error for a non-zero exit, got %v", err)
	}
	if status.State != engine.StateFailed {
		t.Fatalf("Expected failed state, got %s", status.State)
	}
	if status.Detail["exitCode"] != 3 {
		t.Fatalf("Expected exit code 3, got %v", status.Detail["exitCode"])
	}
	if !strings.Contains(status.Detail["log"].(string), "boom") {
		t.Fatalf("Expected stderr in log, got %q", status.Detail["log"])
	}
	if status.Detail["message"] != "command exited with code 3" {
		t.Fatalf("Unexpected message: %v", status.Detail["message"])
	}
}

func TestExecuteMissingBinaryIsError(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindRun)
	action := testAction(t.TempDir(), engine.KindRun, "v-1", map[string]interface{}{
		"command": []interface{}{"agraph-no-such-binary"},
	})

	if _, err := h.Execute(context.Background(), params(action)); err == nil {
		t.Fatal("Expected error for a missing binary")
	}
}

func TestStatusCommand(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindDeploy)
	dir := t.TempDir()
	action := testAction(dir, engine.KindDeploy, "v-1", map[string]interface{}{
		"command":       "touch deployed",
		"statusCommand": "test -f deployed",
	})

	status, err := h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready, got %s", status.State)
	}

	if _, err := h.Execute(context.Background(), params(action)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	status, err = h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready after deploy, got %s", status.State)
	}
}

func TestStatusOutputFile(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindBuild)
	dir := t.TempDir()

	src := filepath.Join(dir, "main.c")
	out := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(src, []byte("int main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	action := testAction(dir, engine.KindBuild, "v-1", map[string]interface{}{
		"command":    "cp main.c app.bin",
		"outputFile": "app.bin",
	}, "main.c", "app.bin")

	status, err := h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready without output, got %s", status.State)
	}

	if err := os.WriteFile(out, []byte("bin"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(src, old, old); err != nil {
		t.Fatal(err)
	}

	status, err = h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready with fresh output, got %s", status.State)
	}

	newer := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, newer, newer); err != nil {
		t.Fatal(err)
	}
	status, err = h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready with stale output, got %s", status.State)
	}
}

func TestExecuteUsesDirAndEnv(t *testing.T) {
	p := newTestPlugin(t, map[string]interface{}{
		"env": map[string]interface{}{"GLOBAL": "g"},
	})
	h := p.Handlers(engine.KindRun)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	action := testAction(dir, engine.KindRun, "v-1", map[string]interface{}{
		"command": `echo "$(basename "$PWD") $GLOBAL $LOCAL $AGRAPH_ACTION_KEY"`,
		"dir":     "sub",
		"env":     map[string]interface{}{"LOCAL": "l"},
	})

	status, err := h.Execute(context.Background(), params(action))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := status.Outputs["stdout"]; got != "sub g l run.app" {
		t.Fatalf("Expected \"sub g l run.app\", got %q", got)
	}
}

func TestExecuteWaitsForLock(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindDeploy)
	action := testAction(t.TempDir(), engine.KindDeploy, "v-1", map[string]interface{}{
		"command": "true",
		"lock":    "cluster",
	})

	prm := params(action)
	unlock, err := prm.Locks.Lock(context.Background(), "cluster")
	if err != nil {
		t.Fatalf("Failed to take lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Execute(ctx, prm); err == nil {
		t.Fatal("Expected execute to give up while the lock is held")
	}

	unlock()
	status, err := h.Execute(context.Background(), prm)
	if err != nil {
		t.Fatalf("Execute failed after unlock: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready, got %s", status.State)
	}
}

func TestOutputCapIsApplied(t *testing.T) {
	p := newTestPlugin(t, map[string]interface{}{"maxLogBytes": 4})
	h := p.Handlers(engine.KindRun)
	action := testAction(t.TempDir(), engine.KindRun, "v-1", map[string]interface{}{
		"command": "echo 0123456789",
	})

	status, err := h.Execute(context.Background(), params(action))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := status.Detail["log"]; got != "0123" {
		t.Fatalf("Expected truncated log, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindBuild)
	dir := t.TempDir()

	tests := []struct {
		name    string
		spec    map[string]interface{}
		wantErr bool
	}{
		{name: "string command", spec: map[string]interface{}{"command": "make"}},
		{name: "list command", spec: map[string]interface{}{"command": []interface{}{"make", "all"}}},
		{name: "missing command", spec: map[string]interface{}{}, wantErr: true},
		{name: "unknown field", spec: map[string]interface{}{"command": "make", "comand": "x"}, wantErr: true},
		{name: "bad command type", spec: map[string]interface{}{"command": map[string]interface{}{"a": 1}}, wantErr: true},
		{name: "absolute output", spec: map[string]interface{}{"command": "make", "outputFile": "/tmp/x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(context.Background(), testAction(dir, engine.KindBuild, "v-1", tt.spec))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected validation error")
				}
				if !engine.IsConfigurationError(err) {
					t.Fatalf("Expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		})
	}
}

func TestGetOutputs(t *testing.T) {
	p := newTestPlugin(t, nil)
	h := p.Handlers(engine.KindBuild)
	dir := t.TempDir()

	outputs, err := h.GetOutputs(context.Background(), testAction(dir, engine.KindBuild, "v-1", map[string]interface{}{
		"command":    "make",
		"outputFile": "bin/app",
	}))
	if err != nil {
		t.Fatalf("GetOutputs failed: %v", err)
	}
	if outputs["sourcePath"] != dir {
		t.Fatalf("Expected sourcePath %s, got %v", dir, outputs["sourcePath"])
	}
	if outputs["outputFile"] != filepath.Join(dir, "bin/app") {
		t.Fatalf("Unexpected outputFile %v", outputs["outputFile"])
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), plugins.Options{
		Config: map[string]interface{}{"maxLogBytes": -1},
		Log:    zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("Expected error for negative maxLogBytes")
	}
	if !engine.IsConfigurationError(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}
