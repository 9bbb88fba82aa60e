package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/actiongraph/actiongraph/pkg/vcs"
	"github.com/rs/zerolog"
)

// wasiModule assembles a WASI command whose _start writes msg to stdout and
// exits with exit. msg must be shorter than 100 bytes.
func wasiModule(msg string, exit byte) []byte {
	section := func(id byte, content []byte) []byte {
		return append([]byte{id, byte(len(content))}, content...)
	}
	name := func(s string) []byte { return append([]byte{byte(len(s))}, s...) }

	const wasi = "wasi_snapshot_preview1"

	types := []byte{0x03,
		0x60, 0x01, 0x7f, 0x00, // (i32) -> ()
		0x60, 0x00, 0x00, // () -> ()
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // (i32 i32 i32 i32) -> i32
	}

	imports := []byte{0x02}
	imports = append(imports, name(wasi)...)
	imports = append(imports, name("fd_write")...)
	imports = append(imports, 0x00, 0x02)
	imports = append(imports, name(wasi)...)
	imports = append(imports, name("proc_exit")...)
	imports = append(imports, 0x00, 0x00)

	exports := []byte{0x02}
	exports = append(exports, name("_start")...)
	exports = append(exports, 0x00, 0x02)
	exports = append(exports, name("memory")...)
	exports = append(exports, 0x02, 0x00)

	body := []byte{0x00, // no locals
		0x41, 0x01, // fd 1
		0x41, 0x00, // iovec at 0
		0x41, 0x01, // one iovec
		0x41, 0x80, 0x08, // nwritten at 1024
		0x10, 0x00, // call fd_write
		0x1a,       // drop
		0x41, exit, // exit code
		0x10, 0x01, // call proc_exit
		0x0b,
	}
	codeSection := append([]byte{0x01, byte(len(body))}, body...)

	payload := []byte{0x08, 0x00, 0x00, 0x00, byte(len(msg)), 0x00, 0x00, 0x00}
	payload = append(payload, msg...)
	data := []byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(payload))}
	data = append(data, payload...)

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(0x01, types)...)
	out = append(out, section(0x02, imports)...)
	out = append(out, section(0x03, []byte{0x01, 0x01})...)
	out = append(out, section(0x05, []byte{0x01, 0x00, 0x01})...)
	out = append(out, section(0x07, exports)...)
	out = append(out, section(0x0a, codeSection)...)
	out = append(out, section(0x0b, data)...)
	return out
}

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	p, err := New(context.Background(), plugins.Options{
		StateDir: filepath.Join(t.TempDir(), ".agraph"),
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create plugin: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func writeModule(t *testing.T, dir, file string, module []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), module, 0o644); err != nil {
		t.Fatalf("Failed to write module: %v", err)
	}
}

func testAction(dir string, kind engine.ActionKind, version string, spec map[string]interface{}) *engine.ResolvedAction {
	return engine.NewResolvedAction(engine.ActionConfig{
		Kind:     kind,
		Type:     Name,
		Name:     "tool",
		Internal: engine.ActionInternal{BasePath: dir},
	}, spec, vcs.ModuleVersion{VersionString: version})
}

func params(action *engine.ResolvedAction) *engine.HandlerParams {
	return &engine.HandlerParams{Action: action, Log: zerolog.Nop()}
}

func TestExecuteCapturesStdout(t *testing.T) {
	p := newTestPlugin(t)
	dir := t.TempDir()
	writeModule(t, dir, "ok.wasm", wasiModule("hello from wasm\n", 0))

	h := p.Handlers(engine.KindBuild)
	action := testAction(dir, engine.KindBuild, "v-1", map[string]interface{}{"module": "ok.wasm"})

	status, err := h.Execute(context.Background(), params(action))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready, got %s", status.State)
	}
	if got := status.Outputs["stdout"]; got != "hello from wasm" {
		t.Fatalf("Expected captured stdout, got %q", got)
	}
	if got := status.Detail["log"]; got != "hello from wasm\n" {
		t.Fatalf("Expected log, got %q", got)
	}

	status, err = h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateReady {
		t.Fatalf("Expected ready after execute, got %s", status.State)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	p := newTestPlugin(t)
	dir := t.TempDir()
	writeModule(t, dir, "fail.wasm", wasiModule("broken\n", 7))

	h := p.Handlers(engine.KindRun)
	action := testAction(dir, engine.KindRun, "v-1", map[string]interface{}{"module": "fail.wasm"})

	status, err := h.Execute(context.Background(), params(action))
	if err != nil {
		t.Fatalf("Expected no error for a non-zero exit, got %v", err)
	}
	if status.State != engine.StateFailed {
		t.Fatalf("Expected failed, got %s", status.State)
	}
	if status.Detail["exitCode"] != uint32(7) {
		t.Fatalf("Expected exit code 7, got %v", status.Detail["exitCode"])
	}
	if status.Detail["message"] != "module exited with code 7" {
		t.Fatalf("Unexpected message %v", status.Detail["message"])
	}
}

func TestStatusArgs(t *testing.T) {
	p := newTestPlugin(t)
	dir := t.TempDir()
	writeModule(t, dir, "check.wasm", wasiModule("", 1))

	h := p.Handlers(engine.KindDeploy)
	action := testAction(dir, engine.KindDeploy, "v-1", map[string]interface{}{
		"module":     "check.wasm",
		"statusArgs": []interface{}{"status"},
	})

	status, err := h.GetStatus(context.Background(), params(action))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.StateNotReady {
		t.Fatalf("Expected not-ready for exit code 1, got %s", status.State)
	}
}

func TestValidate(t *testing.T) {
	p := newTestPlugin(t)
	dir := t.TempDir()
	writeModule(t, dir, "ok.wasm", wasiModule("x", 0))
	writeModule(t, dir, "bad.wasm", []byte("not wasm"))
	h := p.Handlers(engine.KindBuild)

	tests := []struct {
		name    string
		spec    map[string]interface{}
		wantErr bool
	}{
		{name: "valid", spec: map[string]interface{}{"module": "ok.wasm"}},
		{name: "not built yet", spec: map[string]interface{}{"module": "later.wasm"}},
		{name: "missing module", spec: map[string]interface{}{}, wantErr: true},
		{name: "invalid binary", spec: map[string]interface{}{"module": "bad.wasm"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(context.Background(), testAction(dir, engine.KindBuild, "v-1", tt.spec))
			if tt.wantErr != (err != nil) {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !engine.IsConfigurationError(err) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestCompileCacheTracksFileChanges(t *testing.T) {
	p := newTestPlugin(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "m.wasm")
	writeModule(t, dir, "m.wasm", wasiModule("one", 0))

	ctx := context.Background()
	first, err := p.compile(ctx, path)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	again, err := p.compile(ctx, path)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if first != again {
		t.Fatal("Expected cached compiled module")
	}

	writeModule(t, dir, "m.wasm", wasiModule("two, longer", 0))
	changed, err := p.compile(ctx, path)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if changed == first {
		t.Fatal("Expected recompilation after the file changed")
	}
}
