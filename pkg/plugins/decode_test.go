package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/vcs"
)

type testSpec struct {
	Command Args              `yaml:"command" validate:"required,min=1"`
	Retries int               `yaml:"retries" validate:"gte=0,lte=5"`
	Env     map[string]string `yaml:"env"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		src     map[string]interface{}
		want    []string
		wantErr bool
	}{
		{name: "shell string", src: map[string]interface{}{"command": "make all"}, want: []string{"sh", "-c", "make all"}},
		{name: "argv list", src: map[string]interface{}{"command": []interface{}{"go", "test", "./..."}}, want: []string{"go", "test", "./..."}},
		{name: "missing command", src: map[string]interface{}{}, wantErr: true},
		{name: "empty string", src: map[string]interface{}{"command": ""}, wantErr: true},
		{name: "map command", src: map[string]interface{}{"command": map[string]interface{}{"a": 1}}, wantErr: true},
		{name: "unknown field", src: map[string]interface{}{"command": "x", "comand": "y"}, wantErr: true},
		{name: "out of range", src: map[string]interface{}{"command": "x", "retries": 9}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spec testSpec
			err := Decode(tt.src, &spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected an error, got %+v", spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(spec.Command) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, spec.Command)
			}
			for i := range tt.want {
				if spec.Command[i] != tt.want[i] {
					t.Fatalf("Expected %v, got %v", tt.want, spec.Command)
				}
			}
		})
	}
}

func TestDecodeSpecIsConfigurationError(t *testing.T) {
	action := engine.NewResolvedAction(engine.ActionConfig{
		Kind: engine.KindRun,
		Type: "exec",
		Name: "lint",
	}, map[string]interface{}{"retries": -1}, vcs.ModuleVersion{VersionString: "v-1"})

	var spec testSpec
	err := DecodeSpec(action, &spec)
	if !engine.IsConfigurationError(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if ee := engine.ToEngineError(err); ee.Action != "run.lint" {
		t.Fatalf("Expected the action key on the error, got %q", ee.Action)
	}
}

func TestVersionStamps(t *testing.T) {
	dir := t.TempDir()
	stamps := NewVersionStamps(dir, "exec")

	build := func(version string) *engine.ResolvedAction {
		return engine.NewResolvedAction(engine.ActionConfig{Kind: engine.KindBuild, Type: "exec", Name: "api"},
			nil, vcs.ModuleVersion{VersionString: version})
	}
	run := engine.NewResolvedAction(engine.ActionConfig{Kind: engine.KindRun, Type: "exec", Name: "api"},
		nil, vcs.ModuleVersion{VersionString: "v-1"})

	if stamps.Current(build("v-1")) {
		t.Fatal("Expected no stamp before recording")
	}
	if err := stamps.Record(build("v-1")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !stamps.Current(build("v-1")) {
		t.Fatal("Expected recorded version to be current")
	}
	if stamps.Current(build("v-2")) {
		t.Fatal("Expected a new version not to be current")
	}
	if _, err := os.Stat(filepath.Join(dir, "exec", "build.api.version")); err != nil {
		t.Fatalf("Expected stamp file: %v", err)
	}

	if err := stamps.Record(run); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if stamps.Current(run) {
		t.Fatal("Expected runs never to be stamped")
	}

	disabled := NewVersionStamps("", "exec")
	if err := disabled.Record(build("v-1")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if disabled.Current(build("v-1")) {
		t.Fatal("Expected disabled stamps never to be current")
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := NewLimitedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Expected 3, nil; got %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Expected the full length to be reported, got %d, %v", n, err)
	}
	if b.String() != "abcde" {
		t.Fatalf("Expected \"abcde\", got %q", b.String())
	}
}
