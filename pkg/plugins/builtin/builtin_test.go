package builtin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/rs/zerolog"
)

func TestEntriesConstructWithDefaults(t *testing.T) {
	ctx := context.Background()
	reg, err := plugins.NewRegistry(ctx, Entries(), nil, plugins.Options{
		ProjectRoot: t.TempDir(),
		StateDir:    filepath.Join(t.TempDir(), ".agraph"),
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	defer reg.Close(ctx)

	names := reg.Names()
	want := []string{"exec", "ssh", "wasm"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, names)
		}
	}

	for _, name := range want {
		for _, kind := range []engine.ActionKind{engine.KindBuild, engine.KindDeploy, engine.KindRun, engine.KindTest} {
			h, err := reg.Handlers(kind, name)
			if err != nil {
				t.Fatalf("Expected %s handlers for %s, got %v", kind, name, err)
			}
			if h.GetStatus == nil || h.Execute == nil {
				t.Fatalf("Expected %s to provide status and execute for %s", name, kind)
			}
		}
	}
}
