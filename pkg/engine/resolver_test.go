package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/actiongraph/actiongraph/pkg/vcs"
	"github.com/rs/zerolog"
)

// Mock plugin with static outputs and validation
type staticPlugin struct {
	invalid map[string]bool
	outputs func(ra *ResolvedAction) map[string]interface{}
}

func (p *staticPlugin) Handlers(kind ActionKind, actionType string) (*ActionHandlers, error) {
	if actionType != "test" {
		return nil, NewNotFoundError("unknown type "+actionType, nil)
	}
	return &ActionHandlers{
		Validate: func(ctx context.Context, ra *ResolvedAction) error {
			if p.invalid[ra.Key()] {
				return errors.New("spec is invalid")
			}
			return nil
		},
		GetOutputs: func(ctx context.Context, ra *ResolvedAction) (map[string]interface{}, error) {
			if p.outputs == nil {
				return nil, nil
			}
			return p.outputs(ra), nil
		},
	}, nil
}

func resolve(t *testing.T, handlers HandlerLookup, configs []ActionConfig, opts ...ResolverOption) (*ResolvedConfigGraph, error) {
	t.Helper()
	graph, err := NewConfigGraph(configs)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	return NewActionResolver(graph, vcs.NewVersionCalculator(zerolog.Nop()), handlers, opts...).
		Resolve(context.Background())
}

func TestResolve_VariablePrecedence(t *testing.T) {
	cfg := testAction(KindBuild, "api")
	cfg.Internal.BasePath = ""
	cfg.Varfiles = []string{"${var.env}.yaml"}
	cfg.Variables = map[string]interface{}{
		"region": "eu-west-1",
		"label":  "${var.env}-${var.tier}",
	}
	cfg.Spec = map[string]interface{}{
		"region": "${var.region}",
		"tier":   "${var.tier}",
		"label":  "${upper(var.label)}",
		"env":    "${var.env}",
	}

	var loaded string
	loader := func(path string) (map[string]interface{}, error) {
		loaded = path
		return map[string]interface{}{"tier": "gold", "region": "us-east-1"}, nil
	}

	rg, err := resolve(t, nil, []ActionConfig{cfg},
		WithProjectVariables(map[string]interface{}{"env": "prod", "tier": "silver", "region": "ap-south-1"}),
		WithVarfileLoader(loader))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if loaded != "prod.yaml" {
		t.Errorf("Expected templated varfile path prod.yaml, got %s", loaded)
	}
	ra, _ := rg.Get("build.api")
	spec := ra.Spec()
	expected := map[string]interface{}{
		"region": "eu-west-1",
		"tier":   "gold",
		"label":  "PROD-GOLD",
		"env":    "prod",
	}
	for k, v := range expected {
		if spec[k] != v {
			t.Errorf("Expected spec.%s = %v, got %v", k, v, spec[k])
		}
	}
}

func TestResolve_VarfilesWithoutLoader(t *testing.T) {
	cfg := testAction(KindBuild, "api")
	cfg.Varfiles = []string{"vars.yaml"}
	_, err := resolve(t, nil, []ActionConfig{cfg})
	if !IsConfigurationError(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestResolve_TypedInterpolation(t *testing.T) {
	cfg := testAction(KindDeploy, "api")
	cfg.Spec = map[string]interface{}{
		"replicas": "${var.replicas}",
		"debug":    "${var.debug}",
		"text":     "replicas=${var.replicas}",
		"nested": map[string]interface{}{
			"list": []interface{}{"${this.name}", "${this.kind}"},
		},
	}
	rg, err := resolve(t, nil, []ActionConfig{cfg},
		WithProjectVariables(map[string]interface{}{"replicas": 3, "debug": true}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	spec, _ := rg.GetByKindAndName(KindDeploy, "api")
	s := spec.Spec()
	if s["replicas"] != int64(3) {
		t.Errorf("Expected replicas int64(3), got %#v", s["replicas"])
	}
	if s["debug"] != true {
		t.Errorf("Expected debug true, got %#v", s["debug"])
	}
	if s["text"] != "replicas=3" {
		t.Errorf("Expected text replicas=3, got %#v", s["text"])
	}
	list := s["nested"].(map[string]interface{})["list"].([]interface{})
	if list[0] != "api" || list[1] != "deploy" {
		t.Errorf("Expected [api deploy], got %v", list)
	}
}

func TestResolve_StaticOutputsFlowToDependants(t *testing.T) {
	deploy := testAction(KindDeploy, "api")
	deploy.Spec = map[string]interface{}{
		"image":   "${actions.build.api.outputs.image}",
		"version": "${actions.build.api.version}",
	}
	plugin := &staticPlugin{
		outputs: func(ra *ResolvedAction) map[string]interface{} {
			if ra.Kind() != KindBuild {
				return nil
			}
			return map[string]interface{}{"image": "registry/" + ra.Name() + ":" + ra.VersionString()}
		},
	}

	rg, err := resolve(t, plugin, []ActionConfig{testAction(KindBuild, "api"), deploy})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	build, _ := rg.Get("build.api")
	ra, _ := rg.Get("deploy.api")
	spec := ra.Spec()
	if spec["image"] != "registry/api:"+build.VersionString() {
		t.Errorf("Expected image from static outputs, got %v", spec["image"])
	}
	if spec["version"] != build.VersionString() {
		t.Errorf("Expected dependency version, got %v", spec["version"])
	}
	if build.StaticOutputs()["image"] == nil {
		t.Error("Expected static outputs on build.api")
	}
}

func TestResolve_VersionFormat(t *testing.T) {
	rg, err := resolve(t, nil, []ActionConfig{testAction(KindBuild, "api")})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	ra, _ := rg.Get("build.api")
	if !regexp.MustCompile(`^v-[0-9a-f]{10}$`).MatchString(ra.VersionString()) {
		t.Errorf("Expected v- followed by 10 hex chars, got %s", ra.VersionString())
	}
}

func TestResolve_VersionDeterminism(t *testing.T) {
	configs := func(tag string) []ActionConfig {
		build := testAction(KindBuild, "api")
		build.Spec = map[string]interface{}{"tag": tag}
		return []ActionConfig{build, testAction(KindDeploy, "api", "build.api")}
	}

	first, err := resolve(t, nil, configs("one"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := resolve(t, nil, configs("one"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	changed, err := resolve(t, nil, configs("two"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	v1, _ := first.Get("deploy.api")
	v2, _ := second.Get("deploy.api")
	v3, _ := changed.Get("deploy.api")
	if v1.VersionString() != v2.VersionString() {
		t.Errorf("Expected identical versions, got %s and %s", v1.VersionString(), v2.VersionString())
	}
	if v1.VersionString() == v3.VersionString() {
		t.Error("Expected dependency spec change to change the dependant version")
	}
	if v3.Version().DependencyVersions["build.api"] == "" {
		t.Error("Expected dependency versions to be recorded")
	}
}

func TestResolve_SourceTreeAffectsVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	file := filepath.Join(dir, "src", "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cfg := testAction(KindBuild, "api")
	cfg.Internal.BasePath = dir
	cfg.Source = "src"

	before, err := resolve(t, nil, []ActionConfig{cfg})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := os.WriteFile(file, []byte("package main\n\nfunc main() {}\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	after, err := resolve(t, nil, []ActionConfig{cfg})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	b, _ := before.Get("build.api")
	a, _ := after.Get("build.api")
	if b.SourcePath() != filepath.Join(dir, "src") {
		t.Errorf("Expected source path %s, got %s", filepath.Join(dir, "src"), b.SourcePath())
	}
	if len(b.Version().Files) != 1 {
		t.Errorf("Expected 1 versioned file, got %v", b.Version().Files)
	}
	if b.VersionString() == a.VersionString() {
		t.Error("Expected source change to change the version")
	}
}

func TestResolve_UnknownTypeFailsDependants(t *testing.T) {
	broken := testAction(KindBuild, "api")
	broken.Type = "missing"

	rg, err := resolve(t, &staticPlugin{}, []ActionConfig{
		broken,
		testAction(KindDeploy, "api", "build.api"),
		testAction(KindBuild, "web"),
	})
	if !IsConfigurationError(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}

	failures := rg.Failures()
	if len(failures) != 2 {
		t.Errorf("Expected 2 failures, got %d", len(failures))
	}
	if _, ok := failures["deploy.api"]; !ok {
		t.Error("Expected deploy.api to fail with its dependency")
	}
	if _, err := rg.Get("build.web"); err != nil {
		t.Errorf("Expected build.web to resolve, got %v", err)
	}
	if _, err := rg.Get("deploy.api"); !IsConfigurationError(err) {
		t.Errorf("Expected configuration error for failed action, got %v", err)
	}
}

func TestResolve_ValidationFailure(t *testing.T) {
	plugin := &staticPlugin{invalid: map[string]bool{"run.migrate": true}}
	_, err := resolve(t, plugin, []ActionConfig{testAction(KindRun, "migrate")})
	if !IsConfigurationError(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestResolve_TemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]interface{}
	}{
		{"missing variable", map[string]interface{}{"a": "${var.missing}"}},
		{"syntax error", map[string]interface{}{"a": "${var.}"}},
		{"unknown function", map[string]interface{}{"a": "${explode(var.x)}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAction(KindBuild, "api")
			cfg.Spec = tt.spec
			graph, err := NewConfigGraph([]ActionConfig{cfg})
			if err != nil {
				if IsTemplateStringError(err) {
					return
				}
				t.Fatalf("Unexpected graph error: %v", err)
			}
			_, err = NewActionResolver(graph, nil, nil,
				WithProjectVariables(map[string]interface{}{"x": "y"})).Resolve(context.Background())
			if !IsTemplateStringError(err) {
				t.Errorf("Expected template string error, got %v", err)
			}
		})
	}
}

func TestResolve_TemplatedDisabled(t *testing.T) {
	cfg := testAction(KindDeploy, "preview")
	cfg.Disabled = "${var.env == \"prod\"}"

	rg, err := resolve(t, nil, []ActionConfig{cfg},
		WithProjectVariables(map[string]interface{}{"env": "prod"}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	ra, _ := rg.Get("deploy.preview")
	if !ra.IsDisabled() {
		t.Error("Expected templated disabled to resolve true")
	}
}

func TestResolve_IncludeMustBeStrings(t *testing.T) {
	cfg := testAction(KindBuild, "api")
	cfg.Include = []string{"${var.count}"}
	_, err := resolve(t, nil, []ActionConfig{cfg},
		WithProjectVariables(map[string]interface{}{"count": 2}))
	if !IsTemplateStringError(err) {
		t.Errorf("Expected template string error, got %v", err)
	}
}

func TestResolve_CancelledContext(t *testing.T) {
	graph, err := NewConfigGraph([]ActionConfig{testAction(KindBuild, "api")})
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewActionResolver(graph, nil, nil).Resolve(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
