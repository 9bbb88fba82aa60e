package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.Nop())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const denyInvalidName = `package test.policy

# Rejects actions named invalid.

import rego.v1

deny contains msg if {
	input.action.name == "invalid"
	msg := "invalid action name"
}
`

func TestLoadRego(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "naming.rego", denyInvalidName)

	p, err := newTestLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "naming" {
		t.Errorf("Expected name 'naming', got %q", p.Name)
	}
	if p.Rego != denyInvalidName {
		t.Error("Rego content doesn't match")
	}
	if p.Description != "Rejects actions named invalid." {
		t.Errorf("Expected description from comment, got %q", p.Description)
	}
	if !p.Enabled || p.Severity != SeverityError {
		t.Errorf("Expected an enabled error policy, got enabled=%v severity=%s", p.Enabled, p.Severity)
	}
	if p.Metadata["source"] != path {
		t.Errorf("Expected source %s, got %v", path, p.Metadata["source"])
	}
}

func TestLoadRegoMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "images.rego", `# METADATA
# title: Images
# description: Images must come from the internal registry
# custom:
#   severity: critical
#   tags: [supply-chain, containers]
package test.images

import rego.v1

deny contains msg if {
	not startswith(input.action.spec.image, "registry.internal/")
	msg := "untrusted registry"
}
`)

	p, err := newTestLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Description != "Images must come from the internal registry" {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", p.Severity)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "supply-chain" {
		t.Errorf("Unexpected tags %v", p.Tags)
	}
}

func TestLoadRegoMetadataDisabled(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "off.rego", `# METADATA
# custom:
#   enabled: false
package test.off
`)

	p, err := newTestLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Enabled {
		t.Error("Expected policy to be disabled")
	}
}

func TestLoadRegoErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "package broken\n\ndeny contains msg if {\n"},
		{"severity", "# METADATA\n# custom:\n#   severity: fatal\npackage test.sev\n"},
		{"enabled", "# METADATA\n# custom:\n#   enabled: maybe\npackage test.enabled\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.name+".rego", tt.content)
			if _, err := newTestLoader().loadFile(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "custom.json", `{
  "name": "custom",
  "description": "A custom policy",
  "rego": "package custom\n",
  "severity": "warning",
  "tags": ["test"]
}`)

	p, err := newTestLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "custom" || p.Description != "A custom policy" {
		t.Errorf("Unexpected policy %+v", p)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected warning, got %s", p.Severity)
	}
	if !p.Enabled {
		t.Error("Expected JSON policy to be enabled by default")
	}
}

func TestLoadJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"invalid", `{invalid json}`, "invalid JSON policy"},
		{"no-name", `{"rego": "package x"}`, "name is required"},
		{"no-rego", `{"name": "empty"}`, "has no rego"},
		{"severity", `{"name": "x", "rego": "package x", "severity": "fatal"}`, "invalid severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.name+".json", tt.content)
			_, err := newTestLoader().loadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.rego", "package b\n")
	writeFile(t, dir, "nested/a.rego", "package a\n")
	writeFile(t, dir, "README.md", "not a policy")
	extra := writeFile(t, t.TempDir(), "c.json", `{"name": "c", "rego": "package c"}`)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir, extra})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "b,a,c" {
		t.Errorf("Expected b,a,c in walk order, got %v", names)
	}
}

func TestLoadFromPathsFailsOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.rego", "package good\n")
	writeFile(t, dir, "bad.rego", "package bad\n\ndeny contains msg if {\n")

	_, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir})
	if err == nil || !strings.Contains(err.Error(), "bad.rego") {
		t.Errorf("Expected error naming bad.rego, got %v", err)
	}
}

func TestLoadFromPathsMissing(t *testing.T) {
	if _, err := newTestLoader().LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cached.rego", "package cached\n")
	loader := newTestLoader()

	if _, err := loader.loadFile(path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	// A changed file is parsed again.
	content := "# Changed.\npackage cached\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch policy: %v", err)
	}
	p, err := loader.loadFile(path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if p.Description != "Changed." {
		t.Errorf("Expected the changed file, got description %q", p.Description)
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"single", "# A policy\npackage x\n", "A policy"},
		{"joined", "# Line one\n# line two\npackage x\n", "Line one line two"},
		{"after package", "package x\n\n# Described\nimport rego.v1\n", "Described"},
		{"none", "package x\n", ""},
		{"stops at code", "# First\npackage x\n# Second\n", "First"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingComment(tt.content); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "first.rego", "package first\n")

	loader := newTestLoader()
	loader.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := loader.Watch(ctx, []string{dir}, func([]Policy) error { return nil }); err == nil {
		t.Error("Expected error when watching twice")
	}

	writeFile(t, dir, "sub/second.rego", "package second\n")
	writeFile(t, dir, "third.rego", "package third\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case policies := <-reloaded:
			if len(policies) >= 2 {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for reload")
		}
	}
}
