package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/config"
	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const projectTemplate = `# agraph project configuration
name: %s

# Variables are available to every action as ${var.<name>}.
variables:
  greeting: hello

plugins:
  - name: exec
  - name: ssh
  - name: wasm

defaults:
  concurrency: 6
  timeout: 10m

policy:
  enabled: true
  mode: enforcing
  dir: policies

telemetry:
  logLevel: info
  logFormat: console
`

const actionsTemplate = `kind: Build
type: exec
name: app
description: Build the application
include: ["src/**"]
spec:
  command: ["sh", "-c", "mkdir -p dist && cp -r src/. dist/"]
  outputFile: dist/main.txt
---
kind: Test
type: exec
name: app
dependencies: [build.app]
timeout: 2m
spec:
  command: ["test", "-s", "dist/main.txt"]
---
kind: Run
type: exec
name: hello
timeout: 30s
spec:
  command: "echo ${var.greeting} from ${actions.build.app.version}"
`

const policyTemplate = `# Test actions must not run against a project named prod.
package agraph.policies.project

import rego.v1

deny contains msg if {
	input.action.kind == "test"
	input.context.project == "prod"
	msg := sprintf("%s must not run against prod", [input.action.key])
}
`

var projectNamePattern = regexp.MustCompile(`[^a-z0-9-]+`)

func newInitCommand() *cobra.Command {
	var (
		name  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize an agraph project",
		Long: `Initialize a new agraph project with a project file, example actions and
an example policy.

The state directory (.agraph) holds run history and version stamps and is
added to .gitignore.`,
		Example: `  # Initialize the current directory
  agraph init

  # Initialize a new directory with an explicit project name
  agraph init ./shop --name shop`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			root, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.Trim(projectNamePattern.ReplaceAllString(strings.ToLower(filepath.Base(root)), "-"), "-")
			}
			if name == "" {
				return engine.NewConfigurationError("cannot derive a project name, use --name", nil)
			}

			projectFile := filepath.Join(root, config.ProjectFile)
			if _, err := os.Stat(projectFile); err == nil && !force {
				return engine.NewConfigurationError(fmt.Sprintf("%s already exists, use --force to overwrite", projectFile), nil)
			}

			log.Info().Str("root", root).Str("name", name).Msg("Initializing project")

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Initializing agraph project %q in %s\n\n", name, root)

			dirs := []string{root, filepath.Join(root, "src"), filepath.Join(root, "policies")}
			for _, d := range dirs {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			files := []struct {
				path      string
				content   string
				overwrite bool
			}{
				{config.ProjectFile, fmt.Sprintf(projectTemplate, name), true},
				{"app.agraph.yaml", actionsTemplate, force},
				{filepath.Join("src", "main.txt"), "hello\n", false},
				{filepath.Join("policies", "project.rego"), policyTemplate, force},
			}
			for _, f := range files {
				path := filepath.Join(root, f.path)
				if _, err := os.Stat(path); err == nil && !f.overwrite {
					fmt.Fprintf(w, "- Kept existing %s\n", f.path)
					continue
				}
				if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Fprintf(w, "✓ Created %s\n", f.path)
			}

			if err := ensureGitignore(root, config.DefaultStateDir+"/"); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Ignored %s/ in .gitignore\n", config.DefaultStateDir)

			fmt.Fprintf(w, "\nNext steps:\n")
			fmt.Fprintf(w, "  agraph validate\n")
			fmt.Fprintf(w, "  agraph graph | dot -Tsvg > graph.svg\n")
			fmt.Fprintf(w, "  agraph test\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// ensureGitignore appends entry to root/.gitignore unless it is listed.
func ensureGitignore(root, entry string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}
	return nil
}
