package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	projectDir   string
	logLevel     string
	logFormat    string
	outputFormat string
)

const (
	outputText = "text"
	outputJSON = "json"
)

// buildInfo is set by Execute.
var buildInfo = struct {
	version, commit, date string
}{version: "dev", commit: "unknown", date: "unknown"}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit code. Configuration
// problems exit with 2, everything else with 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case engine.IsConfigurationError(err), engine.IsValidationError(err),
		engine.IsGraphCycleError(err), engine.IsTemplateStringError(err):
		return 2
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildInfo.version, buildInfo.commit, buildInfo.date = version, commit, buildDate

	rootCmd := &cobra.Command{
		Use:   "agraph",
		Short: "agraph - action graph runner",
		Long: `agraph builds, deploys, runs and tests a project described as a graph of
actions.

Each action declares its kind, the plugin that implements it and the actions
it depends on. agraph resolves templates, computes a content version for every
action and only processes actions whose version is not ready yet.

Features:
  - YAML and CUE action files, Starlark varfiles
  - Content-addressed versions with dependency propagation
  - Bounded-concurrency scheduling with timeouts
  - exec, ssh and WASM plugins
  - Policy checks with OPA/Rego
  - Run history in SQLite, Prometheus metrics, OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project directory (default: search upwards for agraph.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "output format (text, json)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if outputFormat != outputText && outputFormat != outputJSON {
			return engine.NewConfigurationError(fmt.Sprintf("unsupported output format %q", outputFormat), nil)
		}
		return nil
	}

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	for _, kind := range engine.ActionKinds {
		rootCmd.AddCommand(newProcessCommand(kind))
	}
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
