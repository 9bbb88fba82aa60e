package commands

import (
	"fmt"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/policy"
	"github.com/spf13/cobra"
)

// validationReport is the JSON output of validate.
type validationReport struct {
	Valid    bool               `json:"valid"`
	Actions  int                `json:"actions"`
	Files    []string           `json:"files"`
	Errors   []validationError  `json:"errors,omitempty"`
	Warnings []policy.Violation `json:"warnings,omitempty"`
}

type validationError struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration",
		Long: `Validate the project configuration without processing anything.

This command checks:
  - agraph.yaml and action files against the schema
  - Dependency references and cycles
  - Template expressions
  - Action specs, by asking each plugin to validate them
  - Policy compliance (OPA/rego), when policies are enabled`,
		Example: `  # Validate the project in the current directory
  agraph validate

  # Validate another project and print JSON
  agraph validate -C ./services/shop --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{plugins: true, policy: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			report := validationReport{
				Actions: len(s.project.Actions),
				Files:   s.project.Files,
			}

			resolved, resolveErr := s.resolve(cmd.Context())
			report.Errors = append(report.Errors, splitErrors(resolveErr)...)

			if resolved != nil && s.policies != nil {
				result, err := s.policies.Evaluate(cmd.Context(), resolved.GetActions(), policy.Context{
					Project: s.project.Config.Name,
					Command: s.command,
				})
				if err != nil {
					return err
				}
				report.Warnings = result.Warnings
				for _, v := range result.Violations {
					report.Errors = append(report.Errors, validationError{
						Type:    "policy",
						Action:  v.Action,
						Message: fmt.Sprintf("[%s] %s", v.Policy, v.Message),
					})
				}
			}
			report.Valid = len(report.Errors) == 0

			if err := printValidation(cmd, report); err != nil {
				return err
			}
			if !report.Valid {
				return engine.NewConfigurationError(fmt.Sprintf("validation failed with %d errors", len(report.Errors)), resolveErr)
			}
			return nil
		},
	}

	return cmd
}

func printValidation(cmd *cobra.Command, report validationReport) error {
	w := cmd.OutOrStdout()
	if outputFormat == outputJSON {
		return writeJSON(w, report)
	}

	for _, e := range report.Errors {
		fmt.Fprintf(w, "✗ %s\n", e.Message)
	}
	for _, v := range report.Warnings {
		fmt.Fprintf(w, "! [%s] %s\n", v.Policy, v.Message)
	}
	if report.Valid {
		fmt.Fprintf(w, "✓ %d actions in %d files are valid\n", report.Actions, len(report.Files))
	}
	return nil
}

// splitErrors flattens joined errors into report entries.
func splitErrors(err error) []validationError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []validationError
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}

	ee := engine.ToEngineError(err)
	return []validationError{{
		Type:    string(ee.Type),
		Action:  ee.Action,
		Message: err.Error(),
	}}
}
