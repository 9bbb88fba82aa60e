package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// processFlags are the flags of build, deploy, run and test.
type processFlags struct {
	force            bool
	concurrency      int
	proceedOnFailure bool
	watch            bool
}

var processHelp = map[engine.ActionKind]struct{ short, example string }{
	engine.KindBuild: {
		short: "Build actions and their dependencies",
		example: `  # Build everything that is not up to date
  agraph build

  # Rebuild api even if its version is ready
  agraph build api --force`,
	},
	engine.KindDeploy: {
		short: "Deploy actions and their dependencies",
		example: `  # Deploy web and whatever it depends on
  agraph deploy web

  # Keep deploying on every source change
  agraph deploy --watch`,
	},
	engine.KindRun: {
		short: "Run actions and their dependencies",
		example: `  # Run the migrate action
  agraph run migrate`,
	},
	engine.KindTest: {
		short: "Run test actions and their dependencies",
		example: `  # Run all tests, four at a time, and print JSON results
  agraph test --concurrency 4 --output json`,
	},
}

func newProcessCommand(kind engine.ActionKind) *cobra.Command {
	var flags processFlags
	help := processHelp[kind]

	cmd := &cobra.Command{
		Use:   kind.Lower() + " [names...]",
		Short: help.short,
		Long: fmt.Sprintf(`Process %s actions.

With no names every enabled %s action is processed. Dependencies are
processed first. An action whose version is already ready is skipped
unless --force is given.

Before anything runs, every action is resolved and checked against the
project policies.`, kind.Lower(), kind.Lower()),
		Example: help.example,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{plugins: true, history: true, policy: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			run := func(ctx context.Context) error {
				return s.runKind(ctx, kind, args, flags)
			}
			if flags.watch {
				return s.watch(cmd.Context(), run)
			}
			return run(cmd.Context())
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "process actions even if their version is ready")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max concurrent operations (default: project setting or 6)")
	cmd.Flags().BoolVar(&flags.proceedOnFailure, "proceed-on-failure", false, "process actions whose dependencies failed")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "process again when sources change")

	return cmd
}

// runKind resolves the project and processes the named actions of kind.
func (s *session) runKind(ctx context.Context, kind engine.ActionKind, names []string, flags processFlags) error {
	resolved, err := s.resolve(ctx)
	if err != nil {
		return err
	}

	tasks, err := tasksFor(resolved, kind, names, flags.force)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		s.log.Warn().Str("kind", kind.Lower()).Msg("No actions to process")
		return nil
	}

	if _, err := s.checkPolicies(ctx, resolved.GetActions()); err != nil {
		return err
	}

	concurrency := flags.concurrency
	if concurrency == 0 {
		concurrency = s.project.Config.Defaults.Concurrency
	}
	opts := engine.ProcessOptions{
		Force:                      flags.force,
		ConcurrencyLimit:           concurrency,
		ProceedOnDependencyFailure: flags.proceedOnFailure,
		SessionID:                  uuid.New().String(),
	}

	s.log.Info().
		Str("session", opts.SessionID).
		Int("roots", len(tasks)).
		Bool("force", opts.Force).
		Msgf("Processing %s actions", kind.Lower())

	results, err := s.process(ctx, resolved, tasks, opts)
	if perr := printResults(s.cmd.OutOrStdout(), s.command, opts.SessionID, results, err); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}

	if n := failedCount(results); n > 0 {
		return engine.NewRuntimeError(fmt.Sprintf("%d of %d tasks did not succeed", n, results.Len()), results.FirstError()).
			WithOperation(kind.Lower())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return nil
}
