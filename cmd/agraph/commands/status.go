package commands

import (
	"strings"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "status [kind]",
		Short: "Show the status of actions",
		Long: `Ask each plugin for the status of actions at their current version.

Nothing is processed and no events are recorded. Dependencies are checked
along with the actions that need them.`,
		Example: `  # Status of every action
  agraph status

  # Status of deploy actions as JSON
  agraph status deploy --output json`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"build", "deploy", "run", "test"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var kinds []engine.ActionKind
			if len(args) == 1 {
				kind, err := engine.ParseActionKind(args[0])
				if err != nil {
					return err
				}
				kinds = []engine.ActionKind{kind}
			} else {
				kinds = engine.ActionKinds
			}

			s, err := openSession(cmd, sessionOptions{plugins: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			resolved, err := s.resolve(cmd.Context())
			if err != nil {
				return err
			}

			var tasks []*engine.Task
			for _, kind := range kinds {
				kt, err := tasksFor(resolved, kind, nil, false)
				if err != nil {
					return err
				}
				tasks = append(tasks, kt...)
			}

			opts := engine.ProcessOptions{
				StatusOnly:       true,
				ConcurrencyLimit: concurrency,
				SessionID:        uuid.New().String(),
			}
			results, err := s.process(cmd.Context(), resolved, tasks, opts)
			return printResults(cmd.OutOrStdout(), strings.TrimSpace("status "+strings.Join(args, " ")), opts.SessionID, results, err)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent status checks")

	return cmd
}
