package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the project's run history, newest first.

History is stored in the state directory and is only used for reporting.
It never decides whether an action needs processing.`,
		Example: `  # Last 20 runs
  agraph history

  # Events of one run
  agraph history show 6f1c2a9e-...

  # Last known state of every action
  agraph history actions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{history: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			runs, err := s.store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			if outputFormat == outputJSON {
				return writeJSON(cmd.OutOrStdout(), nonNilSlice(runs))
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tTASKS\tFAILED\tABORTED\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					r.ID, r.Command, r.Status, r.Tasks, r.Failed, r.Aborted,
					r.StartedAt.Local().Format(time.DateTime), runDuration(r))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryActionsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{history: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			run, err := s.store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return engine.NewNotFoundError(fmt.Sprintf("no run with id %s", args[0]), err)
			}
			if err != nil {
				return err
			}
			events, err := s.store.GetEvents(cmd.Context(), stores.EventQuery{RunID: run.ID, ActionKey: action})
			if err != nil {
				return err
			}

			if outputFormat == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run":    run,
					"events": nonNilSlice(events),
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run:      %s\n", run.ID)
			fmt.Fprintf(w, "Command:  %s %v\n", run.Command, run.Roots)
			fmt.Fprintf(w, "Status:   %s\n", run.Status)
			fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Duration: %s\n", runDuration(run))
			if run.Error != nil {
				fmt.Fprintf(w, "Error:    %s\n", *run.Error)
			}
			fmt.Fprintln(w)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tOPERATION\tSTATE\tVERSION\tERROR")
			for _, e := range events {
				errMsg := ""
				if e.Error != nil {
					errMsg = *e.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.RecordedAt.Local().Format(time.TimeOnly), e.ActionKey, e.Operation, e.State, e.ActionVersion, errMsg)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only show events of this action key, e.g. deploy.web")

	return cmd
}

func newHistoryActionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "Show the last recorded state of every action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{history: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			states, err := s.store.LatestActionStates(cmd.Context())
			if err != nil {
				return err
			}
			if outputFormat == outputJSON {
				return writeJSON(cmd.OutOrStdout(), nonNilSlice(states))
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tSTATE\tVERSION\tRUN\tCOMPLETED")
			for _, st := range states {
				completed := "-"
				if st.CompletedAt != nil {
					completed = st.CompletedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.ActionKey, st.State, st.ActionVersion, st.RunID, completed)
			}
			return tw.Flush()
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{history: true})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			n, err := s.store.PruneRuns(cmd.Context(), keep)
			if err != nil {
				return err
			}
			if outputFormat == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of newest runs to keep")

	return cmd
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

// nonNilSlice keeps empty lists as [] in JSON output.
func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
