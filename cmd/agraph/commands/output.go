package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

// runReport is the JSON output of build, deploy, run, test and status.
type runReport struct {
	Session string                            `json:"session,omitempty"`
	Command string                            `json:"command"`
	Success bool                              `json:"success"`
	Results map[string]*engine.ExportedResult `json:"results"`
	Error   string                            `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResults writes results in the selected output format.
func printResults(w io.Writer, command, sessionID string, results *engine.GraphResults, runErr error) error {
	if outputFormat == outputJSON {
		report := runReport{
			Session: sessionID,
			Command: command,
			Success: runErr == nil && failedCount(results) == 0,
			Results: map[string]*engine.ExportedResult{},
		}
		if results != nil {
			report.Results = results.Export()
		}
		if runErr != nil {
			report.Error = runErr.Error()
		}
		return writeJSON(w, report)
	}

	if results == nil {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tSTATE\tOUTCOME\tVERSION\tDURATION")
	for _, res := range results.GetAll() {
		if res == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Key, res.State, outcome(res), res.Version, duration(res))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, res := range results.GetAll() {
		if res == nil || res.Error == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s: %s\n", res.Key, res.Error)
		if log := detailLog(res); log != "" {
			fmt.Fprintf(w, "%s\n", indent(log, "  | "))
		}
	}
	return nil
}

func outcome(res *engine.GraphResult) string {
	if res.Cached {
		return string(engine.TaskStateCached)
	}
	return string(res.Outcome)
}

func duration(res *engine.GraphResult) string {
	if res.StartedAt == nil || res.CompletedAt == nil {
		return "-"
	}
	return res.CompletedAt.Sub(*res.StartedAt).Round(time.Millisecond).String()
}

// detailLog returns the captured log of a failed task, if the handler
// reported one.
func detailLog(res *engine.GraphResult) string {
	if res.Result == nil {
		return ""
	}
	for _, key := range []string{"log", "buildLog"} {
		if s, ok := res.Result.Detail[key].(string); ok && s != "" {
			return strings.TrimRight(s, "\n")
		}
	}
	return ""
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// failedCount counts failed and aborted results.
func failedCount(results *engine.GraphResults) int {
	if results == nil {
		return 0
	}
	n := 0
	for _, res := range results.GetAll() {
		if res != nil && (res.Aborted || res.Outcome == engine.TaskStateFailed || res.Error != nil) {
			n++
		}
	}
	return n
}
