package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":   buildInfo.version,
				"commit":    buildInfo.commit,
				"buildDate": buildInfo.date,
				"go":        runtime.Version(),
				"platform":  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if outputFormat == outputJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "agraph %s\n", info["version"])
			fmt.Fprintf(w, "  commit:   %s\n", info["commit"])
			fmt.Fprintf(w, "  built:    %s\n", info["buildDate"])
			fmt.Fprintf(w, "  go:       %s\n", info["go"])
			fmt.Fprintf(w, "  platform: %s\n", info["platform"])
			return nil
		},
	}
}
