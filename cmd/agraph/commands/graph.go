package commands

import (
	"fmt"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/spf13/cobra"
)

// graphNode is one action in the JSON output of graph.
type graphNode struct {
	Key          string      `json:"key"`
	Type         string      `json:"type"`
	Disabled     bool        `json:"disabled"`
	Dependencies []graphEdge `json:"dependencies"`
}

type graphEdge struct {
	Key                  string `json:"key"`
	Explicit             bool   `json:"explicit"`
	NeedsStaticOutputs   bool   `json:"needsStaticOutputs"`
	NeedsExecutedOutputs bool   `json:"needsExecutedOutputs"`
}

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the action dependency graph",
		Long: `Print the action dependency graph.

The default output is Graphviz DOT with actions grouped by topological level.
Explicit dependencies are solid edges; template references are dashed.`,
		Example: `  # Render the graph with Graphviz
  agraph graph | dot -Tsvg > graph.svg

  # Print levels and edges as JSON
  agraph graph --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			graph, err := engine.NewConfigGraph(s.project.Actions, engine.WithGraphVariables(s.project.Variables))
			if err != nil {
				return err
			}

			if outputFormat == outputJSON {
				nodes := make([]graphNode, 0, graph.Len())
				for _, a := range graph.TopologicalOrder() {
					node := graphNode{
						Key:          a.Key(),
						Type:         a.Type(),
						Disabled:     a.IsDisabled(),
						Dependencies: []graphEdge{},
					}
					for _, e := range a.Dependencies() {
						node.Dependencies = append(node.Dependencies, graphEdge{
							Key:                  e.Ref.String(),
							Explicit:             e.Explicit,
							NeedsStaticOutputs:   e.NeedsStaticOutputs,
							NeedsExecutedOutputs: e.NeedsExecutedOutputs,
						})
					}
					nodes = append(nodes, node)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"levels":  graph.Levels(),
					"actions": nodes,
				})
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
			return err
		},
	}

	return cmd
}
