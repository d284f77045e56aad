package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/graph"
)

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Parse and validate a task graph document",
		Long: `Parse a task graph document and check every structural invariant:
schema (unknown fields rejected), prerequisite existence, level ordering,
dependency cycles, and exclusive file ownership within each level.

Examples:
  echelon validate graph.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read graph: %w", err)
			}
			g, err := graph.Parse(data)
			if err != nil {
				return err
			}
			if err := graph.Validate(g); err != nil {
				return err
			}
			levels := graph.Levels(g)
			fmt.Printf("%s: %d tasks across %d levels, all invariants hold\n",
				args[0], len(g.Tasks), len(levels))
			if verbose {
				for _, lvl := range levels {
					fmt.Printf("  level %d: %d tasks\n", lvl.Number, len(lvl.Tasks))
				}
			}
			return nil
		},
	}
}
