package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/merge"
	"github.com/echelon-run/echelon/internal/orchestrator"
	"github.com/echelon-run/echelon/internal/vcs"
)

// newMergeCmd creates the merge command
func newMergeCmd() *cobra.Command {
	var baseline string

	cmd := &cobra.Command{
		Use:   "merge <level>",
		Short: "Force the merge pipeline for a resolved level",
		Long: `Run the merge coordinator for a level outside the normal pump: snapshot
the baseline, merge every worker branch into staging, run the gates, and
promote.

The level must have fully succeeded (every task Completed); a level with
blocked tasks is refused. Useful after 'echelon retry' finishes the
stragglers of a level whose run already halted.

Examples:
  echelon merge 1
  echelon merge 2 --baseline main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("level must be an integer, got %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}

			repo := vcs.Open(cfg.WorkDir)
			if baseline == "" {
				baseline, err = repo.CurrentBranch(cmd.Context())
				if err != nil {
					return fmt.Errorf("resolve baseline branch: %w", err)
				}
			}
			coord := merge.New(repo, cfg.Merge, baseline, cfg.PreGates(), cfg.PostGates(), nil)

			outcome, err := orchestrator.ForceMerge(cmd.Context(), reg, coord, level)
			if err != nil {
				return err
			}

			d := display()
			d.LevelMerged(cmd.OutOrStdout(), level, outcome.Promoted, outcome.ConflictBranch)
			if outcome.Promoted && !quiet {
				fmt.Printf("baseline %s now at %s\n", baseline, outcome.MergeRef)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "baseline branch to promote into (default: current branch)")
	return cmd
}
