package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/workspace"
)

// newCleanupCmd creates the cleanup command
func newCleanupCmd() *cobra.Command {
	var (
		branches bool
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Destroy worker worktrees and run state",
		Long: `Tear down the run's worker worktrees. With --branches the worker
branches are deleted too; with --all the whole state directory (registry,
event log, index) goes as well, leaving the tree as if the run never
happened.

The merged baseline is never touched.

Examples:
  echelon cleanup                # worktrees only
  echelon cleanup --branches     # worktrees and worker branches
  echelon cleanup --all          # everything, including the registry`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mgr := workspace.New(cfg.WorkDir, cfg.WorktreesDir())
			found, err := mgr.Discover()
			if err != nil {
				return err
			}

			repo := vcs.Open(cfg.WorkDir)
			removed := 0
			for _, ws := range found {
				if err := mgr.Remove(cmd.Context(), ws.WorkerID); err != nil {
					return err
				}
				removed++
				if branches || all {
					if err := repo.DeleteBranch(cmd.Context(), ws.Branch); err != nil && verbose {
						fmt.Fprintf(os.Stderr, "delete branch %s: %v\n", ws.Branch, err)
					}
				}
			}

			if all {
				if err := os.RemoveAll(filepath.Join(cfg.WorkDir, cfg.StateDir)); err != nil {
					return fmt.Errorf("remove state dir: %w", err)
				}
			}

			if !quiet {
				fmt.Printf("removed %d worktree(s)", removed)
				if all {
					fmt.Print(", state directory deleted")
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&branches, "branches", false, "also delete worker branches")
	cmd.Flags().BoolVar(&all, "all", false, "also delete the state directory (registry, event log, index)")
	return cmd
}
