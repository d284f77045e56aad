// Package cli implements the echelon command-line interface.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	workDir string
	verbose bool
	quiet   bool
	jsonOut bool
	plain   bool // disable emoji/unicode for terminal compatibility

	vpr = viper.New()
)

// Command group IDs
const (
	groupCore    = "core"
	groupInspect = "inspect"
	groupAdmin   = "admin"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "echelon",
	Short: "Level-based parallel build-graph orchestrator",
	Long: `echelon runs a dependency-ordered task graph across isolated workers.

The graph is partitioned into levels (dependency waves). Each level's tasks
are statically assigned to workers, every worker executes in its own git
worktree on its own branch, and a level's branches are merged through a
quality-gate pipeline before the next level starts.

Quick start:
  echelon validate graph.yaml    Check a task graph document
  echelon rush graph.yaml        Run the graph
  echelon status                 Show run state
  echelon logs --task T1         Filter the event log`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .echelon/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "repository root the run operates against (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "plain output without emoji (for terminal compatibility)")

	_ = vpr.BindPFlag("work_dir", rootCmd.PersistentFlags().Lookup("work-dir"))

	rootCmd.AddGroup(
		&cobra.Group{ID: groupCore, Title: "Core Commands:"},
		&cobra.Group{ID: groupInspect, Title: "Inspection:"},
		&cobra.Group{ID: groupAdmin, Title: "Administration:"},
	)

	addCmd(newValidateCmd(), groupCore)
	addCmd(newRushCmd(), groupCore)
	addCmd(newStatusCmd(), groupCore)

	addCmd(newLogsCmd(), groupInspect)

	addCmd(newStopCmd(), groupAdmin)
	addCmd(newRetryCmd(), groupAdmin)
	addCmd(newMergeCmd(), groupAdmin)
	addCmd(newCleanupCmd(), groupAdmin)

	// The worker entry point is spawned by the launcher, never typed by an
	// operator; it stays out of help output.
	workerCmd := newWorkerCmd()
	workerCmd.Hidden = true
	rootCmd.AddCommand(workerCmd)
}

// addCmd adds a command to root with the specified group
func addCmd(cmd *cobra.Command, groupID string) {
	cmd.GroupID = groupID
	rootCmd.AddCommand(cmd)
}
