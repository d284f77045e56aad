package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/util"
)

// newStopCmd creates the stop command
func newStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a running rush to stop",
		Long: `Write the stop request the running orchestrator polls for.

By default (graceful) the orchestrator cancels the run at its next poll
tick and then stops every live worker through the launcher. With --force,
the live workers are stopped first and the run is cancelled after. Neither
mode waits for a worker to finish or checkpoint the task it holds, so any
uncommitted in-flight work is lost.

Examples:
  echelon stop          # graceful
  echelon stop --force  # stop workers before cancelling`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			payload := "graceful"
			if force {
				payload = "force"
			}
			if err := util.AtomicWriteFileString(stopFilePath(cfg), payload+"\n", 0644); err != nil {
				return fmt.Errorf("write stop request: %w", err)
			}
			if !quiet {
				fmt.Printf("stop requested (%s); the orchestrator acts on it within its next poll tick\n", payload)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "stop live workers before cancelling the run")
	return cmd
}
