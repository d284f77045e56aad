package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/orchestrator"
)

// newRetryCmd creates the retry command
func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset blocked tasks back to pending",
		Long: `Reset every Blocked task to Pending so a subsequent rush (or the
running one's workers) can claim them again.

A task blocks only after exhausting its retry budget, so before retrying,
fix whatever its verification kept failing on; 'echelon status' shows the
recorded error per task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}

			n, err := orchestrator.RetryBlocked(reg)
			if err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("reset %d blocked task(s) to pending\n", n)
			}
			return nil
		},
	}
}
