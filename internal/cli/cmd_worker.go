package cli

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/worker"
)

// defaultContextBudget is the byte budget the checkpoint tracker measures
// cumulative read context and task output against when none is configured.
const defaultContextBudget = 32 << 20

// newWorkerCmd creates the (hidden) worker entry point the launcher spawns.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Worker entry point (spawned by the launcher, not run by hand)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := worker.EnvFromOS()

			budget := int64(defaultContextBudget)
			if s := os.Getenv("ECHELON_CONTEXT_BUDGET"); s != "" {
				if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
					budget = n
				}
			}
			tracker := worker.NewUsageTracker(budget)
			runner := &worker.CommandRunner{Tracker: tracker}

			cfg, err := loadConfig()
			maxRetries := 3
			if err == nil && cfg.Retry.MaxAttempts > 0 {
				maxRetries = cfg.Retry.MaxAttempts
			}

			code := worker.Run(cmd.Context(), worker.Config{
				Env:        env,
				RunnerFor:  func(*graph.Task) worker.Runner { return runner },
				Checkpoint: tracker,
				MaxRetries: maxRetries,
			})
			os.Exit(code)
			return nil
		},
	}
}
