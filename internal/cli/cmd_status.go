package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/echelon-run/echelon/internal/levelctl"
	"github.com/echelon-run/echelon/internal/orchestrator"
	"github.com/echelon-run/echelon/internal/registry"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the current run's state",
		Long: `Read the registry and print every task, worker, and level status.

The view is reconstructed from the durable registry, so it works whether or
not an orchestrator process is currently running.

Examples:
  echelon status           # Human-readable tables
  echelon status --json    # Machine-readable snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}

			snap, err := buildSnapshot(reg)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			d := display()
			d.Summary(os.Stdout, snap)
			fmt.Println()
			d.Tasks(os.Stdout, snap.Tasks)
			fmt.Println()
			d.Workers(os.Stdout, snap.Workers)
			return nil
		},
	}
}

// buildSnapshot reconstructs a run snapshot from the registry alone, for a
// status reader with no live orchestrator to ask.
func buildSnapshot(reg *registry.Registry) (*orchestrator.Snapshot, error) {
	tasks, err := reg.Snapshot()
	if err != nil {
		return nil, err
	}
	workers, err := reg.WorkerSnapshot()
	if err != nil {
		return nil, err
	}

	maxLevel := 0
	for _, t := range tasks {
		if t.Level > maxLevel {
			maxLevel = t.Level
		}
	}

	var levels []*registry.LevelRecord
	anyLevelFailed := false
	for lvl := 0; lvl <= maxLevel; lvl++ {
		lr, err := reg.LevelState(lvl)
		if err != nil {
			return nil, err
		}
		if lr.Status == registry.LevelFailed {
			anyLevelFailed = true
		}
		levels = append(levels, lr)
	}

	current := levelctl.LowestIncompleteLevel(tasks)
	if current < 0 {
		current = maxLevel
	}

	snap := &orchestrator.Snapshot{
		CurrentLevel: current,
		MaxLevel:     maxLevel,
		Tasks:        tasks,
		Workers:      workers,
		Levels:       levels,
	}

	anyBlocked := false
	for _, t := range tasks {
		if t.Status == registry.StatusBlocked {
			anyBlocked = true
			break
		}
	}

	switch {
	case levelctl.AllComplete(tasks):
		snap.Status = orchestrator.StatusDone
	case anyLevelFailed || anyBlocked:
		snap.Status = orchestrator.StatusHalted
		snap.HaltReason = "blocked tasks or a failed level; see the tables below"
	default:
		snap.Status = orchestrator.StatusRunning
	}
	return snap, nil
}
