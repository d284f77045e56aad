package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	echconfig "github.com/echelon-run/echelon/internal/config"
	"github.com/echelon-run/echelon/internal/events"
	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/launch"
	"github.com/echelon-run/echelon/internal/merge"
	"github.com/echelon-run/echelon/internal/orchestrator"
	"github.com/echelon-run/echelon/internal/port"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/workspace"
)

// newRushCmd creates the rush command
func newRushCmd() *cobra.Command {
	var (
		feature   string
		workers   int
		baseline  string
		backend   string
		image     string
		workerCmd []string
	)

	cmd := &cobra.Command{
		Use:   "rush <graph-file>",
		Short: "Run a task graph across parallel workers",
		Long: `Run the full orchestration loop for a task graph: validate the graph,
compute the static worker assignment, create per-worker worktrees, spawn
workers level by level, merge each completed level through the gate
pipeline, and advance the baseline.

The run is resumable: the registry survives process restarts, completed
tasks stay completed, and a re-run picks up from the first unresolved
level.

Examples:
  echelon rush graph.yaml                    # auto backend, 2 workers
  echelon rush graph.yaml --workers 4
  echelon rush graph.yaml --backend container --image echelon-worker:latest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

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

			if feature == "" {
				feature = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			if backend != "" {
				cfg.Launcher.Backend = echconfig.LauncherBackend(backend)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if image != "" {
				cfg.Launcher.ContainerImage = image
			}

			stateDir := filepath.Join(cfg.WorkDir, cfg.StateDir)
			if err := os.MkdirAll(stateDir, 0755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			publisher := events.NewMemoryPublisher()
			reg, err := registry.Open(cfg.RegistryPath(), publisher)
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

			launcher, err := launch.New(string(cfg.Launcher.Backend), cfg.Launcher.ContainerSocket)
			if err != nil {
				return err
			}

			if len(workerCmd) == 0 {
				self, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolve worker binary: %w", err)
				}
				workerCmd = []string{self, "worker"}
			}

			orch := orchestrator.New(
				orchestrator.Config{
					Feature:         feature,
					WorkerCount:     workers,
					SpawnGrace:      cfg.Launcher.ReadyTimeout,
					WorkerCommand:   workerCmd,
					WorkerImage:     cfg.Launcher.ContainerImage,
					LauncherBackend: string(cfg.Launcher.Backend),
					BaselineBranch:  baseline,
					StopFile:        stopFilePath(cfg),
				},
				g,
				cfg,
				reg,
				repo,
				workspace.New(cfg.WorkDir, cfg.WorktreesDir()),
				launcher,
				merge.New(repo, cfg.Merge, baseline, cfg.PreGates(), cfg.PostGates(), publisher),
				port.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd),
				publisher,
				nil,
			)

			if err := orch.Start(cmd.Context(), featureLockPath(cfg)); err != nil {
				return err
			}

			// The first interrupt requests a graceful stop, any later one a
			// forced stop (see Orchestrator.Stop for the difference).
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				graceful := true
				for range sigCh {
					_ = orch.Stop(graceful)
					graceful = false
				}
			}()

			if !quiet {
				fmt.Printf("rushing %q: %d tasks, %d levels, %d workers (%s backend)\n",
					feature, len(g.Tasks), g.MaxLevel()+1, workers, cfg.Launcher.Backend)
			}

			orch.Wait()

			snap, err := orch.Status()
			if err != nil {
				return err
			}
			d := display()
			d.Summary(os.Stdout, snap)
			d.Tasks(os.Stdout, snap.Tasks)

			switch snap.Status {
			case orchestrator.StatusDone:
				return nil
			case orchestrator.StatusStopped:
				return fmt.Errorf("run stopped before completion")
			default:
				reason := snap.HaltReason
				if reason == "" {
					reason = "run halted"
				}
				return fmt.Errorf("%s", reason)
			}
		},
	}

	cmd.Flags().StringVar(&feature, "feature", "", "feature identifier (default: graph file basename)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 2, "worker count (capped at the widest level)")
	cmd.Flags().StringVar(&baseline, "baseline", "", "baseline branch levels promote into (default: current branch)")
	cmd.Flags().StringVar(&backend, "backend", "", "launcher backend: auto, subprocess, or container")
	cmd.Flags().StringVar(&image, "image", "", "worker container image (container backend)")
	cmd.Flags().StringSliceVar(&workerCmd, "worker-command", nil, "override the worker entry argv (default: this binary's 'worker' subcommand)")

	return cmd
}
