// Package worker implements the program that runs inside each launched
// worker: a single-threaded cooperative claim → execute → verify → commit →
// checkpoint loop over the worker's assigned tasks, with bounded retries
// and voluntary checkpoint exits under context pressure.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/echelon-run/echelon/internal/assign"
	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/verify"
)

// Exit codes the orchestrator classifies a worker process's termination by.
const (
	ExitDone                = 0
	ExitFatal               = 1
	ExitCheckpoint          = 2
	ExitAllRemainingBlocked = 3
)

// Env is the bootstrap environment contract every launcher guarantees.
type Env struct {
	WorkerID       string
	Feature        string
	Branch         string
	WorkspacePath  string
	RegistryPath   string
	TaskListID     string
	BaselineBranch string
}

// EnvFromOS reads Env from the process environment, the bootstrap contract
// every launcher backend guarantees when it spawns a worker.
func EnvFromOS() Env {
	baseline := os.Getenv("BASELINE_BRANCH")
	if baseline == "" {
		baseline = "main"
	}
	return Env{
		WorkerID:       os.Getenv("WORKER_ID"),
		Feature:        os.Getenv("FEATURE"),
		Branch:         os.Getenv("BRANCH"),
		WorkspacePath:  os.Getenv("WORKSPACE_PATH"),
		RegistryPath:   os.Getenv("REGISTRY_PATH"),
		TaskListID:     os.Getenv("TASK_LIST_ID"),
		BaselineBranch: baseline,
	}
}

// planDocument is how the orchestrator persists the per-level assignment
// (internal/assign.Plan) alongside the registry for every worker to read.
type planDocument struct {
	Levels map[int]assign.Plan `json:"levels"`
}

func loadPlan(dir string) (*planDocument, error) {
	data, err := os.ReadFile(filepath.Join(dir, "plan.json"))
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &doc, nil
}

func loadGraph(dir string) (*graph.Graph, error) {
	data, err := os.ReadFile(filepath.Join(dir, "graph.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return graph.Parse(data)
}

// Checkpointer estimates context saturation (cumulative tokens or another
// unit-of-work proxy) for the checkpoint stage. A real domain-work runner
// supplies a concrete implementation; tests use a fixed-threshold fake.
type Checkpointer interface {
	// PercentUsed returns 0-100, the worker's current context saturation
	// estimate after the most recent unit of domain work.
	PercentUsed() int
}

// Runner performs the actual domain-specific work for one task (the
// language-model invocation or test runner a concrete deployment wires in).
type Runner interface {
	Execute(ctx context.Context, t *graph.Task, workspaceDir string) error
}

// Config bundles the dependencies Run needs beyond the bootstrap Env.
type Config struct {
	Env             Env
	RunnerFor       func(*graph.Task) Runner
	Checkpoint      Checkpointer
	CheckpointPct   int // default 70
	MaxRetries      int // default 3
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// Run executes the full worker protocol and returns the process exit code
// the caller (cmd/echelon worker) should os.Exit with.
func Run(ctx context.Context, cfg Config) int {
	if cfg.CheckpointPct <= 0 {
		cfg.CheckpointPct = 70
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 2 * time.Second
	}

	if err := os.Chdir(cfg.Env.WorkspacePath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: chdir workspace: %v\n", err)
		return ExitFatal
	}

	dir := filepath.Dir(cfg.Env.RegistryPath)
	g, err := loadGraph(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return ExitFatal
	}
	planDoc, err := loadPlan(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return ExitFatal
	}

	reg, err := registry.Open(cfg.Env.RegistryPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: open registry: %v\n", err)
		return ExitFatal
	}

	if err := writeSentinel(cfg.Env.WorkspacePath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: write sentinel: %v\n", err)
		return ExitFatal
	}
	_ = reg.SetWorker(cfg.Env.WorkerID, registry.WorkerReady, "")

	repo := vcs.Open(cfg.Env.WorkspacePath)

	for level := 0; level <= g.MaxLevel(); level++ {
		plan, ok := planDoc.Levels[level]
		if !ok {
			continue
		}
		assigned := plan.ByWorker[cfg.Env.WorkerID]
		if len(assigned) == 0 {
			continue
		}

		code := runLevel(ctx, cfg, reg, repo, g, assigned)
		if code != ExitDone {
			if code == ExitCheckpoint {
				_ = reg.SetWorker(cfg.Env.WorkerID, registry.WorkerChecking, "")
			}
			return code
		}

		_ = reg.SetWorker(cfg.Env.WorkerID, registry.WorkerIdle, "")

		// Only wait for the merge/baseline-pull cycle if this worker has
		// more work at a later level: a worker with no assignment past L
		// has nothing left that depends on the merged baseline.
		if level < g.MaxLevel() && hasFutureWork(planDoc, cfg.Env.WorkerID, level, g.MaxLevel()) {
			lvl, err := waitForLevelResolved(ctx, reg, level, cfg.PollInterval)
			if err != nil {
				return ExitFatal
			}
			if lvl.Status == registry.LevelFailed {
				// Merge or gates failed this level: halts for human
				// intervention. Nothing further this worker can do.
				return ExitDone
			}
			if err := repo.Rebase(ctx, cfg.Env.BaselineBranch); err != nil {
				fmt.Fprintf(os.Stderr, "worker: rebase onto %s: %v\n", cfg.Env.BaselineBranch, err)
				return ExitFatal
			}
		}
	}

	_ = reg.SetWorker(cfg.Env.WorkerID, registry.WorkerIdle, "")
	return ExitDone
}

// hasFutureWork reports whether workerID is assigned any task at a level
// strictly greater than after, up to max.
func hasFutureWork(planDoc *planDocument, workerID string, after, max int) bool {
	for l := after + 1; l <= max; l++ {
		plan, ok := planDoc.Levels[l]
		if !ok {
			continue
		}
		if len(plan.ByWorker[workerID]) > 0 {
			return true
		}
	}
	return false
}

// waitForLevelResolved polls the registry until level's merge pipeline
// reaches a terminal LevelStatus (Complete or Failed), the signal workers
// wait on before advancing to L+1.
func waitForLevelResolved(ctx context.Context, reg *registry.Registry, level int, pollInterval time.Duration) (*registry.LevelRecord, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		lvl, err := reg.LevelState(level)
		if err != nil {
			return nil, err
		}
		if lvl.Status == registry.LevelComplete || lvl.Status == registry.LevelFailed {
			return lvl, nil
		}
		time.Sleep(pollInterval)
	}
}

func runLevel(ctx context.Context, cfg Config, reg *registry.Registry, repo *vcs.Repo, g *graph.Graph, assigned []string) int {
	backoff := cfg.PollInterval
	anyBlocked := false

	pending := append([]string(nil), assigned...)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ExitFatal
		default:
		}

		taskID := pending[0]
		t := g.ByID(taskID)

		token, err := reg.Claim(taskID, cfg.Env.WorkerID)
		if err != nil {
			// Lost the claim race or not yet eligible: bounded backoff, try
			// again, then move to the next assigned task once this one is
			// in a terminal state.
			rec, gerr := reg.Get(taskID)
			if gerr == nil && isTerminal(rec.Status) {
				if rec.Status == registry.StatusBlocked {
					anyBlocked = true
				}
				pending = pending[1:]
				continue
			}
			time.Sleep(backoff)
			if backoff < cfg.MaxPollInterval {
				backoff *= 2
				if backoff > cfg.MaxPollInterval {
					backoff = cfg.MaxPollInterval
				}
			}
			continue
		}
		backoff = cfg.PollInterval

		code, blocked := executeOne(ctx, cfg, reg, repo, t, token)
		if code != ExitDone {
			return code
		}
		anyBlocked = anyBlocked || blocked
		pending = pending[1:]
	}
	if anyBlocked {
		return ExitAllRemainingBlocked
	}
	return ExitDone
}

func isTerminal(s registry.Status) bool {
	return s == registry.StatusCompleted || s == registry.StatusBlocked
}

// executeOne runs one task through execute → verify → commit, making at most
// MaxRetries attempts in total. It returns the worker's process exit code for a fatal or
// checkpoint interruption (ExitDone otherwise), plus whether the task ended
// Blocked (retries exhausted).
func executeOne(ctx context.Context, cfg Config, reg *registry.Registry, repo *vcs.Repo, t *graph.Task, token string) (int, bool) {
	if err := reg.SetRunning(t.ID, token); err != nil {
		return ExitFatal, false
	}
	_ = reg.SetWorker(cfg.Env.WorkerID, registry.WorkerRunning, t.ID)

	runner := cfg.RunnerFor(t)
	attempts := 0
	for {
		attempts++
		if err := runner.Execute(ctx, t, cfg.Env.WorkspacePath); err != nil {
			if attempts >= cfg.MaxRetries {
				_ = reg.Block(t.ID, token, err.Error())
				return ExitDone, true
			}
			next, ferr := failAndReclaim(reg, t.ID, token, cfg.Env.WorkerID, err.Error())
			if ferr != nil {
				return ExitFatal, false
			}
			token = next
			continue
		}

		// Context-pressure checkpoint: a fresh worker will re-claim and
		// re-run this task from scratch, so this check must happen before
		// verification commits to anything: a checkpoint is a deliberate
		// "stop here, not done yet", not a verified completion.
		if cfg.Checkpoint != nil && cfg.Checkpoint.PercentUsed() >= cfg.CheckpointPct {
			percent := cfg.Checkpoint.PercentUsed()
			msg := fmt.Sprintf("WIP checkpoint: %s\n\nTask-ID: %s\nWorker: %s\nNext-Action: re-run from claim", t.ID, t.ID, cfg.Env.WorkerID)
			_, _ = repo.CommitAll(ctx, msg)
			_ = reg.Checkpoint(t.ID, token, "context pressure checkpoint", percent)
			return ExitCheckpoint, false
		}

		if err := reg.SetVerifying(t.ID, token); err != nil {
			return ExitFatal, false
		}
		res, err := verify.Run(ctx, cfg.Env.WorkspacePath, t.Verify.Command, t.Verify.Timeout)
		if err != nil || !res.Passed {
			reason := res.Output
			if err != nil {
				reason = err.Error()
			}
			if attempts >= cfg.MaxRetries {
				_ = reg.Block(t.ID, token, reason)
				return ExitDone, true
			}
			next, ferr := failAndReclaim(reg, t.ID, token, cfg.Env.WorkerID, reason)
			if ferr != nil {
				return ExitFatal, false
			}
			token = next
			continue
		}

		msg := fmt.Sprintf("%s\n\nTask-ID: %s\nWorker: %s\nLevel: %d\nVerify: %v",
			t.ID, t.ID, cfg.Env.WorkerID, t.Level, t.Verify.Command)
		if _, err := repo.CommitAll(ctx, msg); err != nil {
			_ = reg.Block(t.ID, token, err.Error())
			return ExitDone, true
		}
		_ = reg.Complete(t.ID, token)
		return ExitDone, false
	}
}

// failAndReclaim records one failed attempt through the full status cycle
// (Failed, back to Pending, then re-claimed by the same worker) so the
// event log carries every intermediate failure and requeue, not just the
// terminal outcome; the attempt count itself is kept on the task record. Returns the fresh claim token the next
// attempt must use. Static assignment guarantees no other worker can steal
// the task in the Pending window.
func failAndReclaim(reg *registry.Registry, taskID, token, workerID, reason string) (string, error) {
	if err := reg.Fail(taskID, token, reason); err != nil {
		return "", err
	}
	if err := reg.Requeue(taskID); err != nil {
		return "", err
	}
	next, err := reg.Claim(taskID, workerID)
	if err != nil {
		return "", err
	}
	if err := reg.SetRunning(taskID, next); err != nil {
		return "", err
	}
	return next, nil
}

func writeSentinel(workspacePath string) error {
	return os.WriteFile(filepath.Join(workspacePath, ".ready"), []byte("ready\n"), 0644)
}
