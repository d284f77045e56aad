// Package merge implements the merge coordinator: the step that folds every
// worker branch for a completed level into a staging branch, runs the gate
// pipeline, and promotes or rolls back. Worker branches merge in
// deterministic (worker-id) order, and every failure path restores the
// baseline before returning.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	echconfig "github.com/echelon-run/echelon/internal/config"
	echerrors "github.com/echelon-run/echelon/internal/errors"
	"github.com/echelon-run/echelon/internal/events"
	"github.com/echelon-run/echelon/internal/gate"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/workspace"
)

// Outcome is the result of coordinating one level's merge.
type Outcome struct {
	Level         int
	StagingBranch string
	MergedBranches []string
	PreGateResults  []gate.Result
	PostGateResults []gate.Result
	Promoted      bool
	MergeRef      string
	RolledBack    bool
	ConflictBranch string
	ConflictFiles  []string
}

// Coordinator runs the merge pipeline for one level at a time, against a
// single integration repo (the orchestrator's checkout, not a worker's
// worktree).
type Coordinator struct {
	repo      *vcs.Repo
	cfg       echconfig.MergeConfig
	baseline  string
	preGates  []echconfig.GateConfig
	postGates []echconfig.GateConfig
	publisher events.Publisher
}

// New returns a Coordinator. baseline is the branch promotion targets
// (typically "main"). preGates run against the staging branch before
// promotion; postGates run again after promotion, with rollback to the
// pre-merge snapshot tag on failure.
func New(repo *vcs.Repo, cfg echconfig.MergeConfig, baseline string, preGates, postGates []echconfig.GateConfig, publisher events.Publisher) *Coordinator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if baseline == "" {
		baseline = "main"
	}
	return &Coordinator{repo: repo, cfg: cfg, baseline: baseline, preGates: preGates, postGates: postGates, publisher: publisher}
}

func (c *Coordinator) stagingBranch(level int) string {
	return fmt.Sprintf("%s-L%d", c.cfg.StagingBranchPrefix, level)
}

func preTag(level int) string  { return fmt.Sprintf("snapshot-L%d-pre", level) }
func postTag(level int) string { return fmt.Sprintf("snapshot-L%d-post", level) }

// MergeLevel runs the full pipeline: snapshot baseline, branch staging off
// it, merge every worker branch onto staging (in worker-id order, abort-all
// on first conflict), pre-merge gates against staging, fast-forward baseline
// onto staging, post-merge gates against the promoted baseline with rollback
// on failure, and branch cleanup.
func (c *Coordinator) MergeLevel(ctx context.Context, level int, records []*registry.TaskRecord) (*Outcome, error) {
	out := &Outcome{Level: level, StagingBranch: c.stagingBranch(level)}

	if !LevelSucceeded(records, level) {
		return nil, fmt.Errorf("merge: level %d has not succeeded, refusing to merge", level)
	}

	if err := c.repo.Checkout(ctx, c.baseline); err != nil {
		return nil, fmt.Errorf("checkout baseline %s: %w", c.baseline, err)
	}
	if err := c.repo.Tag(ctx, preTag(level)); err != nil {
		return nil, fmt.Errorf("snapshot pre-merge tag: %w", err)
	}

	if err := c.repo.CreateBranch(ctx, out.StagingBranch, c.baseline); err != nil {
		// Idempotent resume: staging branch from a prior attempt may already
		// exist; that's fine, we merge onto whatever it currently holds.
	}
	if err := c.repo.Checkout(ctx, out.StagingBranch); err != nil {
		return out, fmt.Errorf("checkout staging %s: %w", out.StagingBranch, err)
	}

	branches := workerBranches(records, level)
	c.publish(events.TypeMergeStarted, level, map[string]any{"branches": branches})

	for _, b := range branches {
		if err := c.repo.Merge(ctx, b); err != nil {
			if err == vcs.ErrMergeConflict {
				files, _ := c.repo.ConflictedFiles(ctx)
				_ = c.repo.AbortMerge(ctx)
				_ = c.repo.Checkout(ctx, c.baseline)
				out.ConflictBranch = b
				out.ConflictFiles = files
				c.publish(events.TypeMergeConflict, level, map[string]any{"branch": b, "files": files})
				return out, echerrors.ErrMergeConflict(b, files)
			}
			_ = c.repo.Checkout(ctx, c.baseline)
			return out, fmt.Errorf("merge %s: %w", b, err)
		}
		out.MergedBranches = append(out.MergedBranches, b)
	}

	out.PreGateResults = gate.RunPipeline(ctx, c.repo.Dir, c.preGates)
	if !gate.AllPassed(out.PreGateResults, c.preGates) {
		_ = c.repo.Checkout(ctx, c.baseline)
		name, reason := firstFailedGate(out.PreGateResults, c.preGates)
		return out, echerrors.ErrGateFailed(name, reason)
	}

	if err := c.repo.Checkout(ctx, c.baseline); err != nil {
		return out, fmt.Errorf("checkout baseline %s for promotion: %w", c.baseline, err)
	}
	if err := c.repo.FastForward(ctx, out.StagingBranch); err != nil {
		return out, fmt.Errorf("fast-forward %s onto %s: %w", c.baseline, out.StagingBranch, err)
	}

	sha, err := c.repo.HeadSHA(ctx)
	if err != nil {
		return out, fmt.Errorf("read promoted head: %w", err)
	}
	if err := c.repo.Tag(ctx, postTag(level)); err != nil {
		return out, fmt.Errorf("tag post-merge: %w", err)
	}
	out.Promoted = true
	out.MergeRef = sha
	c.publish(events.TypeMergePromoted, level, map[string]any{"merge_ref": sha})

	if len(c.postGates) > 0 {
		out.PostGateResults = gate.RunPipeline(ctx, c.repo.Dir, c.postGates)
		if !gate.AllPassed(out.PostGateResults, c.postGates) {
			_ = c.repo.ResetHardToTag(ctx, preTag(level))
			out.RolledBack = true
			out.Promoted = false
			name, reason := firstFailedGate(out.PostGateResults, c.postGates)
			c.publish(events.TypeMergeRolledBack, level, map[string]any{"reason": reason, "gate": name})
			return out, echerrors.ErrGateFailed(name, reason)
		}
	}

	if !c.cfg.KeepWorkerBranches {
		for _, b := range branches {
			_ = c.repo.DeleteBranch(ctx, b)
		}
		_ = c.repo.DeleteBranch(ctx, out.StagingBranch)
	}

	return out, nil
}

// workerBranches returns, in deterministic worker-id order, the branch name
// of every worker that completed at least one task at level: a worker keeps
// one continuous branch for its whole lifetime (workspace.BranchName), so
// merging is per-worker even when a worker owned several tasks at this level.
func workerBranches(records []*registry.TaskRecord, level int) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Level == level && r.Status == registry.StatusCompleted {
			seen[r.Worker] = true
		}
	}
	workers := make([]string, 0, len(seen))
	for w := range seen {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	out := make([]string, 0, len(workers))
	for _, w := range workers {
		out = append(out, workspace.BranchName(w))
	}
	return out
}

// LevelSucceeded reports whether every task at level is Completed: the
// coordinator's precondition for attempting a merge.
func LevelSucceeded(records []*registry.TaskRecord, level int) bool {
	found := false
	for _, r := range records {
		if r.Level != level {
			continue
		}
		found = true
		if r.Status != registry.StatusCompleted {
			return false
		}
	}
	return found
}

func firstFailedGate(results []gate.Result, gates []echconfig.GateConfig) (name, reason string) {
	for i, r := range results {
		if r.Verdict == gate.Pass || r.Verdict == gate.Skip {
			continue
		}
		if i < len(gates) && gates[i].Optional {
			continue
		}
		if r.Err != nil {
			return r.Name, r.Err.Error()
		}
		return r.Name, fmt.Sprintf("verdict=%s exit=%d", r.Verdict, r.ExitCode)
	}
	return "", ""
}

func (c *Coordinator) publish(t events.Type, level int, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["level"] = level
	c.publisher.Publish(events.New(uuid.NewString(), t, "", data))
}
