// Package orchestrator implements the main event loop: the process that
// composes the task graph, registry, launcher, level controller, and merge
// coordinator into one running rush. The loop is a level pump: levels
// advance in order, a level's workers are all spawned together, and a level
// only resolves once every task assigned to it reaches a terminal status.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	echconfig "github.com/echelon-run/echelon/internal/config"
	"github.com/echelon-run/echelon/internal/events"
	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/launch"
	"github.com/echelon-run/echelon/internal/levelctl"
	"github.com/echelon-run/echelon/internal/lock"
	"github.com/echelon-run/echelon/internal/merge"
	"github.com/echelon-run/echelon/internal/port"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/workspace"

	"github.com/echelon-run/echelon/internal/assign"
)

// workerPlanDocument mirrors internal/worker's planDocument shape: the
// per-level assignment every spawned worker process reads off disk beside
// the registry, since a worker may run in a separate OS process (or
// container) with no other channel back to the orchestrator's in-memory
// plan.
type workerPlanDocument struct {
	Levels map[int]assign.Plan `json:"levels"`
}

// Config holds orchestrator configuration for one rush run.
type Config struct {
	Feature        string
	WorkerCount    int
	PollInterval   time.Duration // default 1s
	SpawnGrace     time.Duration // worker readiness grace period, default 60s
	WorkerCommand  []string      // argv used to spawn the worker entry point
	WorkerImage    string        // container backend only
	LauncherBackend string
	LauncherConfig  string
	BaselineBranch string
	// StopFile, when set, is polled each tick: its appearance is the
	// cross-process stop request the `stop` CLI command writes. A file
	// containing "force" stops live workers before the run is cancelled;
	// anything else cancels the run, and finish then stops the workers.
	StopFile string
}

func (c *Config) setDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SpawnGrace <= 0 {
		c.SpawnGrace = 60 * time.Second
	}
	if c.BaselineBranch == "" {
		c.BaselineBranch = "main"
	}
}

// Status is the orchestrator's own run status, distinct from any one task's
// or level's status.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusHalted  Status = "halted" // a level resolved but did not succeed
	StatusDone    Status = "done"
)

// Snapshot is the read-only view the status CLI command renders.
type Snapshot struct {
	Status      Status
	CurrentLevel int
	MaxLevel    int
	HaltReason  string
	Tasks       []*registry.TaskRecord
	Workers     []*registry.WorkerRecord
	Levels      []*registry.LevelRecord
}

// workerHandle tracks one spawned worker's launcher handle alongside the
// bookkeeping the crash/checkpoint detector needs between ticks.
type workerHandle struct {
	id      string
	handle  *launch.Handle
	branch  string
	path    string
	respawns int
}

// Orchestrator composes every other component into one running rush.
type Orchestrator struct {
	cfg  Config
	g    *graph.Graph
	ecfg *echconfig.Config

	reg        *registry.Registry
	repo       *vcs.Repo
	workspaces *workspace.Manager
	launcher   launch.Launcher
	mergeCoord *merge.Coordinator
	ports      *port.Allocator
	publisher  events.Publisher
	logger     *slog.Logger
	featureLock *lock.FileLock

	plans map[int]assign.Plan

	mu      sync.RWMutex
	status  Status
	level   int
	halt    string
	handles map[string]*workerHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New constructs an Orchestrator. The caller supplies every already-opened
// dependency (registry, repo, workspace manager, launcher, merge
// coordinator, port allocator) so tests can substitute fakes for any of
// them without the package reaching into global state.
func New(
	cfg Config,
	g *graph.Graph,
	ecfg *echconfig.Config,
	reg *registry.Registry,
	repo *vcs.Repo,
	workspaces *workspace.Manager,
	launcher launch.Launcher,
	mergeCoord *merge.Coordinator,
	ports *port.Allocator,
	publisher events.Publisher,
	logger *slog.Logger,
) *Orchestrator {
	cfg.setDefaults()
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		g:          g,
		ecfg:       ecfg,
		reg:        reg,
		repo:       repo,
		workspaces: workspaces,
		launcher:   launcher,
		mergeCoord: mergeCoord,
		ports:      ports,
		publisher:  publisher,
		logger:     logger,
		status:     StatusStopped,
		handles:    make(map[string]*workerHandle),
	}
}

// Start acquires the feature lock, seeds the registry from the graph,
// computes the per-level assignment plan, and launches the main loop in the
// background. Start returns once initialization succeeds; callers await
// completion with Wait.
func (o *Orchestrator) Start(ctx context.Context, lockPath string) error {
	o.mu.Lock()
	if o.status == StatusRunning {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	o.mu.Unlock()

	fl, ok, err := lock.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire feature lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("orchestrator: feature %q is already running elsewhere", o.cfg.Feature)
	}

	ids := make([]string, 0, len(o.g.Tasks))
	levelOf := make(map[string]int, len(o.g.Tasks))
	depsOf := make(map[string][]string, len(o.g.Tasks))
	for _, t := range o.g.Tasks {
		ids = append(ids, t.ID)
		levelOf[t.ID] = t.Level
		depsOf[t.ID] = t.DependsOn
	}
	if err := o.reg.Register(ids, levelOf, depsOf); err != nil {
		fl.Release()
		return fmt.Errorf("orchestrator: seed registry: %w", err)
	}

	o.plans = make(map[int]assign.Plan, o.g.MaxLevel()+1)
	for lvl := 0; lvl <= o.g.MaxLevel(); lvl++ {
		taskIDs := make([]string, 0)
		for _, t := range o.g.TasksAtLevel(lvl) {
			taskIDs = append(taskIDs, t.ID)
		}
		o.plans[lvl] = assign.Compute(lvl, taskIDs, o.cfg.WorkerCount)
	}

	if err := o.writePlanArtifacts(); err != nil {
		fl.Release()
		return fmt.Errorf("orchestrator: write plan artifacts: %w", err)
	}

	if o.cfg.StopFile != "" {
		// A stop file left behind by a prior run would halt this one on
		// its first tick.
		_ = os.Remove(o.cfg.StopFile)
	}

	o.mu.Lock()
	o.featureLock = fl
	o.status = StatusRunning
	o.level = 0
	o.done = make(chan struct{})
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.logger.Info("orchestrator started", "feature", o.cfg.Feature, "workers", o.cfg.WorkerCount, "levels", o.g.MaxLevel()+1)

	o.wg.Add(1)
	go o.run()

	return nil
}

// Stop requests the run halt and waits for it to finish. Graceful stop
// cancels the run, and finish then stops every live worker through the
// launcher; force stop stops the workers first, then cancels. Neither waits
// for a worker to reach a checkpoint or commit.
func (o *Orchestrator) Stop(graceful bool) error {
	o.mu.RLock()
	running := o.status == StatusRunning
	handles := make([]*workerHandle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.RUnlock()
	if !running {
		return nil
	}

	if !graceful {
		for _, h := range handles {
			_ = o.launcher.Stop(context.Background(), h.handle)
		}
	}

	o.cancel()
	o.wg.Wait()
	return nil
}

// Wait blocks until the run reaches a terminal Orchestrator status.
func (o *Orchestrator) Wait() {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()
	if done == nil {
		return
	}
	<-done
}

// Status returns a consistent snapshot of the run for the status command.
func (o *Orchestrator) Status() (*Snapshot, error) {
	tasks, err := o.reg.Snapshot()
	if err != nil {
		return nil, err
	}
	workers, err := o.reg.WorkerSnapshot()
	if err != nil {
		return nil, err
	}
	var levels []*registry.LevelRecord
	for lvl := 0; lvl <= o.g.MaxLevel(); lvl++ {
		lr, err := o.reg.LevelState(lvl)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lr)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return &Snapshot{
		Status:       o.status,
		CurrentLevel: o.level,
		MaxLevel:     o.g.MaxLevel(),
		HaltReason:   o.halt,
		Tasks:        tasks,
		Workers:      workers,
		Levels:       levels,
	}, nil
}

// run is the per-level pump: spawn workers for the level, tick until it
// resolves, merge on success or halt on failure, advance.
func (o *Orchestrator) run() {
	defer o.wg.Done()
	defer close(o.done)
	defer o.featureLock.Release()

	for lvl := 0; lvl <= o.g.MaxLevel(); lvl++ {
		select {
		case <-o.ctx.Done():
			o.finish(StatusStopped, "")
			return
		default:
		}

		o.mu.Lock()
		o.level = lvl
		o.mu.Unlock()

		if err := o.reg.SetLevelState(lvl, registry.LevelRunning, ""); err != nil {
			o.logger.Error("set level running failed", "level", lvl, "error", err)
			o.finish(StatusHalted, err.Error())
			return
		}
		o.publisher.Publish(events.New(eventID(), events.TypeLevelStarted, "", map[string]any{"level": lvl}))

		if err := o.spawnLevel(lvl); err != nil {
			o.logger.Error("spawn level failed", "level", lvl, "error", err)
			o.finish(StatusHalted, err.Error())
			return
		}

		resolved, success := o.pumpUntilResolved(lvl)
		if !resolved {
			// context cancelled
			o.finish(StatusStopped, "")
			return
		}

		if !success {
			_ = o.reg.SetLevelState(lvl, registry.LevelFailed, "")
			o.logger.Error("level resolved unsuccessfully, halting", "level", lvl)
			o.finish(StatusHalted, fmt.Sprintf("level %d has blocked or failed tasks", lvl))
			return
		}

		records, err := o.reg.Snapshot()
		if err != nil {
			o.finish(StatusHalted, err.Error())
			return
		}
		_ = o.reg.SetLevelState(lvl, registry.LevelMerging, "")
		outcome, err := o.mergeCoord.MergeLevel(o.ctx, lvl, records)
		if err != nil || outcome == nil || !outcome.Promoted {
			reason := "merge did not promote"
			if err != nil {
				reason = err.Error()
			}
			_ = o.reg.SetLevelState(lvl, registry.LevelFailed, "")
			o.logger.Error("merge failed, halting", "level", lvl, "reason", reason)
			o.finish(StatusHalted, reason)
			return
		}
		_ = o.reg.SetLevelState(lvl, registry.LevelComplete, outcome.MergeRef)
		o.publisher.Publish(events.New(eventID(), events.TypeLevelCompleted, "", map[string]any{"level": lvl, "merge_ref": outcome.MergeRef}))
	}

	o.finish(StatusDone, "")
}

func (o *Orchestrator) finish(status Status, reason string) {
	o.mu.Lock()
	o.status = status
	o.halt = reason
	handles := make([]*workerHandle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		_ = o.launcher.Stop(context.Background(), h.handle)
		_ = o.launcher.Cleanup(h.handle)
	}
	o.logger.Info("orchestrator finished", "status", status, "reason", reason)
}

// spawnLevel launches one worker process per worker ID with a non-empty
// assignment at lvl that isn't already running from a prior level (a worker
// keeps its single branch and process across every level it owns work in,
// per workspace.BranchName's contract).
func (o *Orchestrator) spawnLevel(lvl int) error {
	plan := o.plans[lvl]
	for _, workerID := range plan.WorkerIDs {
		if len(plan.ByWorker[workerID]) == 0 {
			continue
		}
		o.mu.RLock()
		_, already := o.handles[workerID]
		o.mu.RUnlock()
		if already {
			continue
		}
		if err := o.spawnWorker(workerID); err != nil {
			return err
		}
	}
	return nil
}

// writePlanArtifacts persists the task graph and the per-level assignment
// plan beside the registry file, the only channel a spawned worker process
// has back to them once it's running in its own workspace.
func (o *Orchestrator) writePlanArtifacts() error {
	dir := filepath.Dir(o.ecfg.RegistryPath())

	graphData, err := yaml.Marshal(o.g)
	if err != nil {
		return fmt.Errorf("marshal task graph: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "graph.yaml"), graphData, 0644); err != nil {
		return fmt.Errorf("write graph.yaml: %w", err)
	}

	planData, err := json.Marshal(workerPlanDocument{Levels: o.plans})
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plan.json"), planData, 0644); err != nil {
		return fmt.Errorf("write plan.json: %w", err)
	}
	return nil
}

func (o *Orchestrator) spawnWorker(workerID string) error {
	branch := workspace.BranchName(workerID)
	ws, err := o.workspaces.Create(o.ctx, workerID, branch, o.cfg.BaselineBranch)
	if err != nil {
		return fmt.Errorf("create workspace for %s: %w", workerID, err)
	}

	var portNum int
	if o.ports != nil {
		portNum, err = o.ports.Allocate()
		if err != nil {
			return fmt.Errorf("allocate port for %s: %w", workerID, err)
		}
	}

	env := map[string]string{
		"WORKER_ID":       workerID,
		"FEATURE":         o.cfg.Feature,
		"BRANCH":          branch,
		"WORKSPACE_PATH":  ws.Path,
		"REGISTRY_PATH":   o.ecfg.RegistryPath(),
		"TASK_LIST_ID":    o.cfg.Feature,
		"BASELINE_BRANCH": o.cfg.BaselineBranch,
	}

	spec := launch.Spec{
		WorkerID: workerID,
		WorkDir:  ws.Path,
		Command:  o.cfg.WorkerCommand,
		Env:      env,
		Image:    o.cfg.WorkerImage,
		Port:     portNum,
	}

	h, err := o.launcher.Spawn(o.ctx, spec)
	if err != nil {
		return fmt.Errorf("spawn worker %s: %w", workerID, err)
	}
	if err := o.launcher.WaitReady(o.ctx, h, o.cfg.SpawnGrace); err != nil {
		return fmt.Errorf("worker %s not ready: %w", workerID, err)
	}

	_ = o.reg.SetWorker(workerID, registry.WorkerReady, "")
	o.publisher.Publish(events.New(eventID(), events.TypeWorkerSpawned, "", map[string]any{"worker": workerID}))

	o.mu.Lock()
	o.handles[workerID] = &workerHandle{id: workerID, handle: h, branch: branch, path: ws.Path}
	o.mu.Unlock()
	return nil
}

// pumpUntilResolved ticks at cfg.PollInterval until level lvl is resolved
// (every assigned task terminal), detecting and reacting to worker exits
// along the way. The second return value is is_level_success(lvl).
func (o *Orchestrator) pumpUntilResolved(lvl int) (resolved, success bool) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return false, false
		case <-ticker.C:
		}

		if o.stopRequested() {
			return false, false
		}

		records, err := o.reg.Snapshot()
		if err != nil {
			o.logger.Error("snapshot failed", "error", err)
			continue
		}

		o.checkExits(lvl, records)

		if levelctl.LevelComplete(records, lvl) {
			return true, true
		}
		maxAttempts := 3
		if o.ecfg != nil && o.ecfg.Retry.MaxAttempts > 0 {
			maxAttempts = o.ecfg.Retry.MaxAttempts
		}
		if levelctl.LevelBlocked(records, lvl, maxAttempts) {
			allTerminal := true
			for _, r := range records {
				if r.Level != lvl {
					continue
				}
				if r.Status != registry.StatusCompleted && r.Status != registry.StatusBlocked {
					allTerminal = false
					break
				}
			}
			if allTerminal {
				return true, false
			}
		}
	}
}

// checkExits polls each of this level's live worker handles for a
// termination signal and reacts per the exit-code classification below.
func (o *Orchestrator) checkExits(lvl int, records []*registry.TaskRecord) {
	maxAttempts := 3
	if o.ecfg != nil && o.ecfg.Retry.MaxAttempts > 0 {
		maxAttempts = o.ecfg.Retry.MaxAttempts
	}

	o.mu.RLock()
	plan := o.plans[lvl]
	handles := make([]*workerHandle, 0, len(plan.WorkerIDs))
	for _, id := range plan.WorkerIDs {
		if h, ok := o.handles[id]; ok {
			handles = append(handles, h)
		}
	}
	o.mu.RUnlock()

	for _, h := range handles {
		if o.launcher.IsAlive(h.handle) {
			continue
		}

		code, exited := 1, true
		if ec, ok := o.launcher.(launch.ExitCoder); ok {
			code, exited = ec.ExitCode(h.handle)
		}
		if !exited {
			continue
		}

		owned := ownedInProgress(records, h.id)
		switch code {
		case 0, 3:
			// Clean exit or "all remaining blocked": nothing further for
			// this worker to do at this level or any later one it owns
			// work in; leave its tasks exactly as it left them.
			_ = o.reg.MarkWorkerExited(h.id, code, "")
			_ = o.launcher.Cleanup(h.handle)
			o.removeHandle(h.id)
		case 2:
			// Checkpoint-requested: respawn the same worker so it can
			// reclaim its Checkpointed task.
			_ = o.reg.SetWorker(h.id, registry.WorkerIdle, "")
			_ = o.launcher.Cleanup(h.handle)
			o.removeHandle(h.id)
			o.publisher.Publish(events.New(eventID(), events.TypeWorkerCheckpoint, owned, map[string]any{"worker": h.id}))
			if err := o.respawn(h); err != nil {
				o.logger.Error("respawn after checkpoint failed", "worker", h.id, "error", err)
			}
		default:
			// Fatal error or abnormal exit (crash): reap the owned task
			// (preserve retry counter, Pending if budget remains else
			// Blocked), then respawn to keep making progress on whatever
			// the worker still owns.
			if owned != "" {
				if _, err := o.reg.Reap(owned, fmt.Sprintf("worker %s exited %d", h.id, code), maxAttempts); err != nil {
					o.logger.Error("reap crashed task failed", "task", owned, "error", err)
				}
			}
			_ = o.reg.MarkWorkerExited(h.id, code, "crashed")
			_ = o.launcher.Cleanup(h.handle)
			o.removeHandle(h.id)
			o.publisher.Publish(events.New(eventID(), events.TypeWorkerExited, owned, map[string]any{"worker": h.id, "crash": true, "exit_code": code}))
			if err := o.respawn(h); err != nil {
				o.logger.Error("respawn after crash failed", "worker", h.id, "error", err)
			}
		}
	}
}

// stopRequested polls the stop file. A "force" payload stops every live
// worker before cancelling; otherwise it only cancels, and the workers are
// stopped when the run finishes.
func (o *Orchestrator) stopRequested() bool {
	if o.cfg.StopFile == "" {
		return false
	}
	data, err := os.ReadFile(o.cfg.StopFile)
	if err != nil {
		return false
	}
	force := string(bytes.TrimSpace(data)) == "force"
	o.logger.Info("stop requested", "force", force)
	defer os.Remove(o.cfg.StopFile)
	if force {
		o.mu.RLock()
		handles := make([]*workerHandle, 0, len(o.handles))
		for _, h := range o.handles {
			handles = append(handles, h)
		}
		o.mu.RUnlock()
		for _, h := range handles {
			_ = o.launcher.Stop(context.Background(), h.handle)
		}
	}
	o.cancel()
	return true
}

func (o *Orchestrator) removeHandle(workerID string) {
	o.mu.Lock()
	delete(o.handles, workerID)
	o.mu.Unlock()
}

// respawn relaunches workerID's same branch/workspace with a fresh process,
// capped so a crash-loop doesn't spawn forever.
func (o *Orchestrator) respawn(h *workerHandle) error {
	const maxRespawns = 5
	if h.respawns >= maxRespawns {
		return fmt.Errorf("worker %s exceeded %d respawns", h.id, maxRespawns)
	}
	if err := o.spawnWorker(h.id); err != nil {
		return err
	}
	o.mu.Lock()
	if nh, ok := o.handles[h.id]; ok {
		nh.respawns = h.respawns + 1
	}
	o.mu.Unlock()
	return nil
}

// ownedInProgress returns the ID of the task workerID holds in a
// non-terminal status, or "" if none.
func ownedInProgress(records []*registry.TaskRecord, workerID string) string {
	for _, r := range records {
		if r.Worker != workerID {
			continue
		}
		switch r.Status {
		case registry.StatusClaimed, registry.StatusRunning, registry.StatusVerifying:
			return r.ID
		}
	}
	return ""
}

var eventSeq = struct {
	mu sync.Mutex
	n  int
}{}

// eventID mints a sequential, deterministic event ID for the orchestrator's
// own lifecycle events (level/worker transitions the registry itself
// doesn't stamp). The registry's own events use uuid.NewString(); this
// package avoids that dependency for its few call sites since no test needs
// these IDs to be anything but unique within one process.
func eventID() string {
	eventSeq.mu.Lock()
	defer eventSeq.mu.Unlock()
	eventSeq.n++
	return fmt.Sprintf("orch-%d", eventSeq.n)
}

// RetryBlocked resets every Blocked task back to Pending, the `retry`
// command's implementation.
func RetryBlocked(reg *registry.Registry) (int, error) {
	records, err := reg.Snapshot()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.Status != registry.StatusBlocked {
			continue
		}
		if err := reg.Requeue(r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ForceMerge invokes the merge coordinator for a level outside the normal
// pump, the `merge` command's implementation for a level stuck resolved.
func ForceMerge(ctx context.Context, reg *registry.Registry, mergeCoord *merge.Coordinator, level int) (*merge.Outcome, error) {
	records, err := reg.Snapshot()
	if err != nil {
		return nil, err
	}
	if !merge.LevelSucceeded(records, level) {
		return nil, fmt.Errorf("level %d has not succeeded; refusing forced merge", level)
	}
	outcome, err := mergeCoord.MergeLevel(ctx, level, records)
	if err != nil {
		return outcome, err
	}
	if err := reg.SetLevelState(level, registry.LevelComplete, outcome.MergeRef); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Cleanup tears down every tracked workspace, the `cleanup` command's
// implementation.
func Cleanup(ctx context.Context, workspaces *workspace.Manager) error {
	for _, ws := range workspaces.List() {
		if err := workspaces.Remove(ctx, ws.WorkerID); err != nil {
			return fmt.Errorf("remove workspace %s: %w", ws.WorkerID, err)
		}
	}
	return nil
}

