package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	echconfig "github.com/echelon-run/echelon/internal/config"
	"github.com/echelon-run/echelon/internal/events"
	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/launch"
	"github.com/echelon-run/echelon/internal/merge"
	"github.com/echelon-run/echelon/internal/port"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
	"github.com/echelon-run/echelon/internal/worker"
	"github.com/echelon-run/echelon/internal/workspace"
)

// scenarioRunner performs a task's declared file effects without shelling
// out to anything: Create writes a placeholder, Modify appends a marker a
// verify command can grep for.
type scenarioRunner struct{}

func (scenarioRunner) Execute(ctx context.Context, t *graph.Task, workspaceDir string) error {
	for _, pat := range t.Files.Create {
		if err := os.WriteFile(filepath.Join(workspaceDir, pat), []byte("x\n"), 0644); err != nil {
			return err
		}
	}
	for _, pat := range t.Files.Modify {
		f, err := os.OpenFile(filepath.Join(workspaceDir, pat), os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString("DONE\n"); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// inProcessLauncher runs the real worker protocol (internal/worker.Run) in a
// goroutine per spawned worker instead of a separate OS process, so these
// tests exercise the actual claim/execute/verify/commit/checkpoint state
// machine against a real git repo rather than a launcher-level stub.
type inProcessLauncher struct {
	mu     sync.Mutex
	states map[string]*workerState
}

type workerState struct {
	alive  bool
	code   int
	exited bool
}

func newInProcessLauncher() *inProcessLauncher {
	return &inProcessLauncher{states: make(map[string]*workerState)}
}

func (l *inProcessLauncher) Spawn(ctx context.Context, spec launch.Spec) (*launch.Handle, error) {
	wcfg := worker.Config{
		Env: worker.Env{
			WorkerID:       spec.Env["WORKER_ID"],
			Feature:        spec.Env["FEATURE"],
			Branch:         spec.Env["BRANCH"],
			WorkspacePath:  spec.Env["WORKSPACE_PATH"],
			RegistryPath:   spec.Env["REGISTRY_PATH"],
			TaskListID:     spec.Env["TASK_LIST_ID"],
			BaselineBranch: spec.Env["BASELINE_BRANCH"],
		},
		RunnerFor:    func(t *graph.Task) worker.Runner { return scenarioRunner{} },
		PollInterval: 10 * time.Millisecond,
	}

	st := &workerState{alive: true}
	l.mu.Lock()
	l.states[spec.WorkerID] = st
	l.mu.Unlock()

	go func() {
		code := worker.Run(ctx, wcfg)
		l.mu.Lock()
		st.alive = false
		st.exited = true
		st.code = code
		l.mu.Unlock()
	}()

	return &launch.Handle{WorkerID: spec.WorkerID, Backend: "inprocess"}, nil
}

func (l *inProcessLauncher) WaitReady(ctx context.Context, h *launch.Handle, timeout time.Duration) error {
	return nil
}

func (l *inProcessLauncher) Stop(ctx context.Context, h *launch.Handle) error { return nil }

func (l *inProcessLauncher) IsAlive(h *launch.Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[h.WorkerID]
	return ok && st.alive
}

func (l *inProcessLauncher) Cleanup(h *launch.Handle) error { return nil }

func (l *inProcessLauncher) ExitCode(h *launch.Handle) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[h.WorkerID]
	if !ok {
		return 0, false
	}
	return st.code, st.exited
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initBaseline(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "seed")
	runGit(t, dir, "branch", "-M", "main")
}

// TestOrchestratorSingleLevelPromotes runs one task through a single worker
// for a one-level graph and checks the task's file effect lands on the
// baseline branch once the level merges and promotes.
func TestOrchestratorSingleLevelPromotes(t *testing.T) {
	baseDir := t.TempDir()
	initBaseline(t, baseDir)

	stateDir := t.TempDir()
	ecfg := &echconfig.Config{WorkDir: "", StateDir: stateDir}
	require.NoError(t, os.MkdirAll(ecfg.WorktreesDir(), 0755))

	reg, err := registry.Open(ecfg.RegistryPath(), nil)
	require.NoError(t, err)

	g := &graph.Graph{
		Version: 1,
		Tasks: []*graph.Task{
			{
				ID:     "t1",
				Level:  0,
				Files:  graph.FileSpec{Create: []string{"a.txt"}},
				Run:    []string{"true"},
				Verify: graph.VerifySpec{Command: []string{"test", "-f", "a.txt"}},
			},
		},
	}

	repo := vcs.Open(baseDir)
	workspaces := workspace.New(baseDir, ecfg.WorktreesDir())
	mergeCoord := merge.New(repo, echconfig.MergeConfig{StagingBranchPrefix: "echelon/staging"}, "main", nil, nil, nil)
	ports := port.New(28000, 28050)
	launcher := newInProcessLauncher()

	cfg := Config{
		Feature:        "demo",
		WorkerCount:    1,
		PollInterval:   10 * time.Millisecond,
		SpawnGrace:     5 * time.Second,
		BaselineBranch: "main",
	}

	o := New(cfg, g, ecfg, reg, repo, workspaces, launcher, mergeCoord, ports, events.NopPublisher{}, nil)

	lockPath := filepath.Join(stateDir, "feature.lock")
	require.NoError(t, o.Start(context.Background(), lockPath))
	o.Wait()

	snap, err := o.Status()
	require.NoError(t, err)
	require.Equal(t, StatusDone, snap.Status)
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, registry.StatusCompleted, snap.Tasks[0].Status)

	_, err = os.Stat(filepath.Join(baseDir, "a.txt"))
	require.NoError(t, err, "promoted baseline should contain the task's file")
}

// TestOrchestratorTwoLevelsRebaseAndMerge runs a two-level graph across two
// workers at level 0 whose outputs a single worker then combines at level 1,
// exercising the worker's wait-for-merge-then-rebase cycle alongside the
// orchestrator's per-level pump.
func TestOrchestratorTwoLevelsRebaseAndMerge(t *testing.T) {
	baseDir := t.TempDir()
	initBaseline(t, baseDir)

	stateDir := t.TempDir()
	ecfg := &echconfig.Config{WorkDir: "", StateDir: stateDir}
	require.NoError(t, os.MkdirAll(ecfg.WorktreesDir(), 0755))

	reg, err := registry.Open(ecfg.RegistryPath(), nil)
	require.NoError(t, err)

	g := &graph.Graph{
		Version: 1,
		Tasks: []*graph.Task{
			{ID: "t1", Level: 0, Files: graph.FileSpec{Create: []string{"a.txt"}}, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"test", "-f", "a.txt"}}},
			{ID: "t2", Level: 0, Files: graph.FileSpec{Create: []string{"b.txt"}}, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"test", "-f", "b.txt"}}},
			{ID: "t3", Level: 1, DependsOn: []string{"t1", "t2"}, Files: graph.FileSpec{Modify: []string{"a.txt"}}, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"grep", "-q", "DONE", "a.txt"}}},
		},
	}

	repo := vcs.Open(baseDir)
	workspaces := workspace.New(baseDir, ecfg.WorktreesDir())
	mergeCoord := merge.New(repo, echconfig.MergeConfig{StagingBranchPrefix: "echelon/staging"}, "main", nil, nil, nil)
	ports := port.New(28100, 28150)
	launcher := newInProcessLauncher()

	cfg := Config{
		Feature:        "demo2",
		WorkerCount:    2,
		PollInterval:   10 * time.Millisecond,
		SpawnGrace:     5 * time.Second,
		BaselineBranch: "main",
	}

	o := New(cfg, g, ecfg, reg, repo, workspaces, launcher, mergeCoord, ports, events.NopPublisher{}, nil)

	lockPath := filepath.Join(stateDir, "feature.lock")
	require.NoError(t, o.Start(context.Background(), lockPath))

	done := make(chan struct{})
	go func() { o.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("orchestrator did not finish in time")
	}

	snap, err := o.Status()
	require.NoError(t, err)
	require.Equal(t, StatusDone, snap.Status)
	for _, rec := range snap.Tasks {
		require.Equalf(t, registry.StatusCompleted, rec.Status, "task %s", rec.ID)
	}

	data, err := os.ReadFile(filepath.Join(baseDir, "a.txt"))
	require.NoError(t, err)
	require.Contains(t, string(data), "DONE")
}

// TestStopFileConsumedByPump covers the cross-process stop request the stop
// CLI command writes: the pump notices the file, cancels the run, and
// removes the file so a later run isn't halted by a stale request.
func TestStopFileConsumedByPump(t *testing.T) {
	stop := filepath.Join(t.TempDir(), "stop")
	o := New(Config{Feature: "demo", StopFile: stop}, &graph.Graph{}, nil, nil, nil, nil,
		newInProcessLauncher(), nil, nil, events.NopPublisher{}, nil)
	o.ctx, o.cancel = context.WithCancel(context.Background())

	require.False(t, o.stopRequested(), "no stop file yet")

	require.NoError(t, os.WriteFile(stop, []byte("graceful\n"), 0644))
	require.True(t, o.stopRequested())
	require.Error(t, o.ctx.Err(), "stop must cancel the run context")

	_, err := os.Stat(stop)
	require.True(t, os.IsNotExist(err), "stop file must be consumed")
}
