package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/echelon-run/echelon/internal/assign"
	"github.com/echelon-run/echelon/internal/graph"
	"github.com/echelon-run/echelon/internal/registry"
)

type fakeRunner struct {
	fail      bool // every attempt fails
	failTimes int  // fail this many attempts, then succeed
}

func (f *fakeRunner) Execute(ctx context.Context, t *graph.Task, workspaceDir string) error {
	if f.fail {
		return assertErr{"forced failure"}
	}
	if f.failTimes > 0 {
		f.failTimes--
		return assertErr{"transient failure"}
	}
	return os.WriteFile(filepath.Join(workspaceDir, t.ID+".txt"), []byte("done\n"), 0644)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

type fixedCheckpoint struct{ pct int }

func (f fixedCheckpoint) PercentUsed() int { return f.pct }

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", "seed")
}

func writeGraphAndPlan(t *testing.T, dir string, g *graph.Graph, plan map[int]assign.Plan) {
	t.Helper()
	data, err := yamlMarshalGraph(g)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graph.yaml"), data, 0644))

	doc := planDocument{Levels: plan}
	pdata, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.json"), pdata, 0644))
}

// yamlMarshalGraph builds a minimal task graph document by hand, avoiding a
// yaml.v3 marshal round-trip dependency in the test itself.
func yamlMarshalGraph(g *graph.Graph) ([]byte, error) {
	var buf []byte
	buf = append(buf, []byte("version: 1\ntasks:\n")...)
	for _, t := range g.Tasks {
		buf = append(buf, []byte("  - id: "+t.ID+"\n")...)
		buf = append(buf, []byte("    level: 0\n")...)
		buf = append(buf, []byte("    run: [\"true\"]\n")...)
		buf = append(buf, []byte("    verify:\n      command: [\"true\"]\n")...)
	}
	return buf, nil
}

func TestRunSingleTaskCompletes(t *testing.T) {
	stateDir := t.TempDir()
	wsDir := t.TempDir()
	initRepo(t, wsDir)

	g := &graph.Graph{Version: 1, Tasks: []*graph.Task{{ID: "t1", Level: 0, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"true"}}}}}
	writeGraphAndPlan(t, stateDir, g, map[int]assign.Plan{
		0: {Level: 0, ByWorker: map[string][]string{"w0": {"t1"}}, WorkerIDs: []string{"w0"}},
	})

	reg, err := registry.Open(filepath.Join(stateDir, "registry.json"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register([]string{"t1"}, map[string]int{"t1": 0}, nil))

	cfg := Config{
		Env: Env{
			WorkerID:      "w0",
			WorkspacePath: wsDir,
			RegistryPath:  filepath.Join(stateDir, "registry.json"),
		},
		RunnerFor: func(t *graph.Task) Runner { return &fakeRunner{} },
	}

	code := Run(context.Background(), cfg)
	require.Equal(t, ExitDone, code)

	rec, err := reg.Get("t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, rec.Status)
}

func TestRunBlocksAfterRetriesExhausted(t *testing.T) {
	stateDir := t.TempDir()
	wsDir := t.TempDir()
	initRepo(t, wsDir)

	g := &graph.Graph{Version: 1, Tasks: []*graph.Task{{ID: "t1", Level: 0, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"true"}}}}}
	writeGraphAndPlan(t, stateDir, g, map[int]assign.Plan{
		0: {Level: 0, ByWorker: map[string][]string{"w0": {"t1"}}, WorkerIDs: []string{"w0"}},
	})

	reg, err := registry.Open(filepath.Join(stateDir, "registry.json"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register([]string{"t1"}, map[string]int{"t1": 0}, nil))

	cfg := Config{
		Env: Env{
			WorkerID:      "w0",
			WorkspacePath: wsDir,
			RegistryPath:  filepath.Join(stateDir, "registry.json"),
		},
		RunnerFor:  func(t *graph.Task) Runner { return &fakeRunner{fail: true} },
		MaxRetries: 2,
	}

	code := Run(context.Background(), cfg)
	require.Equal(t, ExitAllRemainingBlocked, code)

	rec, err := reg.Get("t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusBlocked, rec.Status)
}

func TestRunCheckpointsOnContextPressure(t *testing.T) {
	stateDir := t.TempDir()
	wsDir := t.TempDir()
	initRepo(t, wsDir)

	g := &graph.Graph{Version: 1, Tasks: []*graph.Task{{ID: "t1", Level: 0, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"true"}}}}}
	writeGraphAndPlan(t, stateDir, g, map[int]assign.Plan{
		0: {Level: 0, ByWorker: map[string][]string{"w0": {"t1"}}, WorkerIDs: []string{"w0"}},
	})

	reg, err := registry.Open(filepath.Join(stateDir, "registry.json"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register([]string{"t1"}, map[string]int{"t1": 0}, nil))

	cfg := Config{
		Env: Env{
			WorkerID:      "w0",
			WorkspacePath: wsDir,
			RegistryPath:  filepath.Join(stateDir, "registry.json"),
		},
		RunnerFor:  func(t *graph.Task) Runner { return &fakeRunner{} },
		Checkpoint: fixedCheckpoint{pct: 90},
	}

	code := Run(context.Background(), cfg)
	require.Equal(t, ExitCheckpoint, code)

	rec, err := reg.Get("t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCheckpointed, rec.Status)
}

func TestCheckpointedTaskIsReclaimable(t *testing.T) {
	stateDir := t.TempDir()
	wsDir := t.TempDir()
	initRepo(t, wsDir)

	g := &graph.Graph{Version: 1, Tasks: []*graph.Task{{ID: "t1", Level: 0, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"true"}}}}}
	writeGraphAndPlan(t, stateDir, g, map[int]assign.Plan{
		0: {Level: 0, ByWorker: map[string][]string{"w0": {"t1"}}, WorkerIDs: []string{"w0"}},
	})

	reg, err := registry.Open(filepath.Join(stateDir, "registry.json"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register([]string{"t1"}, map[string]int{"t1": 0}, nil))

	cfg := Config{
		Env: Env{
			WorkerID:      "w0",
			WorkspacePath: wsDir,
			RegistryPath:  filepath.Join(stateDir, "registry.json"),
		},
		RunnerFor:  func(t *graph.Task) Runner { return &fakeRunner{} },
		Checkpoint: fixedCheckpoint{pct: 90},
	}
	require.Equal(t, ExitCheckpoint, Run(context.Background(), cfg))

	cfg.Checkpoint = fixedCheckpoint{pct: 0}
	require.Equal(t, ExitDone, Run(context.Background(), cfg))

	rec, err := reg.Get("t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, rec.Status)
}

func TestWriteSentinelCreatesReadyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSentinel(dir))
	_, err := os.Stat(filepath.Join(dir, ".ready"))
	require.NoError(t, err)
}

// TestRunFailsOnceThenSucceeds covers the intermediate-failure cycle: a
// transient first attempt must surface as Failed then Pending in the event
// log, with the task record's attempt count advancing, before the second
// attempt completes.
func TestRunFailsOnceThenSucceeds(t *testing.T) {
	stateDir := t.TempDir()
	wsDir := t.TempDir()
	initRepo(t, wsDir)

	g := &graph.Graph{Version: 1, Tasks: []*graph.Task{{ID: "t1", Level: 0, Run: []string{"true"}, Verify: graph.VerifySpec{Command: []string{"true"}}}}}
	writeGraphAndPlan(t, stateDir, g, map[int]assign.Plan{
		0: {Level: 0, ByWorker: map[string][]string{"w0": {"t1"}}, WorkerIDs: []string{"w0"}},
	})

	reg, err := registry.Open(filepath.Join(stateDir, "registry.json"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register([]string{"t1"}, map[string]int{"t1": 0}, nil))

	runner := &fakeRunner{failTimes: 1}
	cfg := Config{
		Env: Env{
			WorkerID:      "w0",
			WorkspacePath: wsDir,
			RegistryPath:  filepath.Join(stateDir, "registry.json"),
		},
		RunnerFor:  func(t *graph.Task) Runner { return runner },
		MaxRetries: 3,
	}

	code := Run(context.Background(), cfg)
	require.Equal(t, ExitDone, code)

	rec, err := reg.Get("t1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, rec.Status)
	require.Equal(t, 2, rec.Attempts, "the failed first attempt must count")

	events, err := os.ReadFile(filepath.Join(stateDir, "registry.json.events.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(events), "task.failed")
	require.Contains(t, string(events), "task.requeued")
	require.Contains(t, string(events), "task.completed")
}
