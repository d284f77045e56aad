package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	echconfig "github.com/echelon-run/echelon/internal/config"
	"github.com/echelon-run/echelon/internal/registry"
	"github.com/echelon-run/echelon/internal/vcs"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "seed")
	runGit(t, dir, "branch", "-M", "main")
	return dir
}

func commitOnBranch(t *testing.T, dir, branch, file, content string) {
	t.Helper()
	runGit(t, dir, "checkout", "-b", branch, "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "work on "+branch)
	runGit(t, dir, "checkout", "main")
}

func TestMergeLevelPromotesSingleWorkerBranch(t *testing.T) {
	dir := initRepo(t)
	commitOnBranch(t, dir, "echelon/w0", "a.txt", "from w0\n")

	records := []*registry.TaskRecord{
		{ID: "t1", Level: 0, Status: registry.StatusCompleted, Worker: "w0"},
	}

	coord := New(vcs.Open(dir), echconfig.MergeConfig{StagingBranchPrefix: "echelon/staging"}, "main", nil, nil, nil)
	outcome, err := coord.MergeLevel(context.Background(), 0, records)
	require.NoError(t, err)
	require.True(t, outcome.Promoted)
	require.Equal(t, []string{"echelon/w0"}, outcome.MergedBranches)

	branch, err := vcs.Open(dir).CurrentBranch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "from w0\n", string(data))
}

func TestMergeLevelDedupesByWorkerNotTask(t *testing.T) {
	dir := initRepo(t)
	commitOnBranch(t, dir, "echelon/w0", "a.txt", "from w0\n")

	// Two completed task records both owned by worker w0: the merge should
	// treat this as one branch to merge, not two.
	records := []*registry.TaskRecord{
		{ID: "t1", Level: 0, Status: registry.StatusCompleted, Worker: "w0"},
		{ID: "t2", Level: 0, Status: registry.StatusCompleted, Worker: "w0"},
	}

	branches := workerBranches(records, 0)
	require.Equal(t, []string{"echelon/w0"}, branches)
}

func TestMergeLevelConflictRollsBackToBaseline(t *testing.T) {
	dir := initRepo(t)
	commitOnBranch(t, dir, "echelon/w0", "shared.txt", "from w0\n")
	commitOnBranch(t, dir, "echelon/w1", "shared.txt", "from w1\n")

	beforeSHA, err := vcs.Open(dir).HeadSHA(context.Background())
	require.NoError(t, err)

	records := []*registry.TaskRecord{
		{ID: "t1", Level: 0, Status: registry.StatusCompleted, Worker: "w0"},
		{ID: "t2", Level: 0, Status: registry.StatusCompleted, Worker: "w1"},
	}

	coord := New(vcs.Open(dir), echconfig.MergeConfig{StagingBranchPrefix: "echelon/staging"}, "main", nil, nil, nil)
	outcome, err := coord.MergeLevel(context.Background(), 0, records)
	require.Error(t, err)
	require.False(t, outcome.Promoted)
	require.NotEmpty(t, outcome.ConflictBranch)
	require.Contains(t, outcome.ConflictFiles, "shared.txt")

	afterSHA, err := vcs.Open(dir).HeadSHA(context.Background())
	require.NoError(t, err)
	require.Equal(t, beforeSHA, afterSHA, "baseline must be untouched after a conflict")
}

func TestLevelSucceededRequiresAllCompleted(t *testing.T) {
	records := []*registry.TaskRecord{
		{ID: "t1", Level: 0, Status: registry.StatusCompleted},
		{ID: "t2", Level: 0, Status: registry.StatusBlocked},
	}
	require.False(t, LevelSucceeded(records, 0))

	records[1].Status = registry.StatusCompleted
	require.True(t, LevelSucceeded(records, 0))
}
