package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x\n"), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestCreateAndRemoveWorkspace(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	base := t.TempDir()
	m := New(repo, base)

	ws, err := m.Create(ctx, "w1", BranchName("TASK-001"), "main")
	require.NoError(t, err)
	require.DirExists(t, ws.Path)
	require.Len(t, m.List(), 1)

	require.NoError(t, m.Remove(ctx, "w1"))
	require.NoDirExists(t, ws.Path)
	require.Len(t, m.List(), 0)
}

func TestBranchNameDeterministic(t *testing.T) {
	require.Equal(t, "echelon/TASK-001", BranchName("TASK-001"))
	require.Equal(t, BranchName("TASK-001"), BranchName("TASK-001"))
}

func TestDiscoverAdoptsExistingWorktrees(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	base := t.TempDir()

	m := New(repo, base)
	ws, err := m.Create(ctx, "w0", BranchName("w0"), "main")
	require.NoError(t, err)

	// A fresh manager, as a separate cleanup process would construct.
	fresh := New(repo, base)
	require.Len(t, fresh.List(), 0)

	found, err := fresh.Discover()
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "w0", found[0].WorkerID)
	require.Equal(t, ws.Path, found[0].Path)

	require.NoError(t, fresh.Remove(ctx, "w0"))
	require.NoDirExists(t, ws.Path)
}

func TestDiscoverMissingBaseDirIsEmpty(t *testing.T) {
	m := New(t.TempDir(), filepath.Join(t.TempDir(), "nope"))
	found, err := m.Discover()
	require.NoError(t, err)
	require.Empty(t, found)
}
