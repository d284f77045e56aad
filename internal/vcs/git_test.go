package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) *Repo {
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

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")

	return Open(dir)
}

func TestCreateBranchAndMerge(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)

	require.NoError(t, r.CreateBranch(ctx, "feature", "main"))

	cmd := exec.Command("git", "checkout", "-q", "feature")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "feature.txt"), []byte("x\n"), 0644))
	_, err := r.CommitAll(ctx, "add feature file")
	require.NoError(t, err)

	cmd = exec.Command("git", "checkout", "-q", "main")
	cmd.Dir = r.Dir
	require.NoError(t, cmd.Run())

	require.NoError(t, r.Merge(ctx, "feature"))
}

func TestMergeConflictReturnsSentinel(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)

	require.NoError(t, r.CreateBranch(ctx, "a", "main"))
	require.NoError(t, r.CreateBranch(ctx, "b", "main"))

	checkout := func(branch string) {
		cmd := exec.Command("git", "checkout", "-q", branch)
		cmd.Dir = r.Dir
		require.NoError(t, cmd.Run())
	}

	checkout("a")
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "README.md"), []byte("a change\n"), 0644))
	_, err := r.CommitAll(ctx, "a change")
	require.NoError(t, err)

	checkout("b")
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "README.md"), []byte("b change\n"), 0644))
	_, err = r.CommitAll(ctx, "b change")
	require.NoError(t, err)

	checkout("main")
	require.NoError(t, r.Merge(ctx, "a"))
	err = r.Merge(ctx, "b")
	require.ErrorIs(t, err, ErrMergeConflict)

	files, ferr := r.ConflictedFiles(ctx)
	require.NoError(t, ferr)
	require.Contains(t, files, "README.md")

	require.NoError(t, r.AbortMerge(ctx))
}

func TestTagAndResetHard(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)

	require.NoError(t, r.Tag(ctx, "checkpoint"))

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "new.txt"), []byte("x\n"), 0644))
	_, err := r.CommitAll(ctx, "extra commit")
	require.NoError(t, err)

	require.NoError(t, r.ResetHardToTag(ctx, "checkpoint"))

	_, err = os.Stat(filepath.Join(r.Dir, "new.txt"))
	require.True(t, os.IsNotExist(err))
}
