package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/echelon-run/echelon/internal/graph"
)

func TestUsageTrackerPercent(t *testing.T) {
	u := NewUsageTracker(100)
	require.Equal(t, 0, u.PercentUsed())
	u.Add(50)
	require.Equal(t, 50, u.PercentUsed())
	u.Add(500)
	require.Equal(t, 100, u.PercentUsed())

	var nilTracker *UsageTracker
	require.Equal(t, 0, nilTracker.PercentUsed())
	require.Equal(t, 0, NewUsageTracker(0).PercentUsed())
}

func TestCommandRunnerExecutes(t *testing.T) {
	dir := t.TempDir()
	tracker := NewUsageTracker(1)
	r := &CommandRunner{Tracker: tracker}

	task := &graph.Task{ID: "T1", Run: []string{"sh", "-c", "echo hello > out.txt && cat out.txt"}}
	require.NoError(t, r.Execute(context.Background(), task, dir))

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
	require.Equal(t, 100, tracker.PercentUsed()) // command output was counted
}

func TestCommandRunnerReportsFailureOutput(t *testing.T) {
	r := &CommandRunner{}
	task := &graph.Task{ID: "T1", Run: []string{"sh", "-c", "echo boom >&2; exit 7"}}

	err := r.Execute(context.Background(), task, t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "T1")
	require.Contains(t, err.Error(), "boom")
}

func TestCommandRunnerNoCommandIsNoop(t *testing.T) {
	r := &CommandRunner{}
	require.NoError(t, r.Execute(context.Background(), &graph.Task{ID: "T1"}, t.TempDir()))
}

func TestCommandRunnerReadsDeclaredContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("0123456789"), 0644))

	tracker := NewUsageTracker(10)
	r := &CommandRunner{Tracker: tracker}
	task := &graph.Task{
		ID:    "T1",
		Files: graph.FileSpec{Read: []string{"*.txt"}},
		Run:   []string{"sh", "-c", `printf '%s' "$ECHELON_READ_FILES" > seen.txt`},
	}
	require.NoError(t, r.Execute(context.Background(), task, dir))

	// The 10 bytes of read context consumed the whole budget.
	require.Equal(t, 100, tracker.PercentUsed())

	seen, err := os.ReadFile(filepath.Join(dir, "seen.txt"))
	require.NoError(t, err)
	require.Contains(t, string(seen), "input.txt")
}

func TestCommandRunnerSkipsMissingReadFiles(t *testing.T) {
	r := &CommandRunner{}
	task := &graph.Task{
		ID:    "T1",
		Files: graph.FileSpec{Read: []string{"not-there.txt"}},
		Run:   []string{"true"},
	}
	require.NoError(t, r.Execute(context.Background(), task, t.TempDir()))
}
