package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/echelon-run/echelon/internal/graph"
)

// UsageTracker is the default Checkpointer: a byte-budget proxy for context
// saturation. Every runner reports the bytes of read context it loaded and of
// output it produced; once the consumed share of the budget reaches the
// worker's checkpoint threshold (Config.CheckpointPct) the worker checkpoints
// and exits for a fresh process to take over.
type UsageTracker struct {
	budget int64
	used   int64
}

// NewUsageTracker returns a tracker with the given byte budget. A budget of
// zero or less disables tracking (PercentUsed is always 0).
func NewUsageTracker(budget int64) *UsageTracker {
	return &UsageTracker{budget: budget}
}

// Add records n bytes of consumed output.
func (u *UsageTracker) Add(n int64) {
	atomic.AddInt64(&u.used, n)
}

// PercentUsed returns the consumed share of the budget, 0-100, capped.
func (u *UsageTracker) PercentUsed() int {
	if u == nil || u.budget <= 0 {
		return 0
	}
	pct := atomic.LoadInt64(&u.used) * 100 / u.budget
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// CommandRunner executes a task's declared run command in the workspace,
// the deployment where a task's domain work is an arbitrary shell step
// (test runners, code generators) rather than a wired-in model invocation.
type CommandRunner struct {
	// Tracker, when set, is fed the size of each command's combined output.
	Tracker *UsageTracker
	// Env entries appended to the inherited process environment.
	Env []string
}

// Execute reads the task's declared read set into context, then runs t.Run
// with the workspace as working directory. A task with no run command is a
// no-op (verification alone decides its fate).
func (r *CommandRunner) Execute(ctx context.Context, t *graph.Task, workspaceDir string) error {
	readPaths, err := r.readContext(t, workspaceDir)
	if err != nil {
		return err
	}
	if len(t.Run) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, t.Run[0], t.Run[1:]...)
	cmd.Dir = workspaceDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, "ECHELON_TASK_ID="+t.ID)
	if len(readPaths) > 0 {
		cmd.Env = append(cmd.Env, "ECHELON_READ_FILES="+strings.Join(readPaths, string(os.PathListSeparator)))
	}

	out, err := cmd.CombinedOutput()
	if r.Tracker != nil {
		r.Tracker.Add(int64(len(out)))
	}
	if err != nil {
		return fmt.Errorf("task %s run command: %w: %s", t.ID, err, tail(string(out), 2048))
	}
	return nil
}

// readContext loads every file in the task's read set (doublestar globs or
// literal paths, relative to the workspace), charging the bytes read against
// the tracker since read context consumes the same budget output does. A
// declared path that matches nothing is skipped: a same-level sibling may
// not have produced it yet when this attempt runs. Returns the matched
// paths, workspace-relative.
func (r *CommandRunner) readContext(t *graph.Task, workspaceDir string) ([]string, error) {
	var paths []string
	fsys := os.DirFS(workspaceDir)
	for _, pattern := range t.Files.Read {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("task %s read pattern %q: %w", t.ID, pattern, err)
		}
		for _, m := range matches {
			data, err := os.ReadFile(filepath.Join(workspaceDir, m))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("task %s read %s: %w", t.ID, m, err)
			}
			if r.Tracker != nil {
				r.Tracker.Add(int64(len(data)))
			}
			paths = append(paths, m)
		}
	}
	return paths, nil
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
