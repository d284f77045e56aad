package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

func init() {
	Register("subprocess", func(string) (Launcher, error) {
		return NewSubprocessLauncher(), nil
	})
}

// SubprocessLauncher spawns workers as local child processes, each in its
// own process group so Stop can kill the whole tree.
type SubprocessLauncher struct {
	mu        sync.Mutex
	procs     map[string]*exec.Cmd
	exitCodes map[string]int
}

// NewSubprocessLauncher constructs an empty SubprocessLauncher.
func NewSubprocessLauncher() *SubprocessLauncher {
	return &SubprocessLauncher{procs: make(map[string]*exec.Cmd), exitCodes: make(map[string]int)}
}

func (s *SubprocessLauncher) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, echerrors.ErrLauncherSpawnFailed("subprocess", spec.WorkerID, fmt.Errorf("empty command"))
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, echerrors.ErrLauncherSpawnFailed("subprocess", spec.WorkerID, err)
	}

	s.mu.Lock()
	s.procs[spec.WorkerID] = cmd
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		s.exitCodes[spec.WorkerID] = cmd.ProcessState.ExitCode()
		s.mu.Unlock()
	}()

	return &Handle{WorkerID: spec.WorkerID, Backend: "subprocess", PID: cmd.Process.Pid}, nil
}

// ExitCode returns the subprocess's exit code once it has terminated. The
// second return value is false while the process is still running or its
// handle is unknown.
func (s *SubprocessLauncher) ExitCode(h *Handle) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.exitCodes[h.WorkerID]
	return code, ok
}

// WaitReady polls IsAlive until the process has started or timeout elapses.
// A subprocess worker signals true readiness itself via the worker protocol
// (see internal/worker); this just confirms the process didn't die instantly.
func (s *SubprocessLauncher) WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.IsAlive(h) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return echerrors.ErrLauncherNotReady(h.WorkerID)
}

func (s *SubprocessLauncher) Stop(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	cmd, ok := s.procs[h.WorkerID]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	killProcessGroup(cmd)
	return nil
}

func (s *SubprocessLauncher) IsAlive(h *Handle) bool {
	s.mu.Lock()
	cmd, ok := s.procs[h.WorkerID]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	return cmd.ProcessState == nil
}

func (s *SubprocessLauncher) Cleanup(h *Handle) error {
	s.mu.Lock()
	delete(s.procs, h.WorkerID)
	s.mu.Unlock()
	return nil
}
