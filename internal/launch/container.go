package launch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

const containerNamespace = "echelon"

func init() {
	Register("container", func(socket string) (Launcher, error) {
		if socket == "" {
			socket = "/run/containerd/containerd.sock"
		}
		if _, err := os.Stat(socket); os.IsNotExist(err) {
			return nil, echerrors.ErrLauncherUnavailable("container")
		}
		client, err := containerd.New(socket)
		if err != nil {
			return nil, echerrors.ErrLauncherUnavailable("container")
		}
		return NewContainerLauncher(client), nil
	})
}

// containerTask bundles the live containerd objects a Handle refers to.
type containerTask struct {
	container containerd.Container
	task      containerd.Task
}

// ContainerLauncher spawns workers as containerd containers: connect, pull,
// create-with-snapshot, create-task, start, status, kill.
type ContainerLauncher struct {
	client *containerd.Client

	mu    sync.Mutex
	tasks map[string]*containerTask
}

// NewContainerLauncher wraps an already-connected containerd client.
func NewContainerLauncher(client *containerd.Client) *ContainerLauncher {
	return &ContainerLauncher{client: client, tasks: make(map[string]*containerTask)}
}

func (c *ContainerLauncher) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), containerNamespace)
}

func (c *ContainerLauncher) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Image == "" {
		return nil, echerrors.ErrLauncherSpawnFailed("container", spec.WorkerID, fmt.Errorf("spec.Image required"))
	}
	nsCtx := namespaces.WithNamespace(ctx, containerNamespace)

	image, err := c.client.Pull(nsCtx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return nil, echerrors.ErrLauncherSpawnFailed("container", spec.WorkerID, fmt.Errorf("pull %s: %w", spec.Image, err))
	}

	id := "echelon-" + spec.WorkerID
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	container, err := c.client.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithEnv(env)),
	)
	if err != nil {
		return nil, echerrors.ErrLauncherSpawnFailed("container", spec.WorkerID, fmt.Errorf("new container: %w", err))
	}

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, echerrors.ErrLauncherSpawnFailed("container", spec.WorkerID, fmt.Errorf("new task: %w", err))
	}
	if err := task.Start(nsCtx); err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, echerrors.ErrLauncherSpawnFailed("container", spec.WorkerID, fmt.Errorf("start task: %w", err))
	}

	c.mu.Lock()
	c.tasks[spec.WorkerID] = &containerTask{container: container, task: task}
	c.mu.Unlock()

	return &Handle{WorkerID: spec.WorkerID, Backend: "container", ContainerID: id, PID: int(task.Pid())}, nil
}

func (c *ContainerLauncher) WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsAlive(h) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return echerrors.ErrLauncherNotReady(h.WorkerID)
}

func (c *ContainerLauncher) Stop(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	t, ok := c.tasks[h.WorkerID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	nsCtx := namespaces.WithNamespace(ctx, containerNamespace)
	exitCh, err := t.task.Wait(nsCtx)
	if err != nil {
		return fmt.Errorf("wait task: %w", err)
	}
	if err := t.task.Kill(nsCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task: %w", err)
	}
	select {
	case <-exitCh:
	case <-time.After(10 * time.Second):
	}
	return nil
}

func (c *ContainerLauncher) IsAlive(h *Handle) bool {
	c.mu.Lock()
	t, ok := c.tasks[h.WorkerID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	status, err := t.task.Status(c.ctx())
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// ExitCode reports a finished task's exit status. containerd's own
// "unknown until we ask" Status call doubles as our termination check, so
// exited is simply whether the task has left the Running state.
func (c *ContainerLauncher) ExitCode(h *Handle) (int, bool) {
	c.mu.Lock()
	t, ok := c.tasks[h.WorkerID]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	status, err := t.task.Status(c.ctx())
	if err != nil || status.Status == containerd.Running || status.Status == containerd.Created {
		return 0, false
	}
	return int(status.ExitStatus), true
}

func (c *ContainerLauncher) Cleanup(h *Handle) error {
	c.mu.Lock()
	t, ok := c.tasks[h.WorkerID]
	delete(c.tasks, h.WorkerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	nsCtx := namespaces.WithNamespace(context.Background(), containerNamespace)
	_, _ = t.task.Delete(nsCtx)
	return t.container.Delete(nsCtx, containerd.WithSnapshotCleanup)
}
