// Package launch abstracts how a worker process comes to life: as a local
// subprocess or inside a container. Backends self-register through a
// factory map; "auto" probes for a container runtime and falls back to
// subprocess, while an explicitly requested backend fails closed rather
// than silently degrading.
package launch

import (
	"context"
	"fmt"
	"sync"
	"time"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

// Spec describes a worker to launch.
type Spec struct {
	WorkerID string
	WorkDir  string
	Command  []string
	Env      map[string]string
	Image    string // container backend only
	Port     int
}

// Handle is an opaque reference to a launched worker.
type Handle struct {
	WorkerID string
	Backend  string
	PID      int    // subprocess backend
	ContainerID string // container backend
}

// Launcher is the capability set every backend implements.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (*Handle, error)
	WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error
	Stop(ctx context.Context, h *Handle) error
	IsAlive(h *Handle) bool
	Cleanup(h *Handle) error
}

// ExitCoder is implemented by backends that can report a terminated handle's
// process exit code. The worker's exit code (0/1/2/3) is how the
// orchestrator decides whether to respawn, retry, or halt a level.
type ExitCoder interface {
	ExitCode(h *Handle) (code int, exited bool)
}

// Factory constructs a Launcher from its string configuration source (e.g. a
// containerd socket path).
type Factory func(config string) (Launcher, error)

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

// Register adds a backend factory under name. Called from each backend's
// init().
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New resolves backend ("auto", "subprocess", "container") to a concrete
// Launcher. "auto" probes container first and falls back to subprocess;
// any explicit backend name fails closed with ErrLauncherUnavailable rather
// than silently falling back.
func New(backend, config string) (Launcher, error) {
	mu.Lock()
	defer mu.Unlock()

	if backend == "" || backend == "auto" {
		if f, ok := factories["container"]; ok {
			if l, err := f(config); err == nil {
				return l, nil
			}
		}
		f, ok := factories["subprocess"]
		if !ok {
			return nil, fmt.Errorf("launch: no subprocess backend registered")
		}
		return f(config)
	}

	f, ok := factories[backend]
	if !ok {
		return nil, echerrors.ErrLauncherUnavailable(backend)
	}
	l, err := f(config)
	if err != nil {
		return nil, echerrors.ErrLauncherUnavailable(backend)
	}
	return l, nil
}
