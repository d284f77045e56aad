package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	echconfig "github.com/echelon-run/echelon/internal/config"
	echerrors "github.com/echelon-run/echelon/internal/errors"
	"github.com/echelon-run/echelon/internal/progress"
	"github.com/echelon-run/echelon/internal/registry"
)

// loadConfig resolves the run configuration: defaults, then the config file
// (--config or .echelon/config.yaml under the work dir), then ECHELON_*
// environment variables and bound flags through viper.
func loadConfig() (*echconfig.Config, error) {
	wd := workDir
	if wd == "" {
		var err error
		wd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	path := cfgFile
	if path == "" {
		candidate := filepath.Join(wd, ".echelon", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := echconfig.Load(vpr, path)
	if err != nil {
		return nil, err
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = wd
	}
	return cfg, nil
}

// openRegistry opens an existing run's registry, refusing to create one as
// a side effect of a read-only command.
func openRegistry(cfg *echconfig.Config) (*registry.Registry, error) {
	path := cfg.RegistryPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no run found at %s (run 'echelon rush' first)", path)
	}
	return registry.Open(path, nil)
}

// stopFilePath is where the stop command and the orchestrator rendezvous.
func stopFilePath(cfg *echconfig.Config) string {
	return filepath.Join(cfg.WorkDir, cfg.StateDir, "stop")
}

// featureLockPath is the advisory lock excluding two concurrent rushes of
// the same tree.
func featureLockPath(cfg *echconfig.Config) string {
	return filepath.Join(cfg.WorkDir, cfg.StateDir, "run.lock")
}

// indexPath is the SQLite event index the logs command queries.
func indexPath(cfg *echconfig.Config) string {
	return filepath.Join(cfg.WorkDir, cfg.StateDir, "events.db")
}

// display builds the progress renderer, falling back to plain output when
// stdout is not a terminal.
func display() *progress.Display {
	p := plain
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		p = true
	}
	return progress.New(quiet, p)
}

// termWidth returns the terminal width for wrapped output, or a default.
func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// ExitCode maps a command error to the process exit code: 0 success, 1 run
// failure, 2 configuration/validation error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *echerrors.Error
	if echerrors.As(err, &e) {
		switch e.Category() {
		case echerrors.CategoryBadRequest, echerrors.CategoryNotFound:
			return 2
		}
	}
	return 1
}
