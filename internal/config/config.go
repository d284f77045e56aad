// Package config loads and validates echelon's run configuration: a
// yaml-tagged struct tree bound through viper so every field is also settable
// via ECHELON_* environment variables or CLI flags, with precedence
// flag > env > file > default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	echerrors "github.com/echelon-run/echelon/internal/errors"
)

// LauncherBackend selects how workers are spawned.
type LauncherBackend string

const (
	LauncherAuto       LauncherBackend = "auto"
	LauncherSubprocess LauncherBackend = "subprocess"
	LauncherContainer  LauncherBackend = "container"
)

// Config is the root configuration for a rush run.
type Config struct {
	// WorkDir is the repository root the graph's tasks operate against.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
	// StateDir holds the registry, event log, and worktrees (default .echelon).
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`

	Ports     PortConfig     `yaml:"ports" mapstructure:"ports"`
	Launcher  LauncherConfig `yaml:"launcher" mapstructure:"launcher"`
	Retry     RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Verify    VerifyConfig   `yaml:"verify" mapstructure:"verify"`
	Gates     []GateConfig   `yaml:"gates" mapstructure:"gates"`
	Merge     MergeConfig    `yaml:"merge" mapstructure:"merge"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
}

// PortConfig bounds the ephemeral range the port allocator probes.
type PortConfig struct {
	RangeStart int `yaml:"range_start" mapstructure:"range_start"`
	RangeEnd   int `yaml:"range_end" mapstructure:"range_end"`
}

// LauncherConfig selects and configures the worker launcher backend.
type LauncherConfig struct {
	Backend        LauncherBackend `yaml:"backend" mapstructure:"backend"`
	ContainerImage string          `yaml:"container_image" mapstructure:"container_image"`
	ContainerSocket string         `yaml:"container_socket" mapstructure:"container_socket"`
	ReadyTimeout   time.Duration   `yaml:"ready_timeout" mapstructure:"ready_timeout"`
	Command        []string        `yaml:"command" mapstructure:"command"`
}

// RetryConfig controls worker retry behavior for a failed task.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// VerifyConfig bounds the verification runner.
type VerifyConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
}

// GateStage selects whether a gate runs before or after the merge coordinator
// promotes a level's staging branch to baseline.
type GateStage string

const (
	GateStagePre  GateStage = "pre"
	GateStagePost GateStage = "post"
)

// GateConfig describes one named gate in the merge pipeline. A gate is
// required unless Optional is set, so an omitted field means required.
// Stage defaults to pre-merge when empty.
type GateConfig struct {
	Name     string        `yaml:"name" mapstructure:"name"`
	Stage    GateStage     `yaml:"stage" mapstructure:"stage"`
	Command  []string      `yaml:"command" mapstructure:"command"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Skip     bool          `yaml:"skip" mapstructure:"skip"`
	Optional bool          `yaml:"optional" mapstructure:"optional"`
}

// PreGates returns the gates that run before promotion, in declared order.
func (c *Config) PreGates() []GateConfig {
	var out []GateConfig
	for _, g := range c.Gates {
		if g.Stage != GateStagePost {
			out = append(out, g)
		}
	}
	return out
}

// PostGates returns the gates that run after promotion, in declared order.
func (c *Config) PostGates() []GateConfig {
	var out []GateConfig
	for _, g := range c.Gates {
		if g.Stage == GateStagePost {
			out = append(out, g)
		}
	}
	return out
}

// MergeConfig controls the merge coordinator.
type MergeConfig struct {
	StagingBranchPrefix string `yaml:"staging_branch_prefix" mapstructure:"staging_branch_prefix"`
	KeepWorkerBranches   bool   `yaml:"keep_worker_branches" mapstructure:"keep_worker_branches"`
}

// CheckpointConfig controls worker context-pressure checkpointing.
type CheckpointConfig struct {
	ExitCode int `yaml:"exit_code" mapstructure:"exit_code"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		StateDir: ".echelon",
		Ports:    PortConfig{RangeStart: 20000, RangeEnd: 20999},
		Launcher: LauncherConfig{
			Backend:         LauncherAuto,
			ContainerSocket: "/run/containerd/containerd.sock",
			ReadyTimeout:    30 * time.Second,
		},
		Retry:  RetryConfig{MaxAttempts: 3, Backoff: 5 * time.Second},
		Verify: VerifyConfig{DefaultTimeout: 10 * time.Minute},
		Merge: MergeConfig{
			StagingBranchPrefix: "echelon/staging",
		},
		Checkpoint: CheckpointConfig{ExitCode: 2},
	}
}

// Load reads configuration from path (if it exists), environment variables
// prefixed ECHELON_, and the given viper instance's already-bound flags, in
// that ascending precedence order, layered over Default().
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v != nil {
		v.SetEnvPrefix("ECHELON")
		v.AutomaticEnv()
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("bind flags/env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field invariants, returning a CONFIG_INVALID
// *errors.Error (internal/errors) on the first violation found.
func (c *Config) Validate() error {
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd <= c.Ports.RangeStart {
		return echerrors.ErrConfigInvalid("ports", fmt.Sprintf("range_start/range_end must describe a non-empty range, got %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	switch c.Launcher.Backend {
	case LauncherAuto, LauncherSubprocess, LauncherContainer:
	default:
		return echerrors.ErrConfigInvalid("launcher.backend", fmt.Sprintf("unknown backend %q", c.Launcher.Backend))
	}
	if c.Retry.MaxAttempts < 0 {
		return echerrors.ErrConfigInvalid("retry.max_attempts", "must be >= 0")
	}
	for _, g := range c.Gates {
		if g.Name == "" {
			return echerrors.ErrConfigInvalid("gates", "every gate must have a name")
		}
		if !g.Skip && len(g.Command) == 0 {
			return echerrors.ErrConfigInvalid("gates["+g.Name+"]", "command is required unless skip is set")
		}
		switch g.Stage {
		case "", GateStagePre, GateStagePost:
		default:
			return echerrors.ErrConfigInvalid("gates["+g.Name+"]", fmt.Sprintf("unknown stage %q", g.Stage))
		}
	}
	return nil
}

// RegistryPath returns the path to the primary registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.WorkDir, c.StateDir, "registry.json")
}

// EventLogPath returns the path to the append-only event log, matching the
// registry's own "<registry path>.events.jsonl" naming (registry.Open keeps
// the event log beside the registry file rather than under a separate name).
func (c *Config) EventLogPath() string {
	return c.RegistryPath() + ".events.jsonl"
}

// WorktreesDir returns the base directory worker worktrees are created under.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.WorkDir, c.StateDir, "worktrees")
}
