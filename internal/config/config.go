// Package config loads the daemon's YAML configuration file, mirroring the
// integration test framework's os.ReadFile + yaml.Unmarshal load pattern
// (goadesign-goa-ai's integration_tests/framework/runner.go LoadScenarios).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vuhlp/engine/internal/provider"
)

// Defaults from spec.md §6's "Configuration options recognized" list.
const (
	DefaultPort              = 4317
	DefaultDataDir           = "./.vuhlp"
	DefaultMaxConcurrency    = 3
	DefaultMaxIterations     = 3
	DefaultWorkspaceMode     = WorkspaceShared
	DefaultApprovalTimeoutMS = int64(0)
)

// WorkspaceMode is the workspace.mode option's value: shared, worktree, or
// copy. It is recorded in the config only; nothing in this module changes
// behaviour based on it.
type WorkspaceMode string

const (
	WorkspaceShared   WorkspaceMode = "shared"
	WorkspaceWorktree WorkspaceMode = "worktree"
	WorkspaceCopy     WorkspaceMode = "copy"
)

// ServerConfig is the server.* block.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"dataDir"`
}

// SchedulerConfig is the scheduler.* block.
type SchedulerConfig struct {
	MaxConcurrency int `yaml:"maxConcurrency"`
}

// OrchestrationConfig is the orchestration.* block.
type OrchestrationConfig struct {
	MaxIterations     int   `yaml:"maxIterations"`
	ApprovalTimeoutMS int64 `yaml:"approvalTimeoutMs"`
}

// WorkspaceConfig is the workspace.* block.
type WorkspaceConfig struct {
	Mode WorkspaceMode `yaml:"mode"`
}

// VerificationConfig is the verification.* block.
type VerificationConfig struct {
	Commands []string `yaml:"commands"`
}

// ProviderEntry is one entry of the providers map: a named, reusable
// provider.Config template that a role binds to.
type ProviderEntry struct {
	Kind    string            `yaml:"kind"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Options map[string]any    `yaml:"options"`
}

func (p ProviderEntry) toProviderConfig() provider.Config {
	return provider.Config{
		Kind:    p.Kind,
		Command: p.Command,
		Args:    append([]string(nil), p.Args...),
		Env:     p.Env,
		Options: p.Options,
	}
}

// Config is the daemon's full recognized configuration.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Scheduler     SchedulerConfig        `yaml:"scheduler"`
	Orchestration OrchestrationConfig    `yaml:"orchestration"`
	Workspace     WorkspaceConfig        `yaml:"workspace"`
	Verification  VerificationConfig     `yaml:"verification"`
	Providers     map[string]ProviderEntry `yaml:"providers"`
	Roles         map[string]string      `yaml:"roles"` // role id -> provider name
}

// Default returns a Config with every recognized option at its spec.md §6
// default.
func Default() Config {
	return Config{
		Server:        ServerConfig{Port: DefaultPort, DataDir: DefaultDataDir},
		Scheduler:     SchedulerConfig{MaxConcurrency: DefaultMaxConcurrency},
		Orchestration: OrchestrationConfig{MaxIterations: DefaultMaxIterations, ApprovalTimeoutMS: DefaultApprovalTimeoutMS},
		Workspace:     WorkspaceConfig{Mode: DefaultWorkspaceMode},
		Providers:     map[string]ProviderEntry{},
		Roles:         map[string]string{},
	}
}

// Load reads and parses a YAML config file at path, applying spec.md §6's
// defaults for any option the file omits.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in zero-valued fields the file left unset. Unmarshal
// overwrites the whole Config value for any top-level key present in the
// file, including its nested zero sub-fields, so defaults must be
// reapplied after parsing rather than relied on solely from Default().
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = DefaultDataDir
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Orchestration.MaxIterations == 0 {
		c.Orchestration.MaxIterations = DefaultMaxIterations
	}
	if c.Workspace.Mode == "" {
		c.Workspace.Mode = DefaultWorkspaceMode
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderEntry{}
	}
	if c.Roles == nil {
		c.Roles = map[string]string{}
	}
}

// ProviderConfigForRole resolves a role id to the provider.Config its
// nodes should open sessions with, via the roles map and then the
// providers map it names.
func (c Config) ProviderConfigForRole(role string) (provider.Config, error) {
	name, ok := c.Roles[role]
	if !ok {
		return provider.Config{}, fmt.Errorf("no provider bound to role %q", role)
	}
	entry, ok := c.Providers[name]
	if !ok {
		return provider.Config{}, fmt.Errorf("role %q names undefined provider %q", role, name)
	}
	return entry.toProviderConfig(), nil
}

// ApprovalTimeout returns the configured approval timeout as a
// time.Duration, for callers that want it in that form.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Orchestration.ApprovalTimeoutMS) * time.Millisecond
}
