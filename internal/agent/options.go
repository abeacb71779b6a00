package agent

import (
	"log/slog"
	"time"
)

// PermissionMode selects the permission manager's gating policy.
type PermissionMode string

const (
	ModeAuto     PermissionMode = "auto"
	ModeApproval PermissionMode = "approval"
	ModeReadonly PermissionMode = "readonly"
	ModeCustom   PermissionMode = "custom"
)

// PermissionPolicy configures the permission manager. Loadable from
// YAML.
type PermissionPolicy struct {
	Mode                 PermissionMode `yaml:"mode"`
	AllowTools           []string       `yaml:"allowTools,omitempty"`
	DenyTools            []string       `yaml:"denyTools,omitempty"`
	RequireApprovalTools []string       `yaml:"requireApprovalTools,omitempty"`
}

// DefaultPermissionPolicy returns the conservative default: auto mode,
// nothing denied or required, every registered tool allowed.
func DefaultPermissionPolicy() PermissionPolicy {
	return PermissionPolicy{Mode: ModeAuto}
}

func normalizePermissionPolicy(p PermissionPolicy) PermissionPolicy {
	if p.Mode == "" {
		p.Mode = ModeAuto
	}
	return p
}

// ToolConfig is a per-tool override for timeout, retries, and priority.
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Priority     int
}

// ExecutorConfig configures the Tool Runner.
type ExecutorConfig struct {
	MaxToolConcurrency int
	ToolTimeout        time.Duration
	MaxRetryBackoff    time.Duration
	ToolConfigs        map[string]ToolConfig
}

// DefaultExecutorConfig returns the stock limits: concurrency 3,
// per-call timeout 60s.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxToolConcurrency: 3,
		ToolTimeout:        60 * time.Second,
		MaxRetryBackoff:    30 * time.Second,
		ToolConfigs:        map[string]ToolConfig{},
	}
}

func sanitizeExecutorConfig(c ExecutorConfig) ExecutorConfig {
	if c.MaxToolConcurrency <= 0 {
		c.MaxToolConcurrency = 1
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 30 * time.Second
	}
	if c.ToolConfigs == nil {
		c.ToolConfigs = map[string]ToolConfig{}
	}
	return c
}

// LoopConfig configures the processing loop and step algorithm.
type LoopConfig struct {
	// MaxIterations caps stepOnce calls per run; there is no "unlimited"
	// sentinel. A value of 0 caps the run before its first model call:
	// RunAsync emits a single done{reason:"completed"} and stops with
	// StopReason=MaxIterations.
	MaxIterations     int
	ProcessingTimeout time.Duration
	ExposeThinking    bool
}

// DefaultLoopConfig returns the stock limits: 50 iterations, 5 minute
// stale-heartbeat timeout.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:     50,
		ProcessingTimeout: 5 * time.Minute,
	}
}

func sanitizeLoopConfig(c LoopConfig) LoopConfig {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	if c.MaxIterations < 0 {
		c.MaxIterations = 0
	}
	return c
}

// SubagentConfig controls sub-agent delegation inheritance and recursion
// depth.
type SubagentConfig struct {
	Depth             int
	OverridePermission *PermissionPolicy
	StreamEvents      bool
}

// Config is an agent's effective configuration: everything persisted
// into AgentInfo.Metadata so an agent is resumable from meta alone.
type Config struct {
	Model      string
	Tools      []string // "*" means every registry tool
	Permission PermissionPolicy
	Loop       LoopConfig
	Executor   ExecutorConfig
	Subagents  SubagentConfig
	SkillPaths []string
	AutoActivateSkills []string
	RecommendSkills    []string
}

// DefaultConfig fills in every Default*Config sub-structure.
func DefaultConfig() Config {
	return Config{
		Permission: DefaultPermissionPolicy(),
		Loop:       DefaultLoopConfig(),
		Executor:   DefaultExecutorConfig(),
		Subagents:  SubagentConfig{Depth: 3, StreamEvents: true},
	}
}

func sanitizeConfig(c Config) Config {
	c.Permission = normalizePermissionPolicy(c.Permission)
	c.Loop = sanitizeLoopConfig(c.Loop)
	c.Executor = sanitizeExecutorConfig(c.Executor)
	if c.Subagents.Depth <= 0 {
		c.Subagents.Depth = 3
	}
	return c
}

// Dependencies bundles the external collaborators an agent needs. Every
// field is a narrow interface; concrete implementations live outside
// this module.
type Dependencies struct {
	Provider ModelProvider
	Store    Store
	Registry ToolRegistry
	Sandbox  Sandbox
	Hooks    Hooks
	Logger   *slog.Logger
}

func (d Dependencies) sanitize() Dependencies {
	if d.Hooks == nil {
		d.Hooks = NoopHooks{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}
