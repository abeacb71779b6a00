package skills

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/agentrt/core/pkg/models"
)

// ToolAvailability lets gating verify a skill's declared AllowedTools
// against the agent's actual tool registry and access kind, instead of
// trusting the skill package's own claims. A nil ToolAvailability on a
// GatingContext skips the AllowedTools check entirely (discovery
// without an agent, e.g. in tests, still works).
type ToolAvailability interface {
	// Has reports whether name is registered and enabled for the agent.
	Has(name string) bool
	// Access reports the tool's access kind, for gating execute-capable
	// tools behind Trusted.
	Access(name string) models.AccessKind
}

// GatingContext provides context for skill eligibility checks.
type GatingContext struct {
	// OS is the current operating system (darwin, linux, windows).
	OS string

	// PathBins maps binary names to whether they exist on PATH.
	PathBins map[string]bool

	// EnvVars maps environment variable names to whether they are set.
	EnvVars map[string]bool

	// ConfigValues maps config paths to their values for truthiness checks.
	ConfigValues map[string]any

	// Overrides provides per-skill configuration.
	Overrides map[string]*SkillConfig

	// Tools resolves a skill's AllowedTools against the agent's actual
	// registry. May be nil.
	Tools ToolAvailability
}

// NewGatingContext creates a GatingContext with the current environment.
// tools may be nil if no agent-specific tool registry is available yet
// (e.g. a standalone discovery pass).
func NewGatingContext(overrides map[string]*SkillConfig, configValues map[string]any, tools ToolAvailability) *GatingContext {
	return &GatingContext{
		OS:           runtime.GOOS,
		PathBins:     make(map[string]bool),
		EnvVars:      make(map[string]bool),
		ConfigValues: configValues,
		Overrides:    overrides,
		Tools:        tools,
	}
}

// CheckBinary checks if a binary exists on PATH and caches the result.
func (c *GatingContext) CheckBinary(name string) bool {
	if result, ok := c.PathBins[name]; ok {
		return result
	}

	_, err := exec.LookPath(name)
	result := err == nil
	c.PathBins[name] = result
	return result
}

// CheckEnv checks if an environment variable is set.
func (c *GatingContext) CheckEnv(name string) bool {
	if result, ok := c.EnvVars[name]; ok {
		return result
	}

	_, exists := os.LookupEnv(name)
	c.EnvVars[name] = exists
	return exists
}

// CheckEnvOrConfig checks if an env var is set or available in skill config.
func (c *GatingContext) CheckEnvOrConfig(skillKey, envVar string) bool {
	if c.CheckEnv(envVar) {
		return true
	}

	if cfg, ok := c.Overrides[skillKey]; ok {
		if cfg.APIKey != "" {
			return true
		}
		if _, ok := cfg.Env[envVar]; ok {
			return true
		}
	}

	return false
}

// CheckConfig checks if a config path is truthy.
func (c *GatingContext) CheckConfig(path string) bool {
	if c.ConfigValues == nil {
		return false
	}

	parts := strings.Split(path, ".")
	var current any = c.ConfigValues

	for _, part := range parts {
		if m, ok := current.(map[string]any); ok {
			current = m[part]
		} else {
			return false
		}
	}

	return isTruthy(current)
}

func isTruthy(v any) bool {
	if v == nil {
		return false
	}

	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int, int8, int16, int32, int64:
		return val != 0
	case uint, uint8, uint16, uint32, uint64:
		return val != 0
	case float32, float64:
		return val != 0
	default:
		return true
	}
}

// EligibilityResult contains the result of an eligibility check.
type EligibilityResult struct {
	Eligible bool
	Reason   string
}

// CheckEligibility checks if a skill is eligible to be activated. The
// AllowedTools/Trusted check runs regardless of Metadata, since those
// fields live on SkillEntry itself; everything else is metadata-driven
// and short-circuits on Always.
func (s *SkillEntry) CheckEligibility(ctx *GatingContext) EligibilityResult {
	if !s.IsEnabled(ctx.Overrides) {
		return EligibilityResult{false, "disabled in config"}
	}

	if reason, ok := s.checkAllowedTools(ctx); !ok {
		return EligibilityResult{false, reason}
	}

	meta := s.Metadata
	if meta == nil {
		return EligibilityResult{true, ""}
	}

	if meta.Always {
		return EligibilityResult{true, "always enabled"}
	}

	if len(meta.OS) > 0 {
		found := false
		for _, os := range meta.OS {
			if os == ctx.OS {
				found = true
				break
			}
		}
		if !found {
			return EligibilityResult{
				false,
				fmt.Sprintf("requires OS %v, have %s", meta.OS, ctx.OS),
			}
		}
	}

	if meta.Requires != nil {
		for _, bin := range meta.Requires.Bins {
			if !ctx.CheckBinary(bin) {
				return EligibilityResult{
					false,
					fmt.Sprintf("missing required binary: %s", bin),
				}
			}
		}

		if len(meta.Requires.AnyBins) > 0 {
			found := false
			for _, bin := range meta.Requires.AnyBins {
				if ctx.CheckBinary(bin) {
					found = true
					break
				}
			}
			if !found {
				return EligibilityResult{
					false,
					fmt.Sprintf("requires one of: %v", meta.Requires.AnyBins),
				}
			}
		}

		for _, env := range meta.Requires.Env {
			if !ctx.CheckEnvOrConfig(s.ConfigKey(), env) {
				return EligibilityResult{
					false,
					fmt.Sprintf("missing environment variable: %s", env),
				}
			}
		}

		for _, path := range meta.Requires.Config {
			if !ctx.CheckConfig(path) {
				return EligibilityResult{
					false,
					fmt.Sprintf("config not truthy: %s", path),
				}
			}
		}
	}

	return EligibilityResult{true, ""}
}

// checkAllowedTools verifies every tool the skill's instructions may
// reference is actually registered and enabled, and that any
// execute-access tool is only referenced by a Trusted skill package.
func (s *SkillEntry) checkAllowedTools(ctx *GatingContext) (string, bool) {
	if len(s.AllowedTools) == 0 || ctx.Tools == nil {
		return "", true
	}
	for _, name := range s.AllowedTools {
		if !ctx.Tools.Has(name) {
			return fmt.Sprintf("allowed tool %q is not registered or enabled", name), false
		}
		if ctx.Tools.Access(name) == models.AccessExecute && !s.Trusted {
			return fmt.Sprintf("tool %q requires execute access but skill is not trusted", name), false
		}
	}
	return "", true
}

// FilterEligible filters skills to only those that are eligible.
func FilterEligible(skills []*SkillEntry, ctx *GatingContext) []*SkillEntry {
	var eligible []*SkillEntry
	for _, skill := range skills {
		result := skill.CheckEligibility(ctx)
		if result.Eligible {
			eligible = append(eligible, skill)
		}
	}
	return eligible
}

// GetIneligibleReasons returns reasons for all ineligible skills.
func GetIneligibleReasons(skills []*SkillEntry, ctx *GatingContext) map[string]string {
	reasons := make(map[string]string)
	for _, skill := range skills {
		result := skill.CheckEligibility(ctx)
		if !result.Eligible {
			reasons[skill.Name] = result.Reason
		}
	}
	return reasons
}
