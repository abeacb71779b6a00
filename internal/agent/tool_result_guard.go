package agent

import (
	"regexp"

	"github.com/agentrt/core/pkg/models"
)

// RedactionRule replaces any match of Pattern in a tool's output with
// Replacement before the result is recorded and before it is returned
// to the model as the ToolResult.
type RedactionRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// ToolResultGuard redacts tool output before it reaches the store. Tool
// output can echo back credentials the tool itself was handed; those
// must never land in durable storage.
type ToolResultGuard struct {
	rules []RedactionRule
}

// NewToolResultGuard builds a guard from explicit rules, defaulting to a
// small built-in set that redacts common secret shapes (API keys,
// bearer tokens) so they never land in durable storage.
func NewToolResultGuard(rules []RedactionRule) *ToolResultGuard {
	if rules == nil {
		rules = defaultRedactionRules()
	}
	return &ToolResultGuard{rules: rules}
}

func defaultRedactionRules() []RedactionRule {
	return []RedactionRule{
		{Pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), Replacement: "sk-[REDACTED]"},
		{Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`), Replacement: "Bearer [REDACTED]"},
	}
}

// Redact applies every rule to an outcome's Value/Error strings,
// returning a copy. Tool name is accepted for future per-tool rule
// scoping; the default rule set applies uniformly.
func (g *ToolResultGuard) Redact(toolName string, outcome models.ToolResultOutcome) models.ToolResultOutcome {
	if g == nil {
		return outcome
	}
	outcome.Value = g.apply(outcome.Value)
	outcome.Error = g.apply(outcome.Error)
	return outcome
}

func (g *ToolResultGuard) apply(s string) string {
	for _, r := range g.rules {
		s = r.Pattern.ReplaceAllString(s, r.Replacement)
	}
	return s
}
