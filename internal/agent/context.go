package agent

import (
	"context"
	"fmt"

	"github.com/agentrt/core/pkg/models"
)

// ContextConfig controls the token-pressure heuristic and summarizer
// used by the Context Manager.
type ContextConfig struct {
	// ThresholdPercent is the estimated-token-usage percentage (0-100)
	// at or above which Analyze reports shouldCompress. Default: 80.
	ThresholdPercent int

	// MaxContextTokens is the model's context window, used with a rough
	// chars-per-token estimate to approximate usage without depending on
	// a provider-specific tokenizer.
	MaxContextTokens int
}

// DefaultContextConfig returns the stock pressure threshold and context
// window size.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{ThresholdPercent: 80, MaxContextTokens: 150_000}
}

func sanitizeContextConfig(c ContextConfig) ContextConfig {
	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 80
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 150_000
	}
	return c
}

// Summarizer produces the synthesized summary message for a compression
// pass. In production this is an auxiliary model call; it is injected so
// the Context Manager has no direct provider dependency.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// ContextAnalysis is Analyze's verdict.
type ContextAnalysis struct {
	ShouldCompress bool
	UsagePercent   int
	EstimatedTokens int
}

// CompressionResult is what Compress produces.
type CompressionResult struct {
	Summary          models.Message
	RetainedMessages []models.Message
	Ratio            float64
}

// ContextManager detects token pressure and compresses message history,
// always preserving the tail starting at the last safe-fork-point.
type ContextManager struct {
	config     ContextConfig
	summarizer Summarizer
	bus        *EventBus
}

// NewContextManager constructs a manager. summarizer may be nil, in
// which case Compress falls back to a plain concatenation summary
// rather than failing the step.
func NewContextManager(cfg ContextConfig, summarizer Summarizer, bus *EventBus) *ContextManager {
	return &ContextManager{config: sanitizeContextConfig(cfg), summarizer: summarizer, bus: bus}
}

// estimateTokens approximates token count at ~4 chars/token. Good
// enough for pressure detection without a provider-specific tokenizer.
func estimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		for _, b := range m.Content {
			chars += len(b.Text) + len(b.ToolInput)
		}
	}
	return chars / 4
}

// Analyze reports whether messages exceed the configured token-pressure
// threshold.
func (c *ContextManager) Analyze(messages []models.Message) ContextAnalysis {
	tokens := estimateTokens(messages)
	percent := 0
	if c.config.MaxContextTokens > 0 {
		percent = tokens * 100 / c.config.MaxContextTokens
	}
	return ContextAnalysis{
		ShouldCompress:  percent >= c.config.ThresholdPercent,
		UsagePercent:    percent,
		EstimatedTokens: tokens,
	}
}

// Compress synthesizes a summary over the prefix of messages up to the
// last safe-fork-point and returns it alongside the retained tail. The
// summary is inserted at index 0 by the caller. No-ops (returns ok=false)
// if there's nothing retainable to compress.
func (c *ContextManager) Compress(ctx context.Context, messages []models.Message) (CompressionResult, bool, error) {
	sfp := models.SafeForkPoint(messages)
	if sfp <= 0 {
		return CompressionResult{}, false, nil
	}

	if c.bus != nil {
		c.bus.Publish(ctx, models.ChannelMonitor, models.EventContextCompression, map[string]any{"phase": "start"})
	}

	toSummarize := messages[:sfp]
	retained := append([]models.Message{}, messages[sfp:]...)

	var summaryText string
	var err error
	if c.summarizer != nil {
		summaryText, err = c.summarizer.Summarize(ctx, toSummarize)
	}
	if c.summarizer == nil || err != nil {
		summaryText = fallbackSummary(toSummarize)
	}

	summary := models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText(summaryText)}}
	ratio := 0.0
	if len(messages) > 0 {
		ratio = float64(len(retained)+1) / float64(len(messages))
	}

	if c.bus != nil {
		c.bus.Publish(ctx, models.ChannelMonitor, models.EventContextCompression, map[string]any{
			"phase": "end", "summary": summaryText, "ratio": ratio,
		})
	}

	return CompressionResult{Summary: summary, RetainedMessages: retained, Ratio: ratio}, true, nil
}

// fallbackSummary builds a terse summary with no auxiliary model call,
// used when no Summarizer is wired.
func fallbackSummary(messages []models.Message) string {
	userTurns, assistantTurns, toolCalls := 0, 0, 0
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			userTurns++
		case models.RoleAssistant:
			assistantTurns++
			toolCalls += len(m.ToolUses())
		}
	}
	return fmt.Sprintf(
		"Summary of %d earlier messages (user turns: %d, assistant turns: %d, tool calls: %d). Earlier detail has been compressed; ask the user to restate specifics if needed.",
		len(messages), userTurns, assistantTurns, toolCalls,
	)
}
