package agent

import (
	"context"
	"encoding/json"

	"github.com/agentrt/core/pkg/models"
)

// ModelProvider is the narrow boundary to a specific model's wire
// protocol. Concrete providers (OpenAI/Anthropic HTTP transports) live
// outside this package; this is the interface the core streams against.
type ModelProvider interface {
	Stream(ctx context.Context, req ModelRequest) (<-chan StreamChunk, error)
}

// ModelRequest is what the core sends to a provider on every model call.
type ModelRequest struct {
	Model           string
	Messages        []models.Message
	SystemPrompt    string
	Tools           []models.ToolDescriptor
	MaxTokens       int
	Temperature     float64
	EnableThinking  bool
	ThinkingBudget  int
}

// StreamChunkType discriminates StreamChunk.
type StreamChunkType string

const (
	ChunkTextDelta         StreamChunkType = "TextDelta"
	ChunkThinkingDelta     StreamChunkType = "ThinkingDelta"
	ChunkToolUseStart      StreamChunkType = "ToolUseStart"
	ChunkToolUseInputDelta StreamChunkType = "ToolUseInputDelta"
	ChunkToolUseComplete   StreamChunkType = "ToolUseComplete"
	ChunkMessageStop       StreamChunkType = "MessageStop"
)

// StopReason is why a model stream ended.
type StopReason string

const (
	StopEndTurn        StopReason = "EndTurn"
	StopToolUse        StopReason = "ToolUse"
	StopMaxIterations  StopReason = "MaxIterations"
	StopAwaiting       StopReason = "AwaitingApproval"
	StopCancelled      StopReason = "Cancelled"
	StopError          StopReason = "Error"
)

// TokenUsage tallies a model call's token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns InputTokens + OutputTokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// StreamChunk is one element of a provider's streaming response.
type StreamChunk struct {
	Type       StreamChunkType
	TextDelta  string
	ToolUseID  string
	ToolName   string
	InputDelta string
	StopReason StopReason
	Usage      TokenUsage
	Err        error
}

// Tool is a single invocable capability. A tool's descriptor.Access
// drives readonly-mode permission decisions.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Descriptor() models.ToolDescriptor
	Execute(ctx context.Context, input json.RawMessage) (models.ToolResultOutcome, error)
}

// ToolPrompter is an optional Tool extension: a tool implementing it
// contributes its own guidance block to the system prompt of every
// model call that exposes it.
type ToolPrompter interface {
	GetPrompt(ctx context.Context) (string, error)
}

// ToolRegistry resolves tool names/ids to Tool instances. "*" in an
// agent's enabled-tools set means every registry tool.
type ToolRegistry interface {
	Register(t Tool)
	Has(id string) bool
	Get(id string) (Tool, bool)
	Create(id string, config map[string]any) (Tool, error)
	List() []Tool
}

// Store is the persistence boundary. All methods take an agentId; reads
// return the zero value / empty slice if absent, never an error, unless
// the underlying medium itself failed.
type Store interface {
	SaveMessages(ctx context.Context, agentID string, messages []models.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]models.Message, error)

	SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)

	SaveTodos(ctx context.Context, agentID string, snap models.TodoSnapshot) error
	LoadTodos(ctx context.Context, agentID string) (models.TodoSnapshot, error)

	AppendEvent(ctx context.Context, agentID string, entry models.EventEnvelope) error
	ReadEvents(ctx context.Context, agentID string, channel models.Channel, since *models.Bookmark) ([]models.EventEnvelope, error)

	SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, bool, error)
	ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error)
	DeleteSnapshot(ctx context.Context, agentID, snapshotID string) error

	SaveInfo(ctx context.Context, agentID string, info models.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, bool, error)

	Exists(ctx context.Context, agentID string) (bool, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]string, error)
}

// Sandbox is the narrow boundary to a working directory and command
// execution environment. Owned exclusively by one agent, disposed with
// it.
type Sandbox interface {
	WorkingDirectory() string
	Close() error
}

// Decision is what a pre-tool-use hook returns.
type Decision string

const (
	DecisionContinue        Decision = "Continue"
	DecisionDenyHook         Decision = "Deny"
	DecisionSkip             Decision = "Skip"
	DecisionRequireApproval  Decision = "RequireApproval"
)

// HookDecision is the full result of a pre-tool-use hook call.
type HookDecision struct {
	Decision   Decision
	Reason     string
	MockResult string
}

// Hooks is the callback surface for pre/post model and pre/post tool
// lifecycle points, plus a messages-changed notification.
type Hooks interface {
	PreModel(ctx context.Context, req *ModelRequest) error
	PostModel(ctx context.Context, msg *models.Message) error
	PreToolUse(ctx context.Context, name string, input json.RawMessage) HookDecision
	PostToolUse(ctx context.Context, name string, outcome *models.ToolResultOutcome)
	MessagesChanged(ctx context.Context, messages []models.Message)
}

// NoopHooks implements Hooks with no-ops, the default when no hook set
// is configured.
type NoopHooks struct{}

func (NoopHooks) PreModel(context.Context, *ModelRequest) error { return nil }
func (NoopHooks) PostModel(context.Context, *models.Message) error { return nil }
func (NoopHooks) PreToolUse(context.Context, string, json.RawMessage) HookDecision {
	return HookDecision{Decision: DecisionContinue}
}
func (NoopHooks) PostToolUse(context.Context, string, *models.ToolResultOutcome) {}
func (NoopHooks) MessagesChanged(context.Context, []models.Message)             {}
