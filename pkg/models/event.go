package models

import "encoding/json"

// Channel is one of the event bus's three publish channels.
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelControl  Channel = "control"
	ChannelMonitor  Channel = "monitor"
)

// Bookmark is a durable cursor into the event timeline. It is
// monotonically non-decreasing across a bus's lifetime and is seeded
// from persisted meta on resume so it stays monotonic across restarts.
type Bookmark struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
}

// Before reports whether b precedes other.
func (b Bookmark) Before(other Bookmark) bool { return b.Seq < other.Seq }

// AgentEvent is a sum type over every event the runtime emits. Type
// selects which payload fields are meaningful; an unrecognized Type is
// flagged Unknown with the raw bytes preserved rather than dropped, so
// newer emitters stay readable by older consumers.
type AgentEvent struct {
	Channel  Channel        `json:"channel"`
	Type     string         `json:"type"`
	Bookmark Bookmark       `json:"bookmark"`
	Payload  map[string]any `json:"payload,omitempty"`
	Unknown  bool           `json:"-"`
	Raw      json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the event and flags unrecognized types as
// Unknown, keeping the raw bytes for consumers that know how to handle
// them.
func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	type plain AgentEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = AgentEvent(p)
	if !knownEventTypes[e.Type] {
		e.Unknown = true
		e.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// EventEnvelope is what actually gets persisted and delivered: the event
// plus the bus-assigned cursor and a redundant bookmark copy.
type EventEnvelope struct {
	Cursor   int64      `json:"cursor"`
	Bookmark Bookmark   `json:"bookmark"`
	Event    AgentEvent `json:"event"`
}

// Well-known event types the runtime emits.
const (
	EventStateChanged        = "state_changed"
	EventBreakpointChanged   = "breakpoint_changed"
	EventTextChunkStart      = "text_chunk_start"
	EventTextChunk           = "text_chunk"
	EventTextChunkEnd        = "text_chunk_end"
	EventThinkChunkStart     = "think_chunk_start"
	EventThinkChunk          = "think_chunk"
	EventThinkChunkEnd       = "think_chunk_end"
	EventToolStart           = "tool:start"
	EventToolEnd             = "tool:end"
	EventToolError           = "tool:error"
	EventToolExecuted        = "tool_executed"
	EventDone                = "done"
	EventTokenUsage          = "token_usage"
	EventStepComplete        = "step_complete"
	EventPermissionRequired  = "permission_required"
	EventPermissionDecided   = "permission_decided"
	EventContextCompression  = "context_compression"
	EventContextRepair       = "context_repair"
	EventSchedulerTriggered  = "scheduler_triggered"
	EventSkillActivated      = "skill_activated"
	EventAgentRecovered      = "agent_recovered"
	EventAgentResumed        = "agent_resumed"
	EventStorageFailure      = "storage_failure"
	EventError               = "error"
	EventSubagentDelta       = "subagent.delta"
	EventSubagentThinking    = "subagent.thinking"
	EventSubagentToolStart   = "subagent.tool_start"
	EventSubagentToolEnd     = "subagent.tool_end"
	EventSubagentPermission  = "subagent.permission_required"
)

var knownEventTypes = map[string]bool{
	EventStateChanged: true, EventBreakpointChanged: true,
	EventTextChunkStart: true, EventTextChunk: true, EventTextChunkEnd: true,
	EventThinkChunkStart: true, EventThinkChunk: true, EventThinkChunkEnd: true,
	EventToolStart: true, EventToolEnd: true, EventToolError: true, EventToolExecuted: true,
	EventDone: true, EventTokenUsage: true, EventStepComplete: true,
	EventPermissionRequired: true, EventPermissionDecided: true,
	EventContextCompression: true, EventContextRepair: true,
	EventSchedulerTriggered: true, EventSkillActivated: true,
	EventAgentRecovered: true, EventAgentResumed: true,
	EventStorageFailure: true, EventError: true,
	EventSubagentDelta: true, EventSubagentThinking: true,
	EventSubagentToolStart: true, EventSubagentToolEnd: true, EventSubagentPermission: true,
}
