// Package models defines the wire-level data types shared by the agent
// runtime: messages, content blocks, tool-call records, events, and the
// durable metadata blob that makes an agent resumable.
package models

import "encoding/json"

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the tagged variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged variant: exactly one of the typed fields below
// is meaningful, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text / Thinking
	Text string `json:"text,omitempty"`

	// ToolUse
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// ToolResult
	ToolResultFor string `json:"tool_use_id,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`
}

// NewText builds a Text content block.
func NewText(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewThinking builds a Thinking content block.
func NewThinking(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// NewToolUse builds a ToolUse content block.
func NewToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// NewToolResult builds a ToolResult content block.
func NewToolResult(toolUseID string, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResultFor: toolUseID, Text: content, IsError: isError}
}

// Message is append-only during a run; compression replaces a prefix with
// one synthesized user summary block (see context manager).
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolUses returns every ToolUse block in the message, in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultIDs returns the tool_use_id of every ToolResult block.
func (m Message) ToolResultIDs() []string {
	var out []string
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			out = append(out, b.ToolResultFor)
		}
	}
	return out
}

// HasToolUse reports whether the message carries any ToolUse block. An
// assistant message with no ToolUse is a valid safe-fork-point.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// TextOnly concatenates every Text block's content, ignoring thinking and
// tool blocks. Used for AgentRunResult.Response.
func (m Message) TextOnly() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
