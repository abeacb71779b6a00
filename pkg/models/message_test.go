package models

import "testing"

func TestMessage_ToolUses(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentBlock{
		NewText("thinking aloud"),
		NewToolUse("call-1", "read_file", nil),
		NewToolUse("call-2", "write_file", nil),
	}}
	uses := m.ToolUses()
	if len(uses) != 2 {
		t.Fatalf("len(ToolUses()) = %d, want 2", len(uses))
	}
	if uses[0].ToolUseID != "call-1" || uses[1].ToolUseID != "call-2" {
		t.Errorf("unexpected order/ids: %+v", uses)
	}
}

func TestMessage_ToolResultIDs(t *testing.T) {
	m := Message{Role: RoleUser, Content: []ContentBlock{
		NewToolResult("call-1", "ok", false),
		NewText("also this"),
		NewToolResult("call-2", "failed", true),
	}}
	ids := m.ToolResultIDs()
	if len(ids) != 2 || ids[0] != "call-1" || ids[1] != "call-2" {
		t.Errorf("ToolResultIDs() = %v", ids)
	}
}

func TestMessage_HasToolUse(t *testing.T) {
	withTool := Message{Content: []ContentBlock{NewToolUse("x", "t", nil)}}
	without := Message{Content: []ContentBlock{NewText("hi")}}
	if !withTool.HasToolUse() {
		t.Error("expected HasToolUse=true")
	}
	if without.HasToolUse() {
		t.Error("expected HasToolUse=false")
	}
}

func TestMessage_TextOnly(t *testing.T) {
	m := Message{Content: []ContentBlock{
		NewThinking("internal musing"),
		NewText("hello "),
		NewToolUse("id", "tool", nil),
		NewText("world"),
	}}
	if got := m.TextOnly(); got != "hello world" {
		t.Errorf("TextOnly() = %q, want %q", got, "hello world")
	}
}
