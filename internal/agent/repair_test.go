package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/agentrt/core/pkg/models"
)

func TestAutoSealDanglingToolUses(t *testing.T) {
	now := time.Now()
	messages := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("hi")}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			models.NewToolUse("call-1", "read_file", nil),
		}},
	}
	records := map[string]*models.ToolCallRecord{
		"call-1": {ID: "call-1", Name: "read_file", State: models.ToolStateExecuting},
	}

	sealed, snaps := autoSealDanglingToolUses(messages, records, "crash", now)

	if len(snaps) != 1 {
		t.Fatalf("expected 1 sealed record, got %d", len(snaps))
	}
	if snaps[0].State != models.ToolStateSealed {
		t.Errorf("expected sealed state, got %v", snaps[0].State)
	}
	last := sealed[len(sealed)-1]
	if last.Role != models.RoleUser || len(last.Content) != 1 || last.Content[0].Type != models.BlockToolResult {
		t.Fatalf("expected a synthesized ToolResult message, got %+v", last)
	}
	if last.Content[0].ToolResultFor != "call-1" {
		t.Errorf("seal result tool_use_id = %q, want call-1", last.Content[0].ToolResultFor)
	}
}

func TestAutoSealDanglingToolUses_Idempotent(t *testing.T) {
	now := time.Now()
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewToolUse("call-1", "read_file", nil)}},
	}
	records := map[string]*models.ToolCallRecord{"call-1": {ID: "call-1", State: models.ToolStateExecuting}}

	first, _ := autoSealDanglingToolUses(messages, records, "crash", now)
	second, snaps := autoSealDanglingToolUses(first, records, "crash", now)

	if len(second) != len(first) {
		t.Fatalf("second pass should not add more messages: got %d, want %d", len(second), len(first))
	}
	if len(snaps) != 0 {
		t.Errorf("second pass should seal nothing new, sealed %d", len(snaps))
	}
}

func TestAutoSealDanglingToolUses_AlreadyTerminalSkipped(t *testing.T) {
	now := time.Now()
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewToolUse("call-1", "read_file", nil)}},
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewToolResult("call-1", "ok", false)}},
	}
	records := map[string]*models.ToolCallRecord{"call-1": {ID: "call-1", State: models.ToolStateCompleted}}

	_, snaps := autoSealDanglingToolUses(messages, records, "crash", now)
	if len(snaps) != 0 {
		t.Errorf("a resolved ToolUse/ToolResult pair must not be sealed, got %d", len(snaps))
	}
}

func TestSanitizeOrphanToolResults(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewToolResult("ghost", "some output", false)}},
	}

	out, converted := sanitizeOrphanToolResults(messages)
	if converted != 1 {
		t.Fatalf("expected 1 orphan converted, got %d", converted)
	}
	if out[0].Content[0].Type != models.BlockText {
		t.Errorf("orphan block should become text, got %v", out[0].Content[0].Type)
	}
	if !strings.Contains(out[0].Content[0].Text, orphanPrefix) {
		t.Errorf("converted text should carry the orphan marker prefix, got %q", out[0].Content[0].Text)
	}
}

func TestSanitizeOrphanToolResults_ResolvedLeftAlone(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewToolUse("call-1", "read_file", nil)}},
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewToolResult("call-1", "ok", false)}},
	}

	out, converted := sanitizeOrphanToolResults(messages)
	if converted != 0 {
		t.Fatalf("resolved tool result must not be converted, got %d", converted)
	}
	if out[1].Content[0].Type != models.BlockToolResult {
		t.Errorf("resolved tool result should stay a tool_result block, got %v", out[1].Content[0].Type)
	}
}
