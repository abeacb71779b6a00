package agent

import (
	"fmt"
	"time"

	"github.com/agentrt/core/pkg/models"
)

// sealPayload is the structured reason attached to a tool result
// synthesized by autoSealDanglingToolUses.
type sealPayload struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	ToolID string `json:"toolId"`
}

func (p sealPayload) String() string {
	return fmt.Sprintf(`{"status":%q,"note":%q,"toolId":%q}`, p.Status, p.Note, p.ToolID)
}

// autoSealDanglingToolUses seals every assistant ToolUse lacking a
// subsequent ToolResult in the same batch of messages, appends a
// synthesized user message carrying the error results, and returns the
// sealed record snapshots. Idempotent: a second call against the same
// messages/records finds nothing left to seal.
func autoSealDanglingToolUses(messages []models.Message, records map[string]*models.ToolCallRecord, reason string, now time.Time) ([]models.Message, []models.ToolCallRecord) {
	resolved := map[string]bool{}
	for _, m := range messages {
		if m.Role == models.RoleUser {
			for _, id := range m.ToolResultIDs() {
				resolved[id] = true
			}
		}
	}

	var dangling []string
	for _, m := range messages {
		if m.Role != models.RoleAssistant {
			continue
		}
		for _, b := range m.ToolUses() {
			if !resolved[b.ToolUseID] {
				dangling = append(dangling, b.ToolUseID)
			}
		}
	}
	if len(dangling) == 0 {
		return messages, nil
	}

	var sealedSnapshots []models.ToolCallRecord
	var blocks []models.ContentBlock
	for _, id := range dangling {
		rec, ok := records[id]
		status := "UNKNOWN"
		if ok {
			status = string(rec.State)
		}
		payload := sealPayload{Status: status, Note: "Sealed during " + reason, ToolID: id}
		// A record that is already terminal (e.g. sealed by a previous
		// pass) is not regressed, but still gets a ToolResult below.
		if ok && !rec.State.IsTerminal() {
			rec.Transition(models.ToolStateSealed, payload.Note, now)
			rec.IsError = true
			rec.Error = payload.String()
			rec.CompletedAt = &now
			sealedSnapshots = append(sealedSnapshots, *rec)
		}
		blocks = append(blocks, models.NewToolResult(id, payload.String(), true))
	}
	if len(blocks) == 0 {
		return messages, sealedSnapshots
	}

	out := append(append([]models.Message{}, messages...), models.Message{
		Role:    models.RoleUser,
		Content: blocks,
	})
	return out, sealedSnapshots
}

const orphanPrefix = "[tool_result orphaned]"

// sanitizeOrphanToolResults converts every user ToolResult whose
// toolUseId has no preceding assistant ToolUse into a Text block.
// Idempotent: once converted, the block is no longer a ToolResult and a
// second pass leaves it untouched.
func sanitizeOrphanToolResults(messages []models.Message) ([]models.Message, int) {
	seenToolUse := map[string]bool{}
	converted := 0
	out := make([]models.Message, len(messages))

	for i, m := range messages {
		if m.Role == models.RoleAssistant {
			for _, b := range m.ToolUses() {
				seenToolUse[b.ToolUseID] = true
			}
			out[i] = m
			continue
		}
		if m.Role != models.RoleUser {
			out[i] = m
			continue
		}

		newContent := make([]models.ContentBlock, len(m.Content))
		changed := false
		for j, b := range m.Content {
			if b.Type == models.BlockToolResult && !seenToolUse[b.ToolResultFor] {
				newContent[j] = models.NewText(orphanText(b))
				changed = true
				converted++
			} else {
				newContent[j] = b
			}
		}
		if changed {
			out[i] = models.Message{Role: m.Role, Content: newContent}
		} else {
			out[i] = m
		}
	}
	return out, converted
}

func orphanText(b models.ContentBlock) string {
	content := b.Text
	if len(content) > 1400 {
		content = content[:1400]
	}
	errSuffix := ""
	if b.IsError {
		errSuffix = " (error)"
	}
	return fmt.Sprintf("%s tool_use_id=%s%s\n%s", orphanPrefix, b.ToolResultFor, errSuffix, content)
}
