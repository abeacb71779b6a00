package models

import "time"

// Snapshot is a stored safe-fork-point: a fork target for branching a new
// agent off an existing one's history.
type Snapshot struct {
	ID           string         `json:"id"`
	Messages     []Message      `json:"messages"`
	LastSFPIndex int            `json:"lastSfpIndex"`
	LastBookmark Bookmark       `json:"lastBookmark"`
	CreatedAt    time.Time      `json:"createdAt"`
	Metadata     map[string]any `json:"metadata"`
}

// SafeForkPoint returns the index of the last message at which forking
// produces a coherent child state: the last user message, or the last
// assistant message containing no ToolUse.
func SafeForkPoint(messages []Message) int {
	sfp := 0
	for i, m := range messages {
		if m.Role == RoleUser {
			sfp = i
			continue
		}
		if m.Role == RoleAssistant && !m.HasToolUse() {
			sfp = i
		}
	}
	return sfp
}

// Timeline is the persisted, ordered log of event envelopes for one
// agent, replayable from any bookmark filter.
type Timeline struct {
	AgentID string
	Entries []EventEnvelope
}

// Since returns every entry with bookmark.seq > from.Seq, in order.
func (t Timeline) Since(from Bookmark) []EventEnvelope {
	var out []EventEnvelope
	for _, e := range t.Entries {
		if e.Bookmark.Seq > from.Seq {
			out = append(out, e)
		}
	}
	return out
}
