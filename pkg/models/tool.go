package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCallState is the authoritative per-call state machine, distinct
// from the in-message ToolUse/ToolResult blocks. Terminal states
// (Completed, Failed, Denied, Sealed) are immutable: late completions
// after a seal are dropped.
type ToolCallState string

const (
	ToolStatePending          ToolCallState = "PENDING"
	ToolStateApprovalRequired ToolCallState = "APPROVAL_REQUIRED"
	ToolStateApproved         ToolCallState = "APPROVED"
	ToolStateExecuting        ToolCallState = "EXECUTING"
	ToolStateCompleted        ToolCallState = "COMPLETED"
	ToolStateFailed           ToolCallState = "FAILED"
	ToolStateDenied           ToolCallState = "DENIED"
	ToolStateSealed           ToolCallState = "SEALED"
)

// IsTerminal reports whether s is a terminal, immutable state.
func (s ToolCallState) IsTerminal() bool {
	switch s {
	case ToolStateCompleted, ToolStateFailed, ToolStateDenied, ToolStateSealed:
		return true
	default:
		return false
	}
}

var toolCallStateLegacyOrdinal = []ToolCallState{
	ToolStatePending, ToolStateApprovalRequired, ToolStateApproved, ToolStateExecuting,
	ToolStateCompleted, ToolStateFailed, ToolStateDenied, ToolStateSealed,
}

// UnmarshalJSON accepts the current uppercase string form and a legacy
// integer ordinal such as the one the legacy
// {callId, toolName, arguments, state:int} record shape carries.
func (s *ToolCallState) UnmarshalJSON(data []byte) error {
	if v, ok, err := unmarshalLegacyEnum(data, toolCallStateLegacyOrdinal); err != nil {
		return err
	} else if ok {
		*s = v
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("models: invalid ToolCallState: %w", err)
	}
	*s = ToolCallState(str)
	return nil
}

// ApprovalDecision is the outcome of a permission gate.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
)

// Approval records whether a tool call required, and received, a
// permission decision.
type Approval struct {
	Required   bool             `json:"required"`
	Decision   ApprovalDecision `json:"decision,omitempty"`
	DecidedBy  string           `json:"decidedBy,omitempty"`
	DecidedAt  *time.Time       `json:"decidedAt,omitempty"`
	Note       string           `json:"note,omitempty"`
	Meta       map[string]any   `json:"meta,omitempty"`
}

// AuditEntry is one state transition in a ToolCallRecord's audit trail.
type AuditEntry struct {
	State     ToolCallState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
	Note      string        `json:"note,omitempty"`
}

// ToolCallRecord is the durable record of a single tool invocation.
type ToolCallRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       []byte          `json:"input"`
	State       ToolCallState   `json:"state"`
	Approval    Approval        `json:"approval"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	IsError     bool            `json:"isError"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	AuditTrail  []AuditEntry    `json:"auditTrail"`
}

// Transition appends an audit entry and moves the record to state s.
// Callers are responsible for refusing transitions out of a terminal
// state before calling this (terminal states never regress).
func (r *ToolCallRecord) Transition(s ToolCallState, note string, now time.Time) {
	r.State = s
	r.UpdatedAt = now
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: s, Timestamp: now, Note: note})
}

// ToolDescriptor is how a registered Tool advertises itself to the
// permission manager and the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	RegistryID  string          `json:"registryId,omitempty"`
	Access      AccessKind      `json:"access"`
}

// AccessKind drives readonly-mode decisions in the permission manager.
type AccessKind string

const (
	AccessRead    AccessKind = "read"
	AccessWrite   AccessKind = "write"
	AccessExecute AccessKind = "execute"
	AccessUnknown AccessKind = "unknown"
)

// ToolResultOutcome is what a tool execution (or a hook override)
// produced.
type ToolResultOutcome struct {
	Success bool   `json:"success"`
	Value   string `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// legacyToolCallRecord is the pre-rewrite on-disk shape a Store
// implementation may still hold rows in: {callId, toolName, arguments,
// state:int}. DecodeToolCallRecords migrates it to the standard shape.
type legacyToolCallRecord struct {
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
	State     int             `json:"state"`
}

// DecodeToolCallRecords unmarshals a slice of persisted rows, accepting
// either the standard ToolCallRecord shape or the legacy
// {callId,toolName,arguments,state:int} shape per row, so any Store's
// LoadToolCallRecords can migrate old rows. Rows are tried as the standard shape
// first; a row lacking both "id" and "callId" is reported as an error.
func DecodeToolCallRecords(rows []json.RawMessage) ([]ToolCallRecord, error) {
	out := make([]ToolCallRecord, 0, len(rows))
	for i, raw := range rows {
		var probe struct {
			ID     string `json:"id"`
			CallID string `json:"callId"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("models: tool call record %d: %w", i, err)
		}
		if probe.ID != "" {
			var rec ToolCallRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("models: tool call record %d: %w", i, err)
			}
			out = append(out, rec)
			continue
		}
		if probe.CallID == "" {
			return nil, fmt.Errorf("models: tool call record %d: neither \"id\" nor \"callId\" present", i)
		}
		var legacy legacyToolCallRecord
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("models: legacy tool call record %d: %w", i, err)
		}
		out = append(out, migrateLegacyToolCallRecord(legacy))
	}
	return out, nil
}

// migrateLegacyToolCallRecord converts one legacy row into the standard
// shape. The legacy format carried no timestamps or audit trail, so the
// timestamps start zero and the audit trail holds a single entry for the
// migrated state; State is translated through the same
// ordinal table ToolCallState.UnmarshalJSON uses.
func migrateLegacyToolCallRecord(legacy legacyToolCallRecord) ToolCallRecord {
	state := ToolStatePending
	if legacy.State >= 0 && legacy.State < len(toolCallStateLegacyOrdinal) {
		state = toolCallStateLegacyOrdinal[legacy.State]
	}
	return ToolCallRecord{
		ID:         legacy.CallID,
		Name:       legacy.ToolName,
		Input:      legacy.Arguments,
		State:      state,
		AuditTrail: []AuditEntry{{State: state}},
	}
}
