package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentrt/core/pkg/models"
)

// CustomPermissionHandler backs PermissionMode=custom: a registered
// handler decides allow/deny/ask for a tool call the built-in modes
// don't cover.
type CustomPermissionHandler func(ctx context.Context, name string, input []byte) (PolicyDecision, string)

// PolicyDecision is what a mode (or custom handler) decides before a
// tool executes, distinct from Decision (the hook's Continue/Deny/Skip/
// RequireApproval vocabulary).
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyDeny  PolicyDecision = "deny"
	PolicyAsk   PolicyDecision = "ask"
)

// pendingApproval tracks one in-flight RequestApprovalAsync call.
type pendingApproval struct {
	callID string
	name   string
	input  []byte
	reason string
	result chan approvalResult
}

type approvalResult struct {
	decision models.ApprovalDecision
	decidedBy string
	note      string
}

// PermissionManager gates tool execution: mode-based policy
// decisions plus a runtime approve/deny surface with a set of pending
// approvals.
type PermissionManager struct {
	mu      sync.Mutex
	policy  PermissionPolicy
	custom  CustomPermissionHandler
	bus     *EventBus
	pending map[string]*pendingApproval
}

// NewPermissionManager constructs a manager for the given policy. bus
// may be nil in tests that don't care about emitted events.
func NewPermissionManager(policy PermissionPolicy, custom CustomPermissionHandler, bus *EventBus) *PermissionManager {
	return &PermissionManager{policy: normalizePermissionPolicy(policy), custom: custom, bus: bus, pending: map[string]*pendingApproval{}}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Evaluate applies the configured mode and returns what the tool runner
// should do: allow outright, hard-deny, or ask for approval.
func (m *PermissionManager) Evaluate(ctx context.Context, name string, input []byte, access models.AccessKind) (PolicyDecision, string) {
	m.mu.Lock()
	p := m.policy
	m.mu.Unlock()

	if contains(p.DenyTools, name) {
		return PolicyDeny, "tool is in denyTools"
	}
	if len(p.AllowTools) > 0 && !contains(p.AllowTools, name) {
		return PolicyDeny, "tool is not in allowTools"
	}

	switch p.Mode {
	case ModeApproval:
		return PolicyAsk, "approval mode requires confirmation for every tool call"
	case ModeReadonly:
		switch access {
		case models.AccessWrite, models.AccessExecute:
			return PolicyDeny, "readonly mode denies mutating tools"
		case models.AccessUnknown:
			return PolicyAsk, "readonly mode is uncertain about this tool's access"
		default:
			if contains(p.RequireApprovalTools, name) {
				return PolicyAsk, "tool is in requireApprovalTools"
			}
			return PolicyAllow, ""
		}
	case ModeCustom:
		if m.custom != nil {
			return m.custom(ctx, name, input)
		}
		return PolicyAsk, "custom mode with no handler registered"
	default: // ModeAuto
		if contains(p.RequireApprovalTools, name) {
			return PolicyAsk, "tool is in requireApprovalTools"
		}
		return PolicyAllow, ""
	}
}

// RequestApprovalAsync emits permission_required and blocks until
// Approve/Deny resolves the call, the context is cancelled, or an
// external interrupt fires. This is the only indefinite suspension
// point in the runtime.
func (m *PermissionManager) RequestApprovalAsync(ctx context.Context, callID, name string, input []byte, reason string) (models.ApprovalDecision, string, string) {
	p := &pendingApproval{callID: callID, name: name, input: input, reason: reason, result: make(chan approvalResult, 1)}

	m.mu.Lock()
	m.pending[callID] = p
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, models.ChannelControl, models.EventPermissionRequired, map[string]any{
			"call": map[string]any{"id": callID, "name": name, "reason": reason},
		})
	}

	select {
	case r := <-p.result:
		return r.decision, r.decidedBy, r.note
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, callID)
		m.mu.Unlock()
		return models.DecisionDeny, "system", "context cancelled while awaiting approval"
	}
}

// Approve resolves a pending approval with allow.
func (m *PermissionManager) Approve(ctx context.Context, callID, decidedBy, note string) error {
	return m.resolve(ctx, callID, models.DecisionAllow, decidedBy, note)
}

// Deny resolves a pending approval with deny.
func (m *PermissionManager) Deny(ctx context.Context, callID, decidedBy, reason string) error {
	return m.resolve(ctx, callID, models.DecisionDeny, decidedBy, reason)
}

func (m *PermissionManager) resolve(ctx context.Context, callID string, decision models.ApprovalDecision, decidedBy, note string) error {
	m.mu.Lock()
	p, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApprov, callID)
	}

	if m.bus != nil {
		m.bus.Publish(ctx, models.ChannelControl, models.EventPermissionDecided, map[string]any{
			"callId": callID, "decision": string(decision), "decidedBy": decidedBy, "note": note,
		})
	}
	p.result <- approvalResult{decision: decision, decidedBy: decidedBy, note: note}
	return nil
}

// GetPendingApprovalIds returns the call ids currently awaiting a
// decision, used by run-result reporting to populate
// AgentRunResult.PermissionIDs.
func (m *PermissionManager) GetPendingApprovalIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// HasPending reports whether callID currently has a pending approval.
func (m *PermissionManager) HasPending(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[callID]
	return ok
}

// PendingCount reports how many approvals are currently outstanding —
// used by resume to detect a stale AwaitingApproval breakpoint with no
// backing approval record.
func (m *PermissionManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SetPolicy swaps the active policy, e.g. on config reload.
func (m *PermissionManager) SetPolicy(p PermissionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = normalizePermissionPolicy(p)
}
