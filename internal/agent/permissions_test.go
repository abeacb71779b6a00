package agent

import (
	"context"
	"testing"

	"github.com/agentrt/core/pkg/models"
)

func TestPermissionManager_Evaluate_DenyTools(t *testing.T) {
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeAuto, DenyTools: []string{"rm"}}, nil, nil)
	decision, _ := pm.Evaluate(context.Background(), "rm", nil, models.AccessExecute)
	if decision != PolicyDeny {
		t.Errorf("decision = %v, want deny", decision)
	}
}

func TestPermissionManager_Evaluate_AllowListExcludes(t *testing.T) {
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeAuto, AllowTools: []string{"read_file"}}, nil, nil)
	decision, _ := pm.Evaluate(context.Background(), "write_file", nil, models.AccessWrite)
	if decision != PolicyDeny {
		t.Errorf("decision = %v, want deny (not in allowTools)", decision)
	}
	decision, _ = pm.Evaluate(context.Background(), "read_file", nil, models.AccessRead)
	if decision != PolicyAllow {
		t.Errorf("decision = %v, want allow (in allowTools)", decision)
	}
}

func TestPermissionManager_Evaluate_ApprovalMode(t *testing.T) {
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeApproval}, nil, nil)
	decision, _ := pm.Evaluate(context.Background(), "read_file", nil, models.AccessRead)
	if decision != PolicyAsk {
		t.Errorf("decision = %v, want ask", decision)
	}
}

func TestPermissionManager_Evaluate_ReadonlyMode(t *testing.T) {
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeReadonly}, nil, nil)

	if d, _ := pm.Evaluate(context.Background(), "write_file", nil, models.AccessWrite); d != PolicyDeny {
		t.Errorf("write access = %v, want deny", d)
	}
	if d, _ := pm.Evaluate(context.Background(), "exec", nil, models.AccessExecute); d != PolicyDeny {
		t.Errorf("execute access = %v, want deny", d)
	}
	if d, _ := pm.Evaluate(context.Background(), "mystery", nil, models.AccessUnknown); d != PolicyAsk {
		t.Errorf("unknown access = %v, want ask", d)
	}
	if d, _ := pm.Evaluate(context.Background(), "read_file", nil, models.AccessRead); d != PolicyAllow {
		t.Errorf("read access = %v, want allow", d)
	}
}

func TestPermissionManager_Evaluate_CustomMode(t *testing.T) {
	called := false
	handler := func(ctx context.Context, name string, input []byte) (PolicyDecision, string) {
		called = true
		return PolicyDeny, "custom says no"
	}
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeCustom}, handler, nil)
	decision, reason := pm.Evaluate(context.Background(), "anything", nil, models.AccessRead)
	if !called {
		t.Fatal("expected custom handler to be invoked")
	}
	if decision != PolicyDeny || reason != "custom says no" {
		t.Errorf("got (%v, %q)", decision, reason)
	}
}

func TestPermissionManager_Evaluate_CustomModeNoHandler(t *testing.T) {
	pm := NewPermissionManager(PermissionPolicy{Mode: ModeCustom}, nil, nil)
	decision, _ := pm.Evaluate(context.Background(), "anything", nil, models.AccessRead)
	if decision != PolicyAsk {
		t.Errorf("decision = %v, want ask when no custom handler registered", decision)
	}
}

func TestPermissionManager_ApproveResolvesRequestApprovalAsync(t *testing.T) {
	pm := NewPermissionManager(DefaultPermissionPolicy(), nil, nil)

	type result struct {
		decision models.ApprovalDecision
		by       string
		note     string
	}
	done := make(chan result, 1)
	go func() {
		d, by, note := pm.RequestApprovalAsync(context.Background(), "call-1", "write_file", nil, "needs confirmation")
		done <- result{d, by, note}
	}()

	for !pm.HasPending("call-1") {
	}
	if pm.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", pm.PendingCount())
	}

	if err := pm.Approve(context.Background(), "call-1", "alice", "looks fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	r := <-done
	if r.decision != models.DecisionAllow {
		t.Errorf("decision = %v, want allow", r.decision)
	}
	if r.by != "alice" || r.note != "looks fine" {
		t.Errorf("got by=%q note=%q", r.by, r.note)
	}
	if pm.HasPending("call-1") {
		t.Error("expected pending entry to be cleared after resolution")
	}
}

func TestPermissionManager_DenyUnknownCallID(t *testing.T) {
	pm := NewPermissionManager(DefaultPermissionPolicy(), nil, nil)
	if err := pm.Deny(context.Background(), "nonexistent", "bob", "no"); err == nil {
		t.Error("expected an error resolving an unknown call id")
	}
}

func TestPermissionManager_RequestApprovalAsync_ContextCancelled(t *testing.T) {
	pm := NewPermissionManager(DefaultPermissionPolicy(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision, by, _ := pm.RequestApprovalAsync(ctx, "call-2", "write_file", nil, "reason")
	if decision != models.DecisionDeny {
		t.Errorf("decision = %v, want deny on cancelled context", decision)
	}
	if by != "system" {
		t.Errorf("decidedBy = %q, want system", by)
	}
}
