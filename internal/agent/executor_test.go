package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentrt/core/pkg/models"
)

type stubTool struct {
	name     string
	access   models.AccessKind
	schema   json.RawMessage
	outcome  models.ToolResultOutcome
	execErr  error
	panics   bool
	calls    int
}

func (s *stubTool) Name() string                    { return s.name }
func (s *stubTool) Description() string              { return "a stub tool" }
func (s *stubTool) InputSchema() json.RawMessage     { return s.schema }
func (s *stubTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{Name: s.name, Description: "a stub tool", InputSchema: s.schema, Access: s.access}
}
func (s *stubTool) Execute(ctx context.Context, input json.RawMessage) (models.ToolResultOutcome, error) {
	s.calls++
	if s.panics {
		panic("stub tool panic")
	}
	if s.execErr != nil {
		return models.ToolResultOutcome{}, s.execErr
	}
	return s.outcome, nil
}

type stubRegistry struct {
	tools map[string]Tool
}

func newStubRegistry(tools ...Tool) *stubRegistry {
	r := &stubRegistry{tools: map[string]Tool{}}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *stubRegistry) Register(t Tool)     { r.tools[t.Name()] = t }
func (r *stubRegistry) Has(id string) bool  { _, ok := r.tools[id]; return ok }
func (r *stubRegistry) Get(id string) (Tool, bool) { t, ok := r.tools[id]; return t, ok }
func (r *stubRegistry) Create(id string, config map[string]any) (Tool, error) {
	return nil, errors.New("not implemented")
}
func (r *stubRegistry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

func newTestRunner(registry ToolRegistry, perms *PermissionManager, enabled []string) *ToolRunner {
	if perms == nil {
		perms = NewPermissionManager(DefaultPermissionPolicy(), nil, nil)
	}
	return NewToolRunner(registry, perms, nil, nil, DefaultExecutorConfig(), enabled)
}

func TestValidateSchema_EmptyPasses(t *testing.T) {
	if err := validateSchema(nil, []byte(`{"anything":1}`)); err != nil {
		t.Errorf("expected empty schema to always pass, got %v", err)
	}
}

func TestValidateSchema_ValidAndInvalidInput(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)

	if err := validateSchema(schema, []byte(`{"path":"a.txt"}`)); err != nil {
		t.Errorf("expected valid input to pass, got %v", err)
	}
	if err := validateSchema(schema, []byte(`{}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
	if err := validateSchema(schema, []byte(`not json`)); err == nil {
		t.Error("expected non-JSON input to fail validation")
	}
}

func TestEscalationFor_Ladder(t *testing.T) {
	desc := models.ToolDescriptor{Name: "read_file", InputSchema: json.RawMessage(`{}`)}

	if e := escalationFor("read_file", desc, 1); e.AllowlistOnly != "" || e.Nudge != "" || e.SuppressAll {
		t.Errorf("streak=1 should not escalate, got %+v", e)
	}
	if e := escalationFor("read_file", desc, 2); e.AllowlistOnly != "read_file" {
		t.Errorf("streak=2 should allowlist the tool, got %+v", e)
	}
	if e := escalationFor("read_file", desc, 3); e.Nudge == "" || e.AllowlistOnly != "read_file" {
		t.Errorf("streak=3 should nudge and allowlist, got %+v", e)
	}
	if e := escalationFor("read_file", desc, 6); !e.SuppressAll || e.Nudge == "" {
		t.Errorf("streak=6 should suppress all tools, got %+v", e)
	}
}

func TestToolRunner_ProcessBatch_ToolNotEnabled(t *testing.T) {
	tool := &stubTool{name: "read_file", outcome: models.ToolResultOutcome{Success: true, Value: "ok"}}
	runner := newTestRunner(newStubRegistry(tool), nil, []string{"other_tool"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "read_file", nil)}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if len(out.Records) != 1 || out.Records[0].State != models.ToolStateDenied {
		t.Fatalf("expected denied record, got %+v", out.Records)
	}
	if !out.AnyDenied {
		t.Error("expected AnyDenied=true")
	}
}

func TestToolRunner_ProcessBatch_UnknownTool(t *testing.T) {
	runner := newTestRunner(newStubRegistry(), nil, []string{"*"})
	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "ghost_tool", nil)}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if out.Records[0].State != models.ToolStateFailed {
		t.Errorf("expected failed state for unknown tool, got %v", out.Records[0].State)
	}
}

func TestToolRunner_ProcessBatch_SuccessfulExecution(t *testing.T) {
	tool := &stubTool{name: "read_file", access: models.AccessRead, outcome: models.ToolResultOutcome{Success: true, Value: "file contents"}}
	runner := newTestRunner(newStubRegistry(tool), nil, []string{"*"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "read_file", json.RawMessage(`{}`))}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if out.Records[0].State != models.ToolStateCompleted {
		t.Fatalf("expected completed state, got %v", out.Records[0].State)
	}
	if out.ResultMessage.Content[0].Text != "file contents" {
		t.Errorf("result text = %q, want %q", out.ResultMessage.Content[0].Text, "file contents")
	}
	if tool.calls != 1 {
		t.Errorf("expected tool to be called once, got %d", tool.calls)
	}
}

func TestToolRunner_ProcessBatch_SteeringSkipsRemaining(t *testing.T) {
	toolA := &stubTool{name: "read_file", access: models.AccessRead, outcome: models.ToolResultOutcome{Success: true, Value: "first"}}
	toolB := &stubTool{name: "write_file", access: models.AccessWrite, outcome: models.ToolResultOutcome{Success: true, Value: "second"}}
	runner := newTestRunner(newStubRegistry(toolA, toolB), nil, []string{"*"})

	toolUses := []models.ContentBlock{
		models.NewToolUse("call-1", "read_file", json.RawMessage(`{}`)),
		models.NewToolUse("call-2", "write_file", json.RawMessage(`{}`)),
	}

	calls := 0
	shouldSkip := func() bool {
		calls++
		return calls > 1 // let the first call through, skip the rest
	}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, shouldSkip)

	if out.Records[0].State != models.ToolStateCompleted {
		t.Fatalf("expected first call to complete, got %v", out.Records[0].State)
	}
	if toolA.calls != 1 {
		t.Errorf("expected first tool to run once, got %d", toolA.calls)
	}
	if out.Records[1].State != models.ToolStateSealed {
		t.Fatalf("expected second call to be sealed as skipped, got %v", out.Records[1].State)
	}
	if toolB.calls != 0 {
		t.Errorf("expected second tool not to run, got %d calls", toolB.calls)
	}
	if out.ResultMessage.Content[1].IsError {
		t.Error("a skipped tool call should not be reported as an error")
	}
}

func TestToolRunner_ProcessBatch_PermissionDenied(t *testing.T) {
	tool := &stubTool{name: "rm", access: models.AccessExecute}
	perms := NewPermissionManager(PermissionPolicy{Mode: ModeAuto, DenyTools: []string{"rm"}}, nil, nil)
	runner := newTestRunner(newStubRegistry(tool), perms, []string{"*"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "rm", nil)}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if out.Records[0].State != models.ToolStateDenied {
		t.Errorf("expected denied state, got %v", out.Records[0].State)
	}
	if tool.calls != 0 {
		t.Error("denied tool should never execute")
	}
}

func TestToolRunner_ProcessBatch_InvalidInputEscalates(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["path"]}`)
	tool := &stubTool{name: "read_file", schema: schema, outcome: models.ToolResultOutcome{Success: true}}
	runner := newTestRunner(newStubRegistry(tool), nil, []string{"*"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "read_file", json.RawMessage(`{}`))}
	var out batchOutcome
	for i := 0; i < 2; i++ {
		out = runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)
	}

	if out.Records[0].State != models.ToolStateFailed {
		t.Fatalf("expected failed state for invalid input, got %v", out.Records[0].State)
	}
	if out.Escalation.AllowlistOnly != "read_file" {
		t.Errorf("expected the second consecutive failure to allowlist the tool, got %+v", out.Escalation)
	}
}

func TestToolRunner_ProcessBatch_ExecutionErrorRetries(t *testing.T) {
	tool := &stubTool{name: "flaky", execErr: errors.New("transient")}
	cfg := DefaultExecutorConfig()
	cfg.ToolConfigs["flaky"] = ToolConfig{Retries: 2, RetryBackoff: time.Millisecond}
	runner := NewToolRunner(newStubRegistry(tool), NewPermissionManager(DefaultPermissionPolicy(), nil, nil), nil, nil, cfg, []string{"*"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "flaky", nil)}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if tool.calls != 3 {
		t.Errorf("expected 1 initial attempt + 2 retries = 3 calls, got %d", tool.calls)
	}
	if out.Records[0].State != models.ToolStateFailed {
		t.Errorf("expected failed state after exhausting retries, got %v", out.Records[0].State)
	}
}

func TestToolRunner_ProcessBatch_PanicRecovered(t *testing.T) {
	tool := &stubTool{name: "boom", panics: true}
	runner := newTestRunner(newStubRegistry(tool), nil, []string{"*"})

	toolUses := []models.ContentBlock{models.NewToolUse("call-1", "boom", nil)}
	out := runner.ProcessBatch(context.Background(), toolUses, nil, time.Now, nil)

	if out.Records[0].State != models.ToolStateFailed {
		t.Errorf("expected a recovered panic to produce a failed record, got %v", out.Records[0].State)
	}
}
