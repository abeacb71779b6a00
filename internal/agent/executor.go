package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentrt/core/pkg/models"
)

// ExecutorMetrics is a point-in-time snapshot of the Tool Runner's
// counters.
type ExecutorMetrics struct {
	Executions int64
	Retries    int64
	Failures   int64
	Timeouts   int64
	Panics     int64
}

// recoveryStreak tracks consecutive invalid-args failures per tool name,
// driving the escalation ladder in escalationFor.
type recoveryStreak struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecoveryStreak() *recoveryStreak { return &recoveryStreak{counts: map[string]int{}} }

func (r *recoveryStreak) fail(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[tool]++
	return r.counts[tool]
}

func (r *recoveryStreak) reset(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, tool)
}

func (r *recoveryStreak) resetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = map[string]int{}
}

func (r *recoveryStreak) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// ToolRunner executes a batch of ToolUse blocks: enablement and
// schema checks, permission gating with approval pauses, concurrency-
// limited execution with timeout/cancellation, and an audited tool-call
// record for each call.
type ToolRunner struct {
	registry ToolRegistry
	perms    *PermissionManager
	hooks    Hooks
	bus      *EventBus
	config   ExecutorConfig
	enabled  map[string]bool // "*" => allowAll
	allowAll bool
	guard    *ToolResultGuard

	sem     chan struct{}
	streaks *recoveryStreak

	mu      sync.Mutex
	metrics ExecutorMetrics

	prom *runtimeMetrics

	heartbeat func()
}

// NewToolRunner constructs a runner bound to one agent's registry,
// permission manager, hooks and event bus.
func NewToolRunner(registry ToolRegistry, perms *PermissionManager, hooks Hooks, bus *EventBus, cfg ExecutorConfig, enabledTools []string) *ToolRunner {
	enabled := map[string]bool{}
	allowAll := false
	for _, t := range enabledTools {
		if t == "*" {
			allowAll = true
			continue
		}
		enabled[t] = true
	}
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &ToolRunner{
		registry: registry,
		perms:    perms,
		hooks:    hooks,
		bus:      bus,
		config:   sanitizeExecutorConfig(cfg),
		enabled:  enabled,
		allowAll: allowAll,
		guard:    NewToolResultGuard(nil),
		sem:      make(chan struct{}, maxInt(1, cfg.MaxToolConcurrency)),
		streaks:  newRecoveryStreak(),
		prom:     runtimeMetricsInstance(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SetHeartbeat wires a callback the runner touches at the start and end
// of each tool execution, so the processing loop's stale-heartbeat
// detection doesn't fire during a long-running tool call.
func (r *ToolRunner) SetHeartbeat(fn func()) { r.heartbeat = fn }

func (r *ToolRunner) touch() {
	if r.heartbeat != nil {
		r.heartbeat()
	}
}

// Metrics returns a snapshot of the runner's counters.
func (r *ToolRunner) Metrics() ExecutorMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// escalation is what the invalid-args recovery streak demands of the
// NEXT model call, returned by ProcessBatch so stepOnce can thread it
// into the following ModelRequest.
type escalation struct {
	AllowlistOnly string // non-empty: expose only this tool
	SuppressAll   bool   // true: expose zero tools
	Nudge         string // text to prepend to the next user turn
}

// batchOutcome is everything ProcessBatch produces for one step.
type batchOutcome struct {
	ResultMessage models.Message // single user message with all ToolResults
	Records       []models.ToolCallRecord
	Escalation    escalation
	AnyDenied     bool
	AnyApprovalRequired bool
}

// ProcessBatch runs every ToolUse in order, returning the single
// user message the step algorithm appends with all results.
// shouldSkipRemaining is polled before each call; once it reports true
// (a steering message with SkipRemainingTools arrived), every tool call
// still to come is skipped rather than executed — this is how a
// steering message interrupts an in-flight tool batch.
func (r *ToolRunner) ProcessBatch(ctx context.Context, toolUses []models.ContentBlock, sm *runtimeStateMachine, now func() time.Time, shouldSkipRemaining func() bool) batchOutcome {
	var blocks []models.ContentBlock
	var records []models.ToolCallRecord
	var esc escalation

	anyApprovalRequired := false
	for _, tu := range toolUses {
		if shouldSkipRemaining != nil && shouldSkipRemaining() {
			rec, block := r.skipOne(ctx, tu, now)
			blocks = append(blocks, block)
			records = append(records, rec)
			continue
		}
		rec, block, e := r.processOne(ctx, tu, sm, now)
		blocks = append(blocks, block)
		records = append(records, rec)
		if rec.Approval.Required {
			anyApprovalRequired = true
		}
		if e.SuppressAll || e.AllowlistOnly != "" || e.Nudge != "" {
			esc = e // last escalation in the batch wins; ladder is per-tool anyway
		}
	}

	out := batchOutcome{
		ResultMessage:       models.Message{Role: models.RoleUser, Content: blocks},
		Records:             records,
		AnyApprovalRequired: anyApprovalRequired,
		Escalation:    esc,
	}
	for _, rec := range records {
		if rec.State == models.ToolStateDenied {
			out.AnyDenied = true
		}
	}
	return out
}

// skipOne seals a tool call that a steering message preempted before it
// ran, leaving an audited SEALED record and a non-error ToolResult so
// the conversation stays well-formed.
func (r *ToolRunner) skipOne(ctx context.Context, tu models.ContentBlock, now func() time.Time) (models.ToolCallRecord, models.ContentBlock) {
	start := now()
	rec := models.ToolCallRecord{
		ID:        tu.ToolUseID,
		Name:      tu.ToolName,
		Input:     tu.ToolInput,
		State:     models.ToolStatePending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	rec.Transition(models.ToolStateSealed, "skipped: steering message interrupted the tool batch", now())
	rec.CompletedAt = ptrTime(now())
	if r.bus != nil {
		r.bus.Publish(ctx, models.ChannelProgress, models.EventToolEnd, map[string]any{
			"id": rec.ID, "name": rec.Name, "state": string(rec.State),
		})
	}
	return rec, skippedToolResult(rec.ID, "skipped: a steering message interrupted the tool batch")
}

// skippedToolResult builds the ToolResult content block for a tool call
// a steering message preempted.
func skippedToolResult(toolCallID, reason string) models.ContentBlock {
	return models.NewToolResult(toolCallID, reason, false)
}

func (r *ToolRunner) processOne(ctx context.Context, tu models.ContentBlock, sm *runtimeStateMachine, now func() time.Time) (models.ToolCallRecord, models.ContentBlock, escalation) {
	start := now()
	rec := models.ToolCallRecord{
		ID:        tu.ToolUseID,
		Name:      tu.ToolName,
		Input:     tu.ToolInput,
		State:     models.ToolStatePending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	rec.AuditTrail = append(rec.AuditTrail, models.AuditEntry{State: rec.State, Timestamp: start})

	emit := func(eventType string, payload map[string]any) {
		if r.bus != nil {
			r.bus.Publish(ctx, models.ChannelProgress, eventType, payload)
		}
	}
	emit(models.EventToolStart, map[string]any{"id": rec.ID, "name": rec.Name})

	fail := func(state models.ToolCallState, errMsg string) (models.ToolCallRecord, models.ContentBlock, escalation) {
		rec.Transition(state, errMsg, now())
		rec.IsError = true
		rec.Error = errMsg
		rec.CompletedAt = ptrTime(now())
		emit(models.EventToolEnd, map[string]any{"id": rec.ID, "name": rec.Name, "state": string(state)})
		return rec, models.NewToolResult(rec.ID, errMsg, true), escalation{}
	}

	// Pre-tool hook.
	hd := r.hooks.PreToolUse(ctx, rec.Name, rec.Input)
	switch hd.Decision {
	case DecisionDenyHook:
		return fail(models.ToolStateDenied, hd.Reason)
	case DecisionSkip:
		rec.Transition(models.ToolStateCompleted, "skipped by pre-tool hook", now())
		rec.Result = hd.MockResult
		rec.CompletedAt = ptrTime(now())
		emit(models.EventToolEnd, map[string]any{"id": rec.ID, "name": rec.Name, "state": string(rec.State)})
		return rec, models.NewToolResult(rec.ID, hd.MockResult, false), escalation{}
	}

	// Tool enablement.
	if !r.allowAll && !r.enabled[rec.Name] {
		return fail(models.ToolStateDenied, "Tool is not enabled for this agent")
	}

	tool, ok := r.registry.Get(rec.Name)
	if !ok {
		return fail(models.ToolStateFailed, fmt.Sprintf("unknown tool %q", rec.Name))
	}
	descriptor := tool.Descriptor()

	// Input validation against the declared schema, with the streak
	// ladder on failure.
	if err := validateSchema(descriptor.InputSchema, rec.Input); err != nil {
		streak := r.streaks.fail(rec.Name)
		esc := escalationFor(rec.Name, descriptor, streak)
		emit(models.EventToolError, map[string]any{"id": rec.ID, "err": err.Error()})
		recOut, block, _ := fail(models.ToolStateFailed, "invalid tool input: "+err.Error())
		return recOut, block, esc
	}
	r.streaks.reset(rec.Name)

	// Hard deny / approval gate via the permission manager.
	requireApproval := hd.Decision == DecisionRequireApproval
	policyDecision, reason := r.perms.Evaluate(ctx, rec.Name, rec.Input, descriptor.Access)
	if policyDecision == PolicyDeny {
		return fail(models.ToolStateDenied, reason)
	}
	if policyDecision == PolicyAsk {
		requireApproval = true
		if reason != "" && hd.Reason == "" {
			hd.Reason = reason
		}
	}

	if requireApproval {
		rec.Transition(models.ToolStateApprovalRequired, hd.Reason, now())
		if sm != nil {
			sm.SetBreakpoint(ctx, models.BreakpointAwaitingApproval)
			sm.SetState(ctx, models.StatePaused)
		}
		decision, decidedBy, note := r.perms.RequestApprovalAsync(ctx, rec.ID, rec.Name, rec.Input, hd.Reason)
		rec.Approval = models.Approval{Required: true, Decision: decision, DecidedBy: decidedBy, Note: note, DecidedAt: ptrTime(now())}
		if sm != nil {
			sm.SetState(ctx, models.StateWorking)
		}
		if decision == models.DecisionDeny {
			return fail(models.ToolStateDenied, "Permission denied")
		}
		rec.Transition(models.ToolStateApproved, note, now())
	}

	// Execute.
	if sm != nil {
		sm.SetBreakpoint(ctx, models.BreakpointPreTool)
	}
	r.sem <- struct{}{}
	defer func() { <-r.sem }()
	if sm != nil {
		sm.SetBreakpoint(ctx, models.BreakpointToolExecuting)
	}
	rec.Transition(models.ToolStateExecuting, "", now())
	rec.StartedAt = ptrTime(now())
	r.touch()

	execCtx, cancel := context.WithTimeout(ctx, r.toolTimeout(rec.Name))
	outcome, execErr := r.executeWithRetry(execCtx, tool, rec.Name, rec.Input)
	cancel()
	r.touch()

	if sm != nil {
		sm.SetBreakpoint(ctx, models.BreakpointPostTool)
	}

	completed := now()
	rec.CompletedAt = &completed
	durMs := completed.Sub(*rec.StartedAt).Milliseconds()
	rec.DurationMs = &durMs
	r.prom.toolDuration.WithLabelValues(rec.Name).Observe(float64(durMs) / 1000)

	r.mu.Lock()
	r.metrics.Executions++
	r.mu.Unlock()

	if execErr != nil {
		r.mu.Lock()
		r.metrics.Failures++
		if execCtx.Err() == context.DeadlineExceeded {
			r.metrics.Timeouts++
		}
		r.mu.Unlock()
		r.prom.toolExecutions.WithLabelValues(rec.Name, "error").Inc()
		rec.Transition(models.ToolStateFailed, execErr.Error(), completed)
		rec.IsError = true
		rec.Error = execErr.Error()
		emit(models.EventToolError, map[string]any{"id": rec.ID, "err": execErr.Error()})
		r.hooks.PostToolUse(ctx, rec.Name, &models.ToolResultOutcome{Success: false, Error: execErr.Error()})
		if r.bus != nil {
			r.bus.Publish(ctx, models.ChannelMonitor, models.EventError, map[string]any{"severity": "warn", "phase": "tool", "tool": rec.Name, "err": execErr.Error()})
		}
		emit(models.EventToolEnd, map[string]any{"id": rec.ID, "name": rec.Name, "state": string(rec.State)})
		return rec, models.NewToolResult(rec.ID, execErr.Error(), true), escalation{}
	}

	r.hooks.PostToolUse(ctx, rec.Name, &outcome)
	outcome = r.guard.Redact(rec.Name, outcome)

	if outcome.Success {
		rec.Transition(models.ToolStateCompleted, "", completed)
		rec.Result = outcome.Value
		r.prom.toolExecutions.WithLabelValues(rec.Name, "success").Inc()
	} else {
		rec.Transition(models.ToolStateFailed, outcome.Error, completed)
		rec.IsError = true
		rec.Error = outcome.Error
		r.prom.toolExecutions.WithLabelValues(rec.Name, "error").Inc()
	}
	if r.bus != nil {
		r.bus.Publish(ctx, models.ChannelMonitor, models.EventToolExecuted, map[string]any{"id": rec.ID, "name": rec.Name, "success": outcome.Success, "durationMs": durMs})
	}
	emit(models.EventToolEnd, map[string]any{"id": rec.ID, "name": rec.Name, "state": string(rec.State)})

	content := outcome.Value
	isErr := !outcome.Success
	if isErr {
		content = outcome.Error
	}
	return rec, models.NewToolResult(rec.ID, content, isErr), escalation{}
}

func (r *ToolRunner) toolTimeout(name string) time.Duration {
	if cfg, ok := r.config.ToolConfigs[name]; ok && cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return r.config.ToolTimeout
}

// executeWithRetry invokes the tool, retrying failures with exponential
// backoff capped at MaxRetryBackoff when the tool declares a Retries
// override.
func (r *ToolRunner) executeWithRetry(ctx context.Context, tool Tool, name string, input []byte) (outcome models.ToolResultOutcome, err error) {
	cfg, hasCfg := r.config.ToolConfigs[name]
	retries := 0
	backoff := 250 * time.Millisecond
	if hasCfg {
		retries = cfg.Retries
		if cfg.RetryBackoff > 0 {
			backoff = cfg.RetryBackoff
		}
	}

	attempt := 0
	for {
		outcome, err = r.invoke(ctx, tool, input)
		if err == nil || attempt >= retries {
			return outcome, err
		}
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		attempt++
		r.mu.Lock()
		r.metrics.Retries++
		r.mu.Unlock()
		r.prom.toolRetries.WithLabelValues(name).Inc()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return outcome, ctx.Err()
		}
		if backoff*2 < r.config.MaxRetryBackoff {
			backoff *= 2
		} else {
			backoff = r.config.MaxRetryBackoff
		}
	}
}

func (r *ToolRunner) invoke(ctx context.Context, tool Tool, input []byte) (outcome models.ToolResultOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.metrics.Panics++
			r.mu.Unlock()
			r.prom.toolPanics.WithLabelValues(tool.Name()).Inc()
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return tool.Execute(ctx, json.RawMessage(input))
}

func ptrTime(t time.Time) *time.Time { return &t }

// validateSchema validates raw tool input against a JSON Schema. A
// nil/empty schema always passes.
func validateSchema(schema json.RawMessage, input []byte) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := jsonschema.CompileString(uuid.NewString()+".json", string(schema))
	if err != nil {
		return nil // malformed schema: don't block execution on our own bug
	}
	var v any
	if len(input) == 0 {
		input = []byte("{}")
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return sch.Validate(v)
}

// escalationFor maps an invalid-args streak to its effect on the next
// model call: streak>=2 allowlists the one tool, streak>=3 adds a nudge,
// streak>=6 suppresses every tool.
func escalationFor(name string, descriptor models.ToolDescriptor, streak int) escalation {
	var esc escalation
	switch {
	case streak >= 6:
		esc.SuppressAll = true
		esc.Nudge = fmt.Sprintf("Repeated invalid calls to %q. Do not call any tool this turn — explain the problem in prose and propose next steps.", name)
	case streak >= 3:
		esc.Nudge = fmt.Sprintf("Repeated invalid input for tool %q. Its schema is: %s. Re-read the required keys before retrying.", name, string(descriptor.InputSchema))
		if streak >= 2 {
			esc.AllowlistOnly = name
		}
	case streak >= 2:
		esc.AllowlistOnly = name
	}
	return esc
}
