package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/core/internal/skills"
	"github.com/agentrt/core/pkg/models"
)

// ResumeStrategy selects how Resume treats non-terminal tool calls left
// over from a previous process lifetime.
type ResumeStrategy string

const (
	// ResumeCrash seals every non-terminal tool call: the record was
	// in-flight when the process died.
	ResumeCrash ResumeStrategy = "crash"
)

// AgentRunResult is RunAsync's user-visible outcome.
type AgentRunResult struct {
	Success       bool
	Response      string
	StopReason    StopReason
	TokenUsage    TokenUsage
	PermissionIDs []string
}

// Agent is a single running agent: its runtime state, message log,
// tool-call records, and the collaborator components that drive them.
// Exactly one processing task may run per Agent at a time.
type Agent struct {
	id   string
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	bus       *EventBus
	sm        *runtimeStateMachine
	perms     *PermissionManager
	runner    *ToolRunner
	ctxMgr    *ContextManager
	scheduler *Scheduler
	skillsMgr *SkillsManager
	todos     *TodoManager
	queue     *MessageQueue
	delegator *Delegator

	mu           sync.Mutex
	messages     []models.Message
	records      map[string]*models.ToolCallRecord
	recordOrder  []string
	lineage      []string
	templateID   string
	createdAt    time.Time
	configVersion int

	// processing-loop singleton state, guarded by procMu.
	procMu     sync.Mutex
	runID      string
	queued     bool
	doneCh     chan struct{}
	heartbeat  time.Time
	interrupt  bool
	cancelFunc context.CancelFunc
	iterationCount int
	stepCount      int
	lastErr        error
	lastUsage      TokenUsage

	nextRestriction toolExposureRestriction
}

// toolExposureRestriction carries the invalid-args escalation ladder's
// effect on the NEXT model call, consumed once then cleared.
type toolExposureRestriction struct {
	AllowlistOnly string
	SuppressAll   bool
	Nudge         string
}

// Create constructs a brand-new agent in state Ready, persists its meta
// immediately, and auto-activates any template-configured skills.
func Create(ctx context.Context, agentID string, cfg Config, deps Dependencies, skillsCfg SkillsTemplateConfig) (*Agent, error) {
	if cfg.Model == "" {
		return nil, NewError(KindConfiguration, "agent: Model is required").WithCause(ErrNoProvider)
	}
	deps = deps.sanitize()
	cfg = sanitizeConfig(cfg)

	a := newAgent(agentID, cfg, deps)
	a.createdAt = time.Now()
	a.configVersion = 1
	a.initDelegator()

	if len(skillsCfg.AutoActivate) == 0 {
		skillsCfg.AutoActivate = cfg.AutoActivateSkills
	}
	if len(skillsCfg.Recommend) > 0 {
		a.cfg.RecommendSkills = skillsCfg.Recommend
	}
	if len(skillsCfg.AutoActivate) > 0 {
		msgs, err := a.skillsMgr.AutoActivate(ctx, skillsCfg)
		if err != nil {
			a.log.Warn("auto-activate skills failed", "agentId", agentID, "err", err)
		}
		a.messages = append(a.messages, msgs...)
	}

	a.sm.SetState(ctx, models.StateReady)
	if err := a.persistAll(ctx); err != nil {
		return nil, NewError(KindStorage, "agent: failed to persist initial state").WithCause(err)
	}
	runtimeMetricsInstance().activeAgents.Inc()
	return a, nil
}

func newAgent(agentID string, cfg Config, deps Dependencies) *Agent {
	bus := NewEventBus(agentID, deps.Store, deps.Logger)
	sm := newRuntimeStateMachine(bus, models.StateReady, models.BreakpointReady)
	perms := NewPermissionManager(cfg.Permission, nil, bus)

	a := &Agent{
		id:      agentID,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		bus:     bus,
		sm:      sm,
		perms:   perms,
		records: map[string]*models.ToolCallRecord{},
	}
	a.queue = NewMessageQueue(a.onEnqueueUser)
	a.runner = NewToolRunner(deps.Registry, perms, deps.Hooks, bus, cfg.Executor, cfg.Tools)
	a.runner.SetHeartbeat(a.touchHeartbeat)
	a.ctxMgr = NewContextManager(DefaultContextConfig(), nil, bus)
	a.scheduler = NewScheduler(bus)
	a.skillsMgr = NewSkillsManager(cfg.SkillPaths, map[string]*skills.SkillConfig{}, bus, deps.Registry, cfg.Tools)
	if _, err := a.skillsMgr.Discover(); err != nil {
		a.log.Warn("skill discovery failed", "agentId", agentID, "err", err)
	}
	a.todos = NewTodoManager(models.TodoSnapshot{})
	return a
}

// onEnqueueUser resets the invalid-args recovery streaks and the
// iteration counter: new user guidance resets the model's opportunity.
func (a *Agent) onEnqueueUser() {
	a.runner.streaks.resetAll()
	a.procMu.Lock()
	a.iterationCount = 0
	a.procMu.Unlock()
}

func (a *Agent) touchHeartbeat() {
	a.procMu.Lock()
	a.heartbeat = time.Now()
	a.procMu.Unlock()
}

// ID returns the agent's id.
func (a *Agent) ID() string { return a.id }

// State returns the current RuntimeState.
func (a *Agent) State() models.RuntimeState { return a.sm.State() }

// Breakpoint returns the current crash-recovery checkpoint.
func (a *Agent) Breakpoint() models.Breakpoint { return a.sm.Breakpoint() }

// Bus exposes the event bus for subscription by external callers.
func (a *Agent) Bus() *EventBus { return a.bus }

// Scheduler exposes the per-agent trigger registry so external callers
// can register steps/time/cron triggers via its Schedule{Steps,Time,Cron}
// accessors.
func (a *Agent) Scheduler() *Scheduler { return a.scheduler }

// Todos returns the current todo snapshot.
func (a *Agent) Todos() models.TodoSnapshot { return a.todos.Snapshot() }

// SetTodos replaces the todo list, enforcing the single-in-progress
// invariant, and persists the result.
func (a *Agent) SetTodos(ctx context.Context, todos []models.Todo) (models.TodoSnapshot, error) {
	snap, err := a.todos.SetTodos(todos, time.Now())
	if err != nil {
		return models.TodoSnapshot{}, err
	}
	if a.deps.Store != nil {
		if err := a.deps.Store.SaveTodos(ctx, a.id, snap); err != nil {
			a.log.Warn("save todos failed", "agentId", a.id, "err", err)
		}
	}
	return snap, nil
}

// Send enqueues a user or reminder message onto the message queue.
func (a *Agent) Send(text string, kind EnqueueKind, opts ReminderOptions) string {
	return a.queue.Send(text, kind, opts)
}

// Steer injects a message mid-run. With SkipRemainingTools set, the Tool
// Runner abandons whatever is left of the current tool batch and
// resumes on the steering text instead.
func (a *Agent) Steer(text string, opts SteeringOptions) string {
	return a.queue.Steer(text, opts)
}

// QueueFollowUp queues a message to run only once this agent would
// otherwise stop, instead of interrupting the current run.
func (a *Agent) QueueFollowUp(text string) string {
	return a.queue.FollowUp(text)
}

// ApproveToolCall resolves a pending approval with allow.
func (a *Agent) ApproveToolCall(ctx context.Context, callID, decidedBy, note string) error {
	return a.perms.Approve(ctx, callID, decidedBy, note)
}

// DenyToolCall resolves a pending approval with deny.
func (a *Agent) DenyToolCall(ctx context.Context, callID, decidedBy, reason string) error {
	return a.perms.Deny(ctx, callID, decidedBy, reason)
}

// Messages returns a snapshot copy of the current message log.
func (a *Agent) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message{}, a.messages...)
}

// ToolCallRecords returns a snapshot of every tool-call record, in
// first-seen order.
func (a *Agent) ToolCallRecords() []models.ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ToolCallRecord, 0, len(a.recordOrder))
	for _, id := range a.recordOrder {
		out = append(out, *a.records[id])
	}
	return out
}

func (a *Agent) rememberRecords(records []models.ToolCallRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range records {
		rec := records[i]
		if existing, ok := a.records[rec.ID]; ok && existing.State.IsTerminal() && existing.State != rec.State {
			continue // terminal states never regress
		}
		if _, ok := a.records[rec.ID]; !ok {
			a.recordOrder = append(a.recordOrder, rec.ID)
		}
		a.records[rec.ID] = &rec
	}
}

// info builds the durable AgentInfo blob, including a serialized
// snapshot of effective config so the agent is resumable from meta
// alone.
func (a *Agent) info() models.AgentInfo {
	a.mu.Lock()
	msgCount := len(a.messages)
	sfp := models.SafeForkPoint(a.messages)
	lineage := append([]string{}, a.lineage...)
	a.mu.Unlock()

	state, bp := a.sm.Snapshot()
	return models.AgentInfo{
		AgentID:       a.id,
		TemplateID:    a.templateID,
		CreatedAt:     a.createdAt,
		Lineage:       lineage,
		ConfigVersion: a.configVersion,
		MessageCount:  msgCount,
		LastSFPIndex:  sfp,
		LastBookmark:  a.currentBookmark(),
		State:         state,
		Breakpoint:    bp,
		Metadata:      a.configMetadata(),
	}
}

func (a *Agent) currentBookmark() models.Bookmark {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return models.Bookmark{Seq: a.bus.seq, Timestamp: time.Now().UnixMilli()}
}

func (a *Agent) configMetadata() map[string]any {
	return map[string]any{
		"model":         a.cfg.Model,
		"tools":         a.cfg.Tools,
		"permission":    a.cfg.Permission,
		"loop":          a.cfg.Loop,
		"executor":      a.cfg.Executor,
		"subagents":     a.cfg.Subagents,
		"skillPaths":    a.cfg.SkillPaths,
		"activatedSkills": a.skillsMgr.ActivatedNames(),
	}
}

// persistAll writes messages, tool-call records, todos, and meta. Used
// on Create and at the end of every step.
func (a *Agent) persistAll(ctx context.Context) error {
	if a.deps.Store == nil {
		return nil
	}
	if err := a.deps.Store.SaveMessages(ctx, a.id, a.Messages()); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	if err := a.deps.Store.SaveToolCallRecords(ctx, a.id, a.ToolCallRecords()); err != nil {
		return fmt.Errorf("save tool call records: %w", err)
	}
	if err := a.deps.Store.SaveInfo(ctx, a.id, a.info()); err != nil {
		return fmt.Errorf("save info: %w", err)
	}
	return nil
}

// Resume reloads a previously persisted agent: messages, tool-call
// records, and meta, seals non-terminal tool calls under the given
// strategy, seeds the event bus's cursor from the persisted bookmark,
// and resolves a stale AwaitingApproval breakpoint.
func Resume(ctx context.Context, agentID string, deps Dependencies, strategy ResumeStrategy) (*Agent, error) {
	deps = deps.sanitize()
	if deps.Store == nil {
		return nil, NewError(KindConfiguration, "agent: Resume requires a Store")
	}

	info, ok, err := deps.Store.LoadInfo(ctx, agentID)
	if err != nil {
		return nil, NewError(KindStorage, "agent: failed to load info").WithCause(err)
	}
	if !ok {
		return nil, NewError(KindConfiguration, "agent: no persisted agent "+agentID)
	}

	cfg, err := configFromMetadata(info.Metadata)
	if err != nil {
		return nil, NewError(KindConfiguration, "agent: corrupted meta").WithCause(err)
	}

	a := newAgent(agentID, cfg, deps)
	a.createdAt = info.CreatedAt
	a.templateID = info.TemplateID
	a.configVersion = info.ConfigVersion
	a.lineage = info.Lineage
	a.initDelegator()

	msgs, err := deps.Store.LoadMessages(ctx, agentID)
	if err != nil {
		return nil, NewError(KindStorage, "agent: failed to load messages").WithCause(err)
	}
	a.messages = msgs

	records, err := deps.Store.LoadToolCallRecords(ctx, agentID)
	if err != nil {
		return nil, NewError(KindStorage, "agent: failed to load tool call records").WithCause(err)
	}
	for i := range records {
		rec := records[i]
		a.records[rec.ID] = &rec
		a.recordOrder = append(a.recordOrder, rec.ID)
	}

	todoSnap, err := deps.Store.LoadTodos(ctx, agentID)
	if err == nil {
		a.todos = NewTodoManager(todoSnap)
	}

	switch names := info.Metadata["activatedSkills"].(type) {
	case []string:
		a.skillsMgr.RestoreActivated(names)
	case []any:
		strs := make([]string, 0, len(names))
		for _, n := range names {
			if s, ok := n.(string); ok {
				strs = append(strs, s)
			}
		}
		a.skillsMgr.RestoreActivated(strs)
	}

	a.bus.Seed(info.LastBookmark)

	sealed := a.sealNonTerminal(ctx, recoveryReason(strategy))
	bp := info.Breakpoint
	restoredState := info.State

	if bp == models.BreakpointAwaitingApproval && a.perms.PendingCount() == 0 {
		a.bus.Publish(ctx, models.ChannelMonitor, models.EventAgentRecovered, map[string]any{"reason": "stale_awaiting_approval"})
		bp = models.BreakpointReady
		restoredState = models.StateReady
	}
	a.sm.SetBreakpoint(ctx, bp)
	if restoredState == models.StateFailed {
		restoredState = models.StateReady
	}
	a.sm.SetState(ctx, restoredState)

	a.bus.Publish(ctx, models.ChannelMonitor, models.EventAgentResumed, map[string]any{
		"strategy": string(strategy),
		"sealed":   sealed,
	})

	if err := a.persistAll(ctx); err != nil {
		return nil, NewError(KindStorage, "agent: failed to persist post-resume state").WithCause(err)
	}
	runtimeMetricsInstance().activeAgents.Inc()
	return a, nil
}

// recoveryReason is the human-readable phrase a resume strategy stamps
// into seal payloads ("Sealed during <reason>"), which the model sees
// in the synthesized ToolResult content.
func recoveryReason(strategy ResumeStrategy) string {
	switch strategy {
	case ResumeCrash:
		return "crash recovery"
	default:
		return string(strategy)
	}
}

// sealNonTerminal seals every non-terminal tool call record, appending
// synthetic user ToolResults for any still-dangling ToolUse.
func (a *Agent) sealNonTerminal(ctx context.Context, reason string) []models.ToolCallRecord {
	a.mu.Lock()
	recordsCopy := map[string]*models.ToolCallRecord{}
	for id, rec := range a.records {
		recordsCopy[id] = rec
	}
	msgs := append([]models.Message{}, a.messages...)
	a.mu.Unlock()

	newMsgs, sealedSnaps := autoSealDanglingToolUses(msgs, recordsCopy, reason, time.Now())

	a.mu.Lock()
	a.messages = newMsgs
	for _, s := range sealedSnaps {
		if rec, ok := a.records[s.ID]; ok {
			*rec = s
		}
	}
	a.mu.Unlock()
	return sealedSnaps
}

// configFromMetadata reconstructs a Config from AgentInfo.Metadata's
// opaque map. "model" is required; "tools" and "skillPaths" are read
// when present, as []string or decoded-JSON []any. Every other field
// comes from DefaultConfig.
func configFromMetadata(meta map[string]any) (Config, error) {
	cfg := DefaultConfig()
	model, _ := meta["model"].(string)
	if model == "" {
		return Config{}, fmt.Errorf("metadata missing model")
	}
	cfg.Model = model

	switch tools := meta["tools"].(type) {
	case []string:
		cfg.Tools = append(cfg.Tools, tools...)
	case []any:
		for _, t := range tools {
			if s, ok := t.(string); ok {
				cfg.Tools = append(cfg.Tools, s)
			}
		}
	}
	switch paths := meta["skillPaths"].(type) {
	case []string:
		cfg.SkillPaths = append(cfg.SkillPaths, paths...)
	case []any:
		for _, p := range paths {
			if s, ok := p.(string); ok {
				cfg.SkillPaths = append(cfg.SkillPaths, s)
			}
		}
	}
	return sanitizeConfig(cfg), nil
}

// Dispose cancels the processing loop, cancels active tools via context
// cancellation, and disposes the scheduler. The sandbox, owned by the
// caller's Dependencies, is closed last.
func (a *Agent) Dispose() error {
	a.procMu.Lock()
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.procMu.Unlock()

	a.scheduler.Dispose()
	runtimeMetricsInstance().activeAgents.Dec()
	if a.deps.Sandbox != nil {
		return a.deps.Sandbox.Close()
	}
	return nil
}

// initDelegator wires the Delegator's childFactory to spawn a genuine
// child Agent through Create, sharing this agent's Dependencies.
func (a *Agent) initDelegator() {
	a.delegator = NewDelegator(a.id, a.lineage, a.cfg.Subagents.Depth, a.bus, a.spawnChild)
}

// DelegateTask hands a task off to a child agent bounded by the
// configured recursion depth.
func (a *Agent) DelegateTask(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	return a.delegator.DelegateTask(ctx, req)
}

// spawnChild creates a child agent and starts its run in a goroutine so
// the caller can subscribe and forward the child's events while it is
// still running, rather than only after RunAsync returns.
func (a *Agent) spawnChild(ctx context.Context, childID string, req DelegateRequest, lineage []string) (*childSpawn, error) {
	childCfg := a.cfg
	if req.Tools != nil {
		childCfg.Tools = req.Tools
	}
	if req.Model != "" {
		childCfg.Model = req.Model
	}
	if a.cfg.Subagents.OverridePermission != nil {
		childCfg.Permission = *a.cfg.Subagents.OverridePermission
	}

	child, err := Create(ctx, childID, childCfg, a.deps, SkillsTemplateConfig{})
	if err != nil {
		return nil, err
	}
	child.lineage = lineage
	child.templateID = req.TemplateID

	var events <-chan models.EventEnvelope
	var unsub func()
	if req.StreamEvents {
		events, unsub, err = child.bus.Subscribe(ctx, nil, nil, nil)
		if err != nil {
			events, unsub = nil, nil
		}
	}

	spawn := &childSpawn{
		events: events,
		done:   make(chan struct{}),
		dispose: func() {
			if unsub != nil {
				unsub()
			}
			child.Dispose()
		},
	}

	go func() {
		result, runErr := child.RunAsync(ctx, req.Prompt)
		status := DelegateOK
		if result.StopReason == StopAwaiting {
			status = DelegatePaused
		}
		spawn.outcome = &childOutcome{
			result: &DelegateResult{Status: status, Text: result.Response, PermissionIDs: result.PermissionIDs, AgentID: childID},
			err:    runErr,
		}
		close(spawn.done)
	}()

	return spawn, nil
}

// Fork creates a snapshot at the agent's current safe-fork-point and
// persists it, for later use as a child agent's starting point.
func (a *Agent) Fork(ctx context.Context) (models.Snapshot, error) {
	a.mu.Lock()
	sfp := models.SafeForkPoint(a.messages)
	end := sfp + 1
	if end > len(a.messages) {
		end = len(a.messages)
	}
	msgs := append([]models.Message{}, a.messages[:end]...)
	a.mu.Unlock()

	snap := models.Snapshot{
		ID:           uuid.NewString(),
		Messages:     msgs,
		LastSFPIndex: sfp,
		LastBookmark: a.currentBookmark(),
		CreatedAt:    time.Now(),
		Metadata:     map[string]any{"stepCount": a.stepCount},
	}
	if a.deps.Store != nil {
		if err := a.deps.Store.SaveSnapshot(ctx, a.id, snap); err != nil {
			return models.Snapshot{}, NewError(KindStorage, "agent: failed to save snapshot").WithCause(err)
		}
	}
	return snap, nil
}
