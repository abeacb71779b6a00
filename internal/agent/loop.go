package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/core/pkg/models"
)

// ensureProcessing is the only way to start the singleton processing
// task. Idempotent and debounced: a caller never races another caller
// into starting two tasks for the same agent.
func (a *Agent) ensureProcessing(ctx context.Context) {
	a.procMu.Lock()

	if a.runID != "" {
		bp := a.sm.Breakpoint()
		if bp == models.BreakpointAwaitingApproval || bp == models.BreakpointToolExecuting {
			a.queued = true
			a.procMu.Unlock()
			return
		}
		if time.Since(a.heartbeat) < a.cfg.Loop.ProcessingTimeout {
			a.queued = true
			a.procMu.Unlock()
			return
		}
		// Stale heartbeat beyond the timeout: force-restart.
		stale := a.cancelFunc
		a.procMu.Unlock()
		a.bus.Publish(ctx, models.ChannelMonitor, models.EventError, map[string]any{
			"severity": "warn", "phase": "system", "message": "processing task heartbeat stale, restarting",
		})
		if stale != nil {
			stale()
		}
		a.procMu.Lock()
		a.runID = ""
	}

	if a.sm.State() != models.StateReady {
		a.procMu.Unlock()
		return
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	a.runID = runID
	a.cancelFunc = cancel
	a.heartbeat = time.Now()
	a.interrupt = false
	if a.doneCh == nil {
		a.doneCh = make(chan struct{})
	}
	a.lastErr = nil
	a.procMu.Unlock()

	go a.runLoop(runCtx, runID)
}

// runLoop is the processing task body: transitions to Working, loops
// stepOnce while Working && hasMoreSteps, and reruns itself if another
// caller queued a follow-up while it ran.
func (a *Agent) runLoop(ctx context.Context, runID string) {
	for {
		a.sm.SetState(ctx, models.StateWorking)

		for {
			a.touchHeartbeat()
			hasMore, err := a.stepOnce(ctx)
			if err != nil {
				a.procMu.Lock()
				a.lastErr = err
				a.procMu.Unlock()
				a.bus.Publish(ctx, models.ChannelMonitor, models.EventError, map[string]any{"severity": "error", "phase": "model", "err": err.Error()})
				break
			}
			a.procMu.Lock()
			current := a.runID == runID
			a.procMu.Unlock()
			if !current {
				return
			}
			if a.sm.State() != models.StateWorking || !hasMore {
				break
			}
		}

		if a.sm.State() != models.StatePaused {
			a.sm.SetBreakpoint(ctx, models.BreakpointReady)
			a.sm.SetState(ctx, models.StateReady)
		}

		a.procMu.Lock()
		if a.runID != runID {
			a.procMu.Unlock()
			return
		}
		if a.queued && a.sm.State() == models.StateReady {
			a.queued = false
			a.procMu.Unlock()
			continue
		}
		a.runID = ""
		a.queued = false
		done := a.doneCh
		a.doneCh = nil
		a.procMu.Unlock()
		if done != nil {
			close(done)
		}
		return
	}
}

// RunAsync is the caller-level entry point: enqueues input (if any),
// ensures the processing task is running, and blocks until that
// run (and any debounced follow-up) settles.
func (a *Agent) RunAsync(ctx context.Context, input string) (AgentRunResult, error) {
	if input != "" {
		a.Send(input, KindUserMessage, ReminderOptions{})
	}

	a.procMu.Lock()
	if a.doneCh == nil {
		a.doneCh = make(chan struct{})
	}
	done := a.doneCh
	a.procMu.Unlock()

	a.ensureProcessing(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		return AgentRunResult{Success: false, StopReason: StopCancelled}, ctx.Err()
	}

	return a.buildRunResult(), a.runError()
}

func (a *Agent) runError() error {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	return a.lastErr
}

func (a *Agent) buildRunResult() AgentRunResult {
	a.procMu.Lock()
	err := a.lastErr
	a.procMu.Unlock()

	if err != nil {
		return AgentRunResult{Success: false, StopReason: StopError}
	}

	bp := a.sm.Breakpoint()
	if bp == models.BreakpointAwaitingApproval {
		return AgentRunResult{Success: true, StopReason: StopAwaiting, PermissionIDs: a.perms.GetPendingApprovalIds()}
	}

	a.procMu.Lock()
	atCap := a.iterationCount >= a.cfg.Loop.MaxIterations
	a.procMu.Unlock()

	reason := StopEndTurn
	if atCap {
		reason = StopMaxIterations
	}

	var response string
	a.mu.Lock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == models.RoleAssistant {
			response = a.messages[i].TextOnly()
			break
		}
	}
	a.mu.Unlock()

	return AgentRunResult{Success: true, Response: response, StopReason: reason, TokenUsage: a.lastUsage}
}

// InterruptAsync seals non-terminal tool calls, cancels processing and
// active tools, and transitions to Ready.
func (a *Agent) InterruptAsync(ctx context.Context, note string) error {
	a.procMu.Lock()
	a.interrupt = true
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.procMu.Unlock()

	a.sealNonTerminal(ctx, "interrupt")
	a.sm.SetBreakpoint(ctx, models.BreakpointReady)
	a.sm.SetState(ctx, models.StateReady)
	return a.persistAll(ctx)
}

// stepOnce runs a single step of the processing loop. The phases are
// ordered: interrupt check, queue flush, iteration cap, defensive
// repair, compression, model call, tool batch, bookkeeping.
func (a *Agent) stepOnce(ctx context.Context) (bool, error) {
	stepStart := time.Now()

	// 1. Interrupt check.
	a.procMu.Lock()
	interrupted := a.interrupt
	a.procMu.Unlock()
	if interrupted {
		return false, nil
	}

	// 2. Flush queue.
	a.mu.Lock()
	a.messages = append(a.messages, a.queue.Flush()...)
	a.mu.Unlock()

	// 3. Iteration cap.
	a.procMu.Lock()
	overCap := a.iterationCount >= a.cfg.Loop.MaxIterations
	step := a.stepCount
	a.procMu.Unlock()
	if overCap {
		reason := "completed"
		if a.perms.PendingCount() > 0 {
			reason = "interrupted"
		}
		a.bus.Publish(ctx, models.ChannelProgress, models.EventDone, map[string]any{"step": step, "reason": reason})
		a.bumpStepCount(ctx, stepStart, true)
		return false, nil
	}

	// 4. Defensive repair.
	a.repairPass(ctx)

	// 5. Context compression.
	a.maybeCompress(ctx)
	a.repairPass(ctx)

	// 6. Pre-model.
	a.sm.SetBreakpoint(ctx, models.BreakpointPreModel)
	req := a.buildModelRequest(ctx)
	if err := a.deps.Hooks.PreModel(ctx, &req); err != nil {
		return false, err
	}

	// 7. Stream.
	a.sm.SetBreakpoint(ctx, models.BreakpointStreamingModel)
	assistantMsg, stop, usage, err := a.streamModel(ctx, req)
	if err != nil {
		return false, err
	}
	a.lastUsage = usage
	prom := runtimeMetricsInstance()
	prom.modelRequests.WithLabelValues(string(stop)).Inc()
	if usage.Total() > 0 {
		prom.modelTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
		prom.modelTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
		a.bus.Publish(ctx, models.ChannelMonitor, models.EventTokenUsage, map[string]any{
			"inputTokens": usage.InputTokens, "outputTokens": usage.OutputTokens, "totalTokens": usage.Total(),
		})
	}

	// 8. Append assistant message; hooks; persist.
	a.mu.Lock()
	a.messages = append(a.messages, assistantMsg)
	msgsCopy := append([]models.Message{}, a.messages...)
	a.mu.Unlock()
	if err := a.deps.Hooks.PostModel(ctx, &assistantMsg); err != nil {
		return false, err
	}
	a.deps.Hooks.MessagesChanged(ctx, msgsCopy)
	if err := a.persistAll(ctx); err != nil {
		a.bus.Publish(ctx, models.ChannelMonitor, models.EventStorageFailure, map[string]any{"err": err.Error()})
	}

	toolUses := assistantMsg.ToolUses()

	// 9. Tool processing.
	if len(toolUses) > 0 {
		a.sm.SetBreakpoint(ctx, models.BreakpointToolPending)
		outcome := a.runner.ProcessBatch(ctx, toolUses, a.sm, time.Now, a.queue.HasSteering)
		a.rememberRecords(outcome.Records)

		resultMsg := outcome.ResultMessage
		if outcome.Escalation.Nudge != "" {
			nudge := models.NewText(outcome.Escalation.Nudge)
			resultMsg.Content = append([]models.ContentBlock{nudge}, resultMsg.Content...)
		}
		a.procMu.Lock()
		a.nextRestriction = toolExposureRestriction{
			AllowlistOnly: outcome.Escalation.AllowlistOnly,
			SuppressAll:   outcome.Escalation.SuppressAll,
		}
		a.procMu.Unlock()

		a.mu.Lock()
		a.messages = append(a.messages, resultMsg)
		a.mu.Unlock()

		a.sm.SetBreakpoint(ctx, models.BreakpointPostTool)
		if err := a.persistAll(ctx); err != nil {
			a.bus.Publish(ctx, models.ChannelMonitor, models.EventStorageFailure, map[string]any{"err": err.Error()})
		}
		a.bumpStepCount(ctx, stepStart, false)
		return true, nil
	}

	// 10. No tool uses: a run that would otherwise stop here instead
	// continues if a follow-up message is waiting.
	if a.queue.HasFollowUp() {
		a.mu.Lock()
		a.messages = append(a.messages, a.queue.FlushFollowUps()...)
		a.mu.Unlock()
		a.sm.SetBreakpoint(ctx, models.BreakpointReady)
		a.bumpStepCount(ctx, stepStart, false)
		return true, nil
	}

	a.sm.SetBreakpoint(ctx, models.BreakpointReady)
	a.procMu.Lock()
	step = a.stepCount
	a.procMu.Unlock()
	a.bus.Publish(ctx, models.ChannelProgress, models.EventDone, map[string]any{"step": step, "reason": "completed"})
	a.bumpStepCount(ctx, stepStart, true)
	return stop == StopToolUse, nil
}

// bumpStepCount closes out a stepOnce pass and emits step_complete.
// iterationCount is incremented on every call; stepCount is incremented
// and the scheduler notified only when done is set, i.e. on the
// iteration-cap exit and the normal completion exit that emit `done`.
func (a *Agent) bumpStepCount(ctx context.Context, stepStart time.Time, done bool) {
	a.procMu.Lock()
	if done {
		a.stepCount++
	}
	a.iterationCount++
	step := a.stepCount
	a.procMu.Unlock()

	if done {
		a.scheduler.NotifyStep(ctx, 1)
	}
	a.bus.Publish(ctx, models.ChannelMonitor, models.EventStepComplete, map[string]any{
		"step": step, "durationMs": time.Since(stepStart).Milliseconds(),
	})
}

func (a *Agent) repairPass(ctx context.Context) {
	a.mu.Lock()
	msgs := append([]models.Message{}, a.messages...)
	records := map[string]*models.ToolCallRecord{}
	for id, r := range a.records {
		records[id] = r
	}
	a.mu.Unlock()

	sanitized, converted := sanitizeOrphanToolResults(msgs)
	if converted > 0 {
		a.bus.Publish(ctx, models.ChannelMonitor, models.EventContextRepair, map[string]any{
			"reason": "orphan_tool_result", "converted": converted,
		})
	}

	sealed, sealedSnaps := autoSealDanglingToolUses(sanitized, records, "step repair", time.Now())

	a.mu.Lock()
	a.messages = sealed
	for _, s := range sealedSnaps {
		if rec, ok := a.records[s.ID]; ok {
			*rec = s
		}
	}
	a.mu.Unlock()
}

func (a *Agent) maybeCompress(ctx context.Context) {
	a.mu.Lock()
	msgs := append([]models.Message{}, a.messages...)
	a.mu.Unlock()

	analysis := a.ctxMgr.Analyze(msgs)
	if !analysis.ShouldCompress {
		return
	}
	result, ok, err := a.ctxMgr.Compress(ctx, msgs)
	if err != nil || !ok {
		return
	}
	newMsgs := append([]models.Message{result.Summary}, result.RetainedMessages...)
	a.mu.Lock()
	a.messages = newMsgs
	a.mu.Unlock()
}

// buildModelRequest assembles the next ModelRequest, applying any
// pending tool-exposure restriction from the invalid-args escalation
// ladder (consumed once).
func (a *Agent) buildModelRequest(ctx context.Context) ModelRequest {
	a.procMu.Lock()
	restriction := a.nextRestriction
	a.nextRestriction = toolExposureRestriction{}
	a.procMu.Unlock()

	a.mu.Lock()
	msgs := append([]models.Message{}, a.messages...)
	a.mu.Unlock()

	var tools []models.ToolDescriptor
	var exposed []Tool
	if !restriction.SuppressAll {
		for _, t := range a.deps.Registry.List() {
			name := t.Name()
			if restriction.AllowlistOnly != "" && name != restriction.AllowlistOnly {
				continue
			}
			if !a.runner.allowAll && !a.runner.enabled[name] {
				continue
			}
			tools = append(tools, t.Descriptor())
			exposed = append(exposed, t)
		}
	}

	return ModelRequest{
		Model:          a.cfg.Model,
		Messages:       msgs,
		SystemPrompt:   a.systemPrompt(ctx, exposed),
		Tools:          tools,
		EnableThinking: a.cfg.Loop.ExposeThinking,
	}
}

// systemPrompt joins the discovered-skills block with the guidance
// blocks of any exposed tool that implements ToolPrompter.
func (a *Agent) systemPrompt(ctx context.Context, exposed []Tool) string {
	var parts []string
	if block := a.skillsMgr.PromptBlock(a.cfg.RecommendSkills); block != "" {
		parts = append(parts, block)
	}
	for _, t := range exposed {
		p, ok := t.(ToolPrompter)
		if !ok {
			continue
		}
		prompt, err := p.GetPrompt(ctx)
		if err != nil || prompt == "" {
			continue
		}
		parts = append(parts, prompt)
	}
	return strings.Join(parts, "\n\n")
}

// streamModel consumes the provider's stream, aggregating text/thinking/
// tool-use blocks and emitting progress chunk events.
func (a *Agent) streamModel(ctx context.Context, req ModelRequest) (models.Message, StopReason, TokenUsage, error) {
	ch, err := a.deps.Provider.Stream(ctx, req)
	if err != nil {
		return models.Message{}, "", TokenUsage{}, err
	}

	var content []models.ContentBlock
	var textBuf, thinkBuf strings.Builder
	textOpen, thinkOpen := false, false

	type toolAccum struct {
		name  string
		input strings.Builder
	}
	toolOrder := []string{}
	tools := map[string]*toolAccum{}

	stop := StopEndTurn
	usage := TokenUsage{}

	for chunk := range ch {
		if chunk.Err != nil {
			return models.Message{}, "", TokenUsage{}, chunk.Err
		}
		switch chunk.Type {
		case ChunkTextDelta:
			if !textOpen {
				a.bus.Publish(ctx, models.ChannelProgress, models.EventTextChunkStart, nil)
				textOpen = true
			}
			textBuf.WriteString(chunk.TextDelta)
			a.bus.Publish(ctx, models.ChannelProgress, models.EventTextChunk, map[string]any{"text": chunk.TextDelta})
		case ChunkThinkingDelta:
			if !req.EnableThinking {
				continue
			}
			if !thinkOpen {
				a.bus.Publish(ctx, models.ChannelProgress, models.EventThinkChunkStart, nil)
				thinkOpen = true
			}
			thinkBuf.WriteString(chunk.TextDelta)
			a.bus.Publish(ctx, models.ChannelProgress, models.EventThinkChunk, map[string]any{"text": chunk.TextDelta})
		case ChunkToolUseStart:
			tools[chunk.ToolUseID] = &toolAccum{name: chunk.ToolName}
			toolOrder = append(toolOrder, chunk.ToolUseID)
		case ChunkToolUseInputDelta:
			if t, ok := tools[chunk.ToolUseID]; ok {
				t.input.WriteString(chunk.InputDelta)
			}
		case ChunkToolUseComplete:
			// Input is fully accumulated; block is emitted after the loop.
		case ChunkMessageStop:
			stop = chunk.StopReason
			usage = chunk.Usage
		}
	}

	if textOpen {
		a.bus.Publish(ctx, models.ChannelProgress, models.EventTextChunkEnd, nil)
		content = append(content, models.NewText(textBuf.String()))
	}
	if thinkOpen {
		a.bus.Publish(ctx, models.ChannelProgress, models.EventThinkChunkEnd, nil)
		content = append(content, models.NewThinking(thinkBuf.String()))
	}
	for _, id := range toolOrder {
		t := tools[id]
		input := t.input.String()
		if input == "" {
			input = "{}"
		}
		content = append(content, models.NewToolUse(id, t.name, json.RawMessage(input)))
	}

	return models.Message{Role: models.RoleAssistant, Content: content}, stop, usage, nil
}
