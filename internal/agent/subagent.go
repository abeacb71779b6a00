package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentrt/core/pkg/models"
)

// DelegateRequest is what DelegateTask accepts.
type DelegateRequest struct {
	TemplateID   string
	Prompt       string
	Tools        []string // nil: inherit parent's enabled tools
	Model        string   // "": inherit parent's model
	CallID       string
	StreamEvents bool // when true, forwards child events as subagent.* monitor events; the zero value forwards none
}

// DelegateStatus is the outcome DelegateTask reports once the child
// stops (completed or paused on an approval).
type DelegateStatus string

const (
	DelegateOK     DelegateStatus = "ok"
	DelegatePaused DelegateStatus = "paused"
)

// DelegateResult is what DelegateTask returns.
type DelegateResult struct {
	Status        DelegateStatus
	Text          string
	PermissionIDs []string
	AgentID       string
}

// childOutcome is the result of a child agent's run, set once before
// childSpawn.done is closed.
type childOutcome struct {
	result *DelegateResult
	err    error
}

// childSpawn is a child agent started by childFactory. RunAsync runs in
// its own goroutine from the moment childFactory returns; events carries
// the child's live event subscription (nil unless StreamEvents), and
// done is closed once the child's run completes, at which point outcome
// is safe to read (its write happens-before the close).
type childSpawn struct {
	events  <-chan models.EventEnvelope
	done    chan struct{}
	outcome *childOutcome
	dispose func()
}

// childFactory constructs and starts a child agent for delegation. The
// concrete Agent type supplies this via NewDelegator so subagent.go has
// no import-cycle-prone dependency on agent.go's Agent type.
type childFactory func(ctx context.Context, childID string, req DelegateRequest, lineage []string) (*childSpawn, error)

// Delegator spawns child agents with inherited configuration and
// forwards their events to the parent as monitor-channel events.
// Recursion is bounded by maxDepth.
type Delegator struct {
	mu       sync.Mutex
	parentID string
	lineage  []string
	maxDepth int
	bus      *EventBus
	spawn    childFactory
}

// NewDelegator constructs a delegator for one agent. lineage is the
// parent's own lineage plus its own id, so children refer to ancestors
// only by id, never by pointer.
func NewDelegator(parentID string, lineage []string, maxDepth int, bus *EventBus, spawn childFactory) *Delegator {
	return &Delegator{parentID: parentID, lineage: lineage, maxDepth: maxDepth, bus: bus, spawn: spawn}
}

// DelegateTask spawns a child agent and waits for it to finish.
// If StreamEvents is set, the child's progress/control events are
// forwarded as subagent.* monitor events concurrently with the child's
// run, not drained after the fact — a child that emits more events than
// its subscription buffer holds would otherwise lose the overflow
// silently before the parent ever saw it.
func (d *Delegator) DelegateTask(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	if len(d.lineage)+1 > d.maxDepth {
		return nil, fmt.Errorf("agent: sub-agent depth %d exceeds configured limit %d", len(d.lineage)+1, d.maxDepth)
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	childID := uuid.NewString()
	childLineage := append(append([]string{}, d.lineage...), d.parentID)

	spawn, err := d.spawn(ctx, childID, req, childLineage)
	if err != nil {
		return nil, err
	}
	defer spawn.dispose()

	if req.StreamEvents && spawn.events != nil && d.bus != nil {
		d.forward(ctx, spawn.events, spawn.done)
	} else {
		<-spawn.done
	}

	return spawn.outcome.result, spawn.outcome.err
}

// forward relays the child's events as subagent.* monitor events while
// the child runs, then drains whatever is already buffered once done
// fires before returning. The child's subscription channel is never
// closed by unsubscribing, so forward must stop on the done signal
// rather than ranging over events.
func (d *Delegator) forward(ctx context.Context, events <-chan models.EventEnvelope, done <-chan struct{}) {
	for {
		select {
		case env := <-events:
			d.relay(ctx, env)
		case <-done:
			for {
				select {
				case env := <-events:
					d.relay(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (d *Delegator) relay(ctx context.Context, env models.EventEnvelope) {
	kind := subagentEventType(env.Event)
	if kind == "" {
		return
	}
	d.bus.Publish(ctx, models.ChannelMonitor, kind, map[string]any{
		"childEvent": env.Event.Type,
		"payload":    env.Event.Payload,
	})
}

func subagentEventType(e models.AgentEvent) string {
	switch e.Type {
	case models.EventTextChunk, models.EventTextChunkStart, models.EventTextChunkEnd:
		return models.EventSubagentDelta
	case models.EventThinkChunk, models.EventThinkChunkStart, models.EventThinkChunkEnd:
		return models.EventSubagentThinking
	case models.EventToolStart:
		return models.EventSubagentToolStart
	case models.EventToolEnd:
		return models.EventSubagentToolEnd
	case models.EventPermissionRequired:
		return models.EventSubagentPermission
	default:
		return ""
	}
}
