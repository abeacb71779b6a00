package agent

import (
	"context"
	"sync"

	"github.com/agentrt/core/pkg/models"
)

// runtimeStateMachine owns the two orthogonal states (RuntimeState and
// Breakpoint) and emits state_changed / breakpoint_changed to the
// monitor channel on every transition. Transitions to the same state
// are no-ops.
type runtimeStateMachine struct {
	mu         sync.Mutex
	state      models.RuntimeState
	breakpoint models.Breakpoint
	bus        *EventBus
}

func newRuntimeStateMachine(bus *EventBus, state models.RuntimeState, bp models.Breakpoint) *runtimeStateMachine {
	return &runtimeStateMachine{state: state, breakpoint: bp, bus: bus}
}

func (m *runtimeStateMachine) State() models.RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *runtimeStateMachine) Breakpoint() models.Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakpoint
}

// SetState transitions RuntimeState, emitting state_changed unless the
// new state equals the current one.
func (m *runtimeStateMachine) SetState(ctx context.Context, s models.RuntimeState) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, models.ChannelMonitor, models.EventStateChanged, map[string]any{
			"from": string(prev), "to": string(s),
		})
	}
}

// SetBreakpoint transitions Breakpoint, emitting breakpoint_changed
// unless the new breakpoint equals the current one.
func (m *runtimeStateMachine) SetBreakpoint(ctx context.Context, bp models.Breakpoint) {
	m.mu.Lock()
	prev := m.breakpoint
	if prev == bp {
		m.mu.Unlock()
		return
	}
	m.breakpoint = bp
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, models.ChannelMonitor, models.EventBreakpointChanged, map[string]any{
			"from": string(prev), "to": string(bp),
		})
	}
}

// Snapshot returns the current (state, breakpoint) pair for persistence.
func (m *runtimeStateMachine) Snapshot() (models.RuntimeState, models.Breakpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.breakpoint
}
