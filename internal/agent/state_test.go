package agent

import (
	"context"
	"testing"

	"github.com/agentrt/core/pkg/models"
)

func TestRuntimeStateMachine_NoEventOnSameState(t *testing.T) {
	bus := NewEventBus("agent-1", nil, nil)
	sm := newRuntimeStateMachine(bus, models.StateReady, models.BreakpointReady)

	ch, cancel, err := bus.Subscribe(context.Background(), []models.Channel{models.ChannelMonitor}, nil, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	sm.SetState(context.Background(), models.StateReady)
	select {
	case env := <-ch:
		t.Fatalf("expected no event for a no-op transition, got %v", env.Event.Type)
	default:
	}

	sm.SetState(context.Background(), models.StateWorking)
	select {
	case env := <-ch:
		if env.Event.Type != models.EventStateChanged {
			t.Errorf("expected state_changed, got %s", env.Event.Type)
		}
	default:
		t.Fatal("expected an event for a real transition")
	}
}

func TestRuntimeStateMachine_Snapshot(t *testing.T) {
	sm := newRuntimeStateMachine(nil, models.StateReady, models.BreakpointReady)
	sm.SetBreakpoint(context.Background(), models.BreakpointPreModel)

	state, bp := sm.Snapshot()
	if state != models.StateReady {
		t.Errorf("state = %v, want Ready", state)
	}
	if bp != models.BreakpointPreModel {
		t.Errorf("breakpoint = %v, want PreModel", bp)
	}
}
