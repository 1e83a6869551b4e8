package state

import (
	"testing"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

func TestFullToolRoundTrip(t *testing.T) {
	m := NewMachine("s1", nil, nil)

	steps := []struct {
		input events.Type
		want  AgentState
	}{
		{events.StateConversationStart, Thinking},
		{events.StateToolPlanned, PlanningTool},
		{events.StateToolExecuting, AwaitingToolResult},
		{events.StateToolCompleted, Thinking},
		{events.StateResponding, Responding},
		{events.StateConversationEnd, Idle},
	}
	for _, step := range steps {
		if got := m.Handle(step.input); got != step.want {
			t.Fatalf("after %s: expected %s, got %s", step.input, step.want, got)
		}
	}
}

func TestUnknownInputIsNoOp(t *testing.T) {
	m := NewMachine("s1", nil, nil)
	if got := m.Handle(events.StateToolCompleted); got != Idle {
		t.Fatalf("unknown transition must keep state, got %s", got)
	}
}

func TestErrorRecovery(t *testing.T) {
	m := NewMachine("s1", nil, nil)
	m.Handle(events.StateConversationStart)
	if got := m.Handle(events.StateError); got != Error {
		t.Fatalf("expected error state, got %s", got)
	}
	if got := m.Handle(events.StateConversationEnd); got != Idle {
		t.Fatalf("expected idle after recovery, got %s", got)
	}
}

func TestNotifyOnlyOnChange(t *testing.T) {
	m := NewMachine("s1", nil, nil)
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })

	m.Handle(events.StateToolCompleted)      // no-op from idle
	m.Handle(events.StateConversationStart)  // idle → thinking
	m.Handle(events.StateConversationStart)  // no-op

	if len(changes) != 1 {
		t.Fatalf("expected exactly 1 change notification, got %d", len(changes))
	}
	if changes[0].From != Idle || changes[0].To != Thinking {
		t.Fatalf("unexpected change %+v", changes[0])
	}
}

func TestHandlerPanicContained(t *testing.T) {
	m := NewMachine("s1", nil, nil)
	m.OnChange(func(c Change) { panic("boom") })
	got := m.Handle(events.StateConversationStart)
	if got != Thinking {
		t.Fatalf("panicking handler must not affect transition, got %s", got)
	}
}

func TestPublishesStateChanged(t *testing.T) {
	bus := events.NewBus(10, nil)
	var seen []events.Event
	bus.Subscribe(events.StateChanged, func(ev events.Event) { seen = append(seen, ev) })

	m := NewMachine("s9", bus, nil)
	m.Handle(events.StateConversationStart)

	if len(seen) != 1 {
		t.Fatalf("expected one state.changed event, got %d", len(seen))
	}
	if seen[0].SessionID != "s9" || seen[0].Data["to"] != "thinking" {
		t.Fatalf("unexpected event %+v", seen[0])
	}
}
