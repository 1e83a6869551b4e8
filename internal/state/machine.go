// Package state tracks the agent's conversational phase as a Mealy machine.
// Transitions are driven by state.* events; inputs with no entry in the
// transition table leave the state unchanged.
package state

import (
	"log/slog"
	"sync"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

// AgentState is one phase of the conversation loop.
type AgentState string

const (
	Idle               AgentState = "idle"
	Thinking           AgentState = "thinking"
	Responding         AgentState = "responding"
	PlanningTool       AgentState = "planning_tool"
	AwaitingToolResult AgentState = "awaiting_tool_result"
	Error              AgentState = "error"
)

type transitionKey struct {
	from  AgentState
	input events.Type
}

// State flow:
//
//	idle → thinking → responding → idle
//	           ↓
//	  planning_tool → awaiting_tool_result → thinking → ...
var transitions = map[transitionKey]AgentState{
	{Idle, events.StateConversationStart}: Thinking,

	{Thinking, events.StateResponding}: Responding,

	{Thinking, events.StateToolPlanned}:   PlanningTool,
	{Responding, events.StateToolPlanned}: PlanningTool,

	{PlanningTool, events.StateToolExecuting}: AwaitingToolResult,

	{AwaitingToolResult, events.StateToolCompleted}: Thinking,
	{AwaitingToolResult, events.StateToolFailed}:    Thinking,

	{Responding, events.StateConversationEnd}: Idle,
	{Thinking, events.StateConversationEnd}:   Idle,

	{Thinking, events.StateError}:           Error,
	{Responding, events.StateError}:         Error,
	{PlanningTool, events.StateError}:       Error,
	{AwaitingToolResult, events.StateError}: Error,

	{Error, events.StateConversationEnd}: Idle,
}

// Change describes one observed transition.
type Change struct {
	From  AgentState
	To    AgentState
	Input events.Type
}

// ChangeHandler observes transitions. Panics are contained.
type ChangeHandler func(Change)

// Machine is a per-session state machine. It publishes state.changed on the
// bus for every real transition; self-transitions and unknown inputs are
// silent no-ops.
type changeSub struct {
	id int
	fn ChangeHandler
}

type Machine struct {
	mu        sync.Mutex
	state     AgentState
	sessionID string
	bus       *events.Bus
	handlers  []changeSub
	nextSub   int
	logger    *slog.Logger
}

// NewMachine creates a machine in the idle state. bus may be nil when the
// machine is used standalone (tests, sub-agents).
func NewMachine(sessionID string, bus *events.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{state: Idle, sessionID: sessionID, bus: bus, logger: logger}
}

// State returns the current state.
func (m *Machine) State() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle feeds one input event into the machine and returns the resulting
// state. Listeners are notified only when the state actually changes.
func (m *Machine) Handle(input events.Type) AgentState {
	m.mu.Lock()
	next, ok := transitions[transitionKey{m.state, input}]
	if !ok || next == m.state {
		cur := m.state
		m.mu.Unlock()
		return cur
	}
	change := Change{From: m.state, To: next, Input: input}
	m.state = next
	handlers := make([]changeSub, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Debug("state transition",
		"from", string(change.From), "to", string(change.To), "input", string(input))

	for _, sub := range handlers {
		m.notify(sub.fn, change)
	}
	if m.bus != nil {
		m.bus.Publish(events.New(events.StateChanged, m.sessionID, map[string]any{
			"from": string(change.From),
			"to":   string(change.To),
		}))
	}
	return next
}

func (m *Machine) notify(h ChangeHandler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state change handler panicked", "panic", r)
		}
	}()
	h(c)
}

// OnChange subscribes to transitions; the returned function unsubscribes.
func (m *Machine) OnChange(h ChangeHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.handlers = append(m.handlers, changeSub{id: id, fn: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.handlers {
			if sub.id == id {
				m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// Reset forces the machine back to idle without notifying listeners.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Idle
}
