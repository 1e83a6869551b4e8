// Package events defines the runtime event taxonomy and an in-process
// publish/subscribe bus. Every component communicates through the bus rather
// than calling peers directly, so interfaces and learners can observe the
// whole agent without coupling to it.
package events

import "time"

// Type names an event. The taxonomy uses dotted prefixes so subscribers can
// match whole families (e.g. "stream." or "comfyui.").
type Type string

const (
	// LLM streaming lifecycle.
	StreamTextDelta     Type = "stream.text_delta"
	StreamThinking      Type = "stream.thinking"
	StreamToolCallStart Type = "stream.tool_call_start"
	StreamToolCallDelta Type = "stream.tool_call_delta"
	StreamMessageStop   Type = "stream.message_stop"

	// Agent state machine. The state.* inputs below drive transitions;
	// state.changed reports the result.
	StateChanged           Type = "state.changed"
	StateConversationStart Type = "state.conversation_start"
	StateConversationEnd   Type = "state.conversation_end"
	StateResponding        Type = "state.responding"
	StateToolPlanned       Type = "state.tool_planned"
	StateToolExecuting     Type = "state.tool_executing"
	StateToolStarted       Type = "state.tool_started"
	StateToolCompleted     Type = "state.tool_completed"
	StateToolFailed        Type = "state.tool_failed"
	StateThinking          Type = "state.thinking"
	StateError             Type = "state.error"

	// Conversation messages.
	MessageUser       Type = "message.user"
	MessageAssistant  Type = "message.assistant"
	MessageToolResult Type = "message.tool_result"
	MessageFinal      Type = "message.final"

	// Turn lifecycle.
	TurnStart Type = "turn.start"
	TurnEnd   Type = "turn.end"

	// Workflow and context management.
	WorkflowSubmitted Type = "workflow.submitted"
	ContextSummarized Type = "context.summarized"
	LLMRetry          Type = "llm.retry"

	// Sub-agent delegation.
	SubagentStart Type = "subagent.start"
	SubagentEnd   Type = "subagent.end"

	// Backend execution progress, relayed from the ComfyUI websocket.
	ComfyProgress  Type = "comfyui.progress"
	ComfyExecuting Type = "comfyui.executing"
	ComfyExecuted  Type = "comfyui.executed"
	ComfyError     Type = "comfyui.execution_error"
	ComfyStatus    Type = "comfyui.status"
	ComfyPreview   Type = "comfyui.preview"
)

// Event is a single bus notification.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(t Type, sessionID string, data map[string]any) Event {
	return Event{Type: t, Data: data, SessionID: sessionID, Timestamp: time.Now()}
}
