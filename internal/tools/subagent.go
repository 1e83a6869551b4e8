package tools

import (
	"context"
	"fmt"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

// SubAgentPrompt is the system prompt for delegated research runs.
const SubAgentPrompt = `You are a ComfyUI research assistant. Your job is to investigate a specific question about ComfyUI nodes, models, or workflows and return a clear, concise answer.

You have access to read-only ComfyUI tools. Use them to gather information, then provide your findings as a final text response.

Rules:
- Be concise — your output will be fed back to the main agent as context
- Do NOT attempt to queue prompts or modify anything
- Focus on answering the specific question asked
- If you can't find the answer, say so clearly`

// ChildSessions creates isolated sessions for sub-agent runs.
type ChildSessions interface {
	CreateChild(parentID, title string) (string, error)
}

// TaskRunner executes a delegated task inside a child session and returns
// the sub-agent's final text.
type TaskRunner func(ctx context.Context, childSessionID, task string) (string, error)

// Delegate hands an exploration task to a child agent that runs with a
// read-only tool set and a smaller iteration budget.
type Delegate struct {
	sessions ChildSessions
	bus      *events.Bus
	run      TaskRunner
}

// NewDelegate wires the delegation tool. run is supplied by the agent layer
// to avoid a dependency cycle.
func NewDelegate(sessions ChildSessions, bus *events.Bus, run TaskRunner) *Delegate {
	return &Delegate{sessions: sessions, bus: bus, run: run}
}

func (t *Delegate) Info() Info {
	return Info{
		Name: "delegate_task",
		Description: "Delegate a research or exploration task to a sub-agent. " +
			"The sub-agent has read-only access to ComfyUI tools " +
			"(search_nodes, get_node_detail, get_connectable, list_models, system_stats). " +
			"Use this for complex investigations that require multiple tool calls, " +
			"so you can continue focusing on the main task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "A clear description of what to investigate.",
				},
			},
			"required": []any{"task"},
		},
	}
}

func (t *Delegate) Run(ctx context.Context, params map[string]any) Result {
	task, _ := params["task"].(string)
	if task == "" {
		return Errorf("task parameter is required")
	}

	title := task
	if len(title) > 50 {
		title = title[:50]
	}
	childID, err := t.sessions.CreateChild("subagent", "Sub-agent: "+title)
	if err != nil {
		return Errorf("Sub-agent failed: %v", err)
	}

	if t.bus != nil {
		t.bus.Publish(events.New(events.SubagentStart, childID, map[string]any{
			"task":             task,
			"child_session_id": childID,
		}))
	}

	text, err := t.run(ctx, childID, task)
	preview := text
	if err != nil {
		preview = fmt.Sprintf("Error: %v", err)
	}
	if len(preview) > 200 {
		preview = preview[:200]
	}
	if t.bus != nil {
		t.bus.Publish(events.New(events.SubagentEnd, childID, map[string]any{
			"result_preview": preview,
		}))
	}

	if err != nil {
		return Errorf("Sub-agent failed: %v", err)
	}
	return OK(Truncate(text))
}
