package gateway

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const maxToolResultPreview = 500

// ChatTool is a tool invocation as the frontend renders it.
type ChatTool struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChatBlock is one rendered segment of a chat message: text or a tool card.
type ChatBlock struct {
	Kind string    `json:"kind"`
	Text string    `json:"text,omitempty"`
	Tool *ChatTool `json:"tool,omitempty"`
}

// ChatMessage is the frontend's message shape.
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	ToolCalls []*ChatTool `json:"toolCalls"`
	Blocks    []ChatBlock `json:"blocks"`
	Timestamp int64       `json:"timestamp"`
}

// ChatItem wraps a message for the frontend's history list.
type ChatItem struct {
	Kind string       `json:"kind"`
	Data *ChatMessage `json:"data"`
}

// MessagesToChatItems converts stored wire-format messages into the
// frontend's ChatItem history.
//
// The store keeps the model's view: assistant messages with tool_use blocks,
// followed by a user-role message carrying the tool_result blocks. The
// frontend wants one agent message per turn with results attached to the
// tool cards, so carriers fold into the preceding agent message instead of
// appearing as items.
func MessagesToChatItems(messages []models.Message) []ChatItem {
	items := make([]ChatItem, 0, len(messages))
	var current *ChatMessage

	flush := func() {
		if current != nil {
			items = append(items, ChatItem{Kind: "message", Data: current})
			current = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			if msg.IsToolResultCarrier() {
				if current != nil {
					attachToolResults(current, msg.Blocks)
				}
				continue
			}
			flush()
			items = append(items, ChatItem{Kind: "message", Data: userChatMessage(msg.JoinedText())})
		case models.RoleAssistant:
			flush()
			current = agentChatMessage(msg)
		}
	}
	flush()
	return items
}

func userChatMessage(text string) *ChatMessage {
	return &ChatMessage{
		ID:        uid(),
		Role:      "user",
		Content:   text,
		ToolCalls: []*ChatTool{},
		Blocks:    []ChatBlock{{Kind: "text", Text: text}},
	}
}

func agentChatMessage(msg models.Message) *ChatMessage {
	out := &ChatMessage{
		ID:        uid(),
		Role:      "agent",
		ToolCalls: []*ChatTool{},
		Blocks:    []ChatBlock{},
	}
	var textParts []string

	if msg.IsPlainText() {
		out.Blocks = append(out.Blocks, ChatBlock{Kind: "text", Text: msg.Text})
		textParts = append(textParts, msg.Text)
	}
	for _, block := range msg.Blocks {
		switch block.Type {
		case models.BlockText:
			out.Blocks = append(out.Blocks, ChatBlock{Kind: "text", Text: block.Text})
			textParts = append(textParts, block.Text)
		case models.BlockToolUse:
			tool := &ChatTool{
				ID:     block.ID,
				Name:   toolDisplayName(block),
				Status: "completed",
			}
			out.ToolCalls = append(out.ToolCalls, tool)
			out.Blocks = append(out.Blocks, ChatBlock{Kind: "tool", Tool: tool})
		}
	}

	out.Content = strings.Join(textParts, "\n")
	return out
}

// toolDisplayName prefers the dispatched action over the dispatcher name, so
// the frontend shows "queue_prompt" instead of "comfyui_execute".
func toolDisplayName(block models.ContentBlock) string {
	if action, ok := block.Input["action"].(string); ok && action != "" {
		return action
	}
	if block.Name != "" {
		return block.Name
	}
	return "unknown"
}

func attachToolResults(agent *ChatMessage, blocks []models.ContentBlock) {
	for _, block := range blocks {
		if block.Type != models.BlockToolResult {
			continue
		}
		preview := block.Content
		if len(preview) > maxToolResultPreview {
			preview = preview[:maxToolResultPreview]
		}
		for _, tool := range agent.ToolCalls {
			if tool.ID != block.ToolUseID {
				continue
			}
			tool.Result = preview
			if block.IsError {
				tool.Status = "failed"
				tool.Error = preview
			}
			break
		}
	}
}

func uid() string {
	return uuid.NewString()[:8]
}
