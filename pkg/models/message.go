// Package models defines the shared conversation types used across the agent:
// messages, content blocks, tool calls, and sessions. Messages are stored and
// sent to the LLM in the same block-based wire format.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a structured message body. Exactly one
// variant is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single conversation entry. Content is either a plain string
// (simple user or assistant text) or a list of blocks for structured bodies.
type Message struct {
	ID     int64          `json:"id,omitempty"`
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// UserText builds a plain text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantText builds a plain text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// AssistantBlocks builds an assistant message with structured content.
func AssistantBlocks(blocks []ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResultCarrier builds the user-role message that carries tool results
// back to the model after a batch of tool calls.
func ToolResultCarrier(results []ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: results}
}

// IsPlainText reports whether the message body is a bare string.
func (m Message) IsPlainText() bool {
	return len(m.Blocks) == 0
}

// IsToolResultCarrier reports whether this is a user-role message whose
// content is a list of tool_result blocks.
func (m Message) IsToolResultCarrier() bool {
	if m.Role != RoleUser || len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// ToolUses returns the tool_use blocks of the message, if any.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// JoinedText concatenates all text content of the message.
func (m Message) JoinedText() string {
	if m.IsPlainText() {
		return m.Text
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// EncodeContent serializes the message body for storage. Plain text is stored
// as-is; structured content is stored as a JSON array of blocks.
func (m Message) EncodeContent() (string, error) {
	if m.IsPlainText() {
		return m.Text, nil
	}
	data, err := json.Marshal(m.Blocks)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeContent restores a message body from its stored form. Content that
// parses as a JSON block array becomes structured content; everything else is
// plain text.
func DecodeContent(role Role, raw string) Message {
	msg := Message{Role: role, Text: raw}
	if len(raw) > 0 && raw[0] == '[' {
		var blocks []ContentBlock
		if err := json.Unmarshal([]byte(raw), &blocks); err == nil && len(blocks) > 0 && blocks[0].Type != "" {
			msg.Text = ""
			msg.Blocks = blocks
		}
	}
	return msg
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// DisplayName resolves the user-facing name of the call. Dispatcher tools
// route on an "action" parameter; when present, the action is the name shown.
func (c ToolCall) DisplayName() string {
	if v, ok := c.Input["action"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.Name
}

// Usage is token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Session is one conversation thread. Child sessions (sub-agent delegations)
// carry a non-empty ParentSessionID and are hidden from session lists.
type Session struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ParentSessionID  string    `json:"parent_session_id,omitempty"`
	SummaryMessageID int64     `json:"summary_message_id,omitempty"`
	TotalInput       int       `json:"total_input_tokens"`
	TotalOutput      int       `json:"total_output_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
