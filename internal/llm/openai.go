package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// OpenAIProvider streams chat completions from an OpenAI-compatible endpoint.
// It exists for gateways and local servers that speak the OpenAI wire format.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIProvider builds a provider against api.openai.com or, when
// baseURL is set, any compatible server.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string, logger *slog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  defaultModel,
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request, stream StreamEvents) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    p.convertMessages(req.System, req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	for _, tool := range req.Tools {
		params, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, p.wrapError(fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err))
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}

	sse, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err)
	}
	defer sse.Close()

	var (
		text       strings.Builder
		usage      models.Usage
		stopReason string
		// tool calls accumulate by stream index
		toolIDs    = map[int]string{}
		toolNames  = map[int]string{}
		toolArgs   = map[int]*strings.Builder{}
		maxToolIdx = -1
	)

	for {
		chunk, err := sse.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrapError(err)
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			stream.text(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxToolIdx {
				maxToolIdx = idx
			}
			if tc.ID != "" {
				toolIDs[idx] = tc.ID
			}
			if tc.Function.Name != "" && toolNames[idx] == "" {
				toolNames[idx] = tc.Function.Name
				stream.toolCallStart(toolIDs[idx], tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				if toolArgs[idx] == nil {
					toolArgs[idx] = &strings.Builder{}
				}
				toolArgs[idx].WriteString(tc.Function.Arguments)
				stream.toolCallDelta(tc.Function.Arguments)
			}
		}
	}

	var toolCalls []models.ToolCall
	for idx := 0; idx <= maxToolIdx; idx++ {
		name := toolNames[idx]
		if name == "" {
			continue
		}
		args := ""
		if toolArgs[idx] != nil {
			args = toolArgs[idx].String()
		}
		toolCalls = append(toolCalls, models.ToolCall{
			ID:    toolIDs[idx],
			Name:  name,
			Input: parseToolInput(args),
		})
	}

	stream.stop(stopReason)
	return &Response{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		Usage:      usage,
		StopReason: stopReason,
	}, nil
}

// convertMessages flattens our block-based messages into OpenAI chat
// messages: tool_use blocks become assistant tool_calls, tool_result blocks
// become role=tool messages.
func (p *OpenAIProvider) convertMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		if msg.IsPlainText() {
			role := openai.ChatMessageRoleUser
			if msg.Role == models.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Text})
			continue
		}

		if msg.Role == models.RoleAssistant {
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					m.Content += block.Text
				case models.BlockToolUse:
					args, _ := json.Marshal(block.Input)
					m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
						ID:   block.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.Name,
							Arguments: string(args),
						},
					})
				}
			}
			out = append(out, m)
			continue
		}

		// User message with blocks: tool results become tool messages, text
		// stays a user message.
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockToolResult:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: block.ToolUseID,
					Content:    block.Content,
				})
			case models.BlockText:
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: block.Text,
				})
			}
		}
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error) error {
	perr := &ProviderError{Provider: "openai", Err: err}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr.StatusCode = apiErr.HTTPStatusCode
	}
	return perr
}

var _ Provider = (*OpenAIProvider)(nil)
