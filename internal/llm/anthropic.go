package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// AnthropicProvider streams chat completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicProvider builds a provider. baseURL is optional and supports
// API-compatible gateways.
func NewAnthropicProvider(apiKey, baseURL, defaultModel string, logger *slog.Logger) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  defaultModel,
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat implements Provider. The stream is consumed to completion; text and
// thinking deltas are forwarded as they arrive, and tool calls are assembled
// from partial JSON fragments.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request, stream StreamEvents) (*Response, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, p.wrapError(err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, p.wrapError(err)
		}
		params.Tools = tools
	}

	sse := p.client.Messages.NewStreaming(ctx, params)
	defer sse.Close()

	var (
		text        strings.Builder
		toolCalls   []models.ToolCall
		currentTool *models.ToolCall
		toolInput   strings.Builder
		usage       models.Usage
		stopReason  string
	)

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				stream.toolCallStart(use.ID, use.Name)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					stream.text(delta.Text)
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					stream.thinking(delta.Thinking)
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					stream.toolCallDelta(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Input = parseToolInput(toolInput.String())
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			stream.stop(stopReason)
			return &Response{
				Text:       text.String(),
				ToolCalls:  toolCalls,
				Usage:      usage,
				StopReason: stopReason,
			}, nil
		}
	}

	if err := sse.Err(); err != nil {
		return nil, p.wrapError(err)
	}
	// Stream ended without message_stop; return what we have.
	stream.stop(stopReason)
	return &Response{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		Usage:      usage,
		StopReason: stopReason,
	}, nil
}

func parseToolInput(raw string) map[string]any {
	input := map[string]any{}
	if raw == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		// Keep the raw fragment so the tool can report a useful error.
		return map[string]any{"_raw": raw}
	}
	return input
}

func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.IsPlainText() {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		} else {
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					content = append(content, anthropic.NewTextBlock(block.Text))
				case models.BlockToolUse:
					content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
				case models.BlockToolResult:
					content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
				default:
					return nil, fmt.Errorf("unsupported content block type %q", block.Type)
				}
			}
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// wrapError maps SDK failures into ProviderError, extracting the HTTP status
// and any Retry-After hint for the retry layer.
func (p *AnthropicProvider) wrapError(err error) error {
	perr := &ProviderError{Provider: "anthropic", Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr.StatusCode = apiErr.StatusCode
		if apiErr.Response != nil {
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
					perr.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
	}
	return perr
}

var _ Provider = (*AnthropicProvider)(nil)
