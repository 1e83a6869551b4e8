// Package llm adapts model providers behind one streaming interface. The
// agent talks to a retrying Client; the Anthropic and OpenAI-compatible
// providers translate between our block-based messages and each wire format.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// ToolSchema describes one tool exposed to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Request is one chat completion call.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// StreamEvents carries optional streaming callbacks. Nil funcs are skipped.
type StreamEvents struct {
	OnText          func(delta string)
	OnThinking      func(delta string)
	OnToolCallStart func(toolID, toolName string)
	OnToolCallDelta func(partialJSON string)
	OnStop          func(stopReason string)
}

func (s StreamEvents) text(delta string) {
	if s.OnText != nil {
		s.OnText(delta)
	}
}

func (s StreamEvents) thinking(delta string) {
	if s.OnThinking != nil {
		s.OnThinking(delta)
	}
}

func (s StreamEvents) toolCallStart(toolID, toolName string) {
	if s.OnToolCallStart != nil {
		s.OnToolCallStart(toolID, toolName)
	}
}

func (s StreamEvents) toolCallDelta(partialJSON string) {
	if s.OnToolCallDelta != nil {
		s.OnToolCallDelta(partialJSON)
	}
}

func (s StreamEvents) stop(stopReason string) {
	if s.OnStop != nil {
		s.OnStop(stopReason)
	}
}

// Response is the final result of a completed stream.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	Usage      models.Usage
	StopReason string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Provider is one model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *Request, stream StreamEvents) (*Response, error)
}

// ProviderError wraps a backend failure with enough detail for retry
// decisions. RetryAfter is nonzero when the backend sent a Retry-After hint.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: rate limits, server
// errors, and overload responses qualify.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 529: // anthropic overloaded
		return true
	}
	return false
}
