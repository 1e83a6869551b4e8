// Package agent runs the ReAct loop: the model reasons, requests tools, the
// executor runs them in parallel, and results feed the next iteration until
// the model answers in plain text or the iteration budget runs out. All
// progress is announced on the event bus so transports and background
// observers can follow along without coupling to the loop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/compaction"
	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/internal/state"
	"github.com/yejunhao159/comfyui-agent/internal/tools"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const (
	cancelledText = "Request cancelled."
	maxStepsText  = "I've reached the maximum number of steps. Here's what I've done so far."

	loopThreshold = 3
)

// Store is the session persistence the loop needs.
type Store interface {
	Get(id string) (*models.Session, error)
	MessagesFrom(sessionID string, fromID int64) ([]models.Message, error)
	AppendMessage(sessionID string, msg models.Message) (int64, error)
	AddUsage(sessionID string, usage models.Usage) error
}

// PromptSource builds the system prompt for a turn.
type PromptSource interface {
	SystemPrompt(ctx context.Context, sessionID, userInput string) string
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

// SystemPrompt returns the fixed prompt text.
func (p StaticPrompt) SystemPrompt(context.Context, string, string) string { return string(p) }

// Options tunes a loop instance.
type Options struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
}

func (o *Options) fillDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 20
	}
}

// Loop orchestrates one agent: model calls, tool batches, persistence, and
// events. Safe for concurrent runs across different sessions.
type Loop struct {
	client     *llm.Client
	registry   *tools.Registry
	executor   *Executor
	store      Store
	bus        *events.Bus
	prompts    PromptSource
	window     *compaction.Window
	summarizer *compaction.Summarizer
	opts       Options
	logger     *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

// New builds a loop. window and summarizer may be nil to disable compaction.
func New(client *llm.Client, registry *tools.Registry, executor *Executor, store Store,
	bus *events.Bus, prompts PromptSource, window *compaction.Window,
	summarizer *compaction.Summarizer, opts Options, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	opts.fillDefaults()
	return &Loop{
		client:     client,
		registry:   registry,
		executor:   executor,
		store:      store,
		bus:        bus,
		prompts:    prompts,
		window:     window,
		summarizer: summarizer,
		opts:       opts,
		logger:     logger,
		cancelled:  make(map[string]bool),
	}
}

// Cancel flags a running session's loop to stop before its next iteration.
func (l *Loop) Cancel(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, running := l.cancelled[sessionID]; running {
		l.cancelled[sessionID] = true
	}
}

func (l *Loop) isCancelled(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled[sessionID]
}

// Run executes the loop for one user message and returns the final text.
func (l *Loop) Run(ctx context.Context, sessionID, userInput string) (string, error) {
	machine := state.NewMachine(sessionID, l.bus, l.logger)
	machine.Handle(events.StateConversationStart)
	l.emit(events.StateConversationStart, sessionID, nil)

	messages, err := l.loadHistory(sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	userMsg := models.UserText(userInput)
	messages = append(messages, userMsg)
	if _, err := l.store.AppendMessage(sessionID, userMsg); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	l.emit(events.MessageUser, sessionID, map[string]any{"content": userInput})
	l.emit(events.TurnStart, sessionID, nil)

	l.mu.Lock()
	l.cancelled[sessionID] = false
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.cancelled, sessionID)
		l.mu.Unlock()
	}()

	turnStart := time.Now()
	var totalUsage models.Usage
	var recentTools []string
	iterations := 0

	for i := 0; i < l.opts.MaxIterations; i++ {
		if l.isCancelled(sessionID) {
			l.logger.Info("agent cancelled", "session", sessionID)
			break
		}
		iterations = i + 1
		l.logger.Info("agent iteration",
			"iteration", iterations, "max", l.opts.MaxIterations, "session", sessionID)
		l.emit(events.StateThinking, sessionID, nil)

		if l.summarizer != nil {
			messages, err = l.summarizer.MaybeSummarize(ctx, sessionID, messages)
			if err != nil {
				l.logger.Warn("summarization failed, continuing with full history", "err", err)
				err = nil
			}
		}
		if l.window != nil {
			messages = l.window.Prepare(messages)
		}

		system := l.prompts.SystemPrompt(ctx, sessionID, userInput)
		if warning := checkToolLoop(recentTools, loopThreshold); warning != "" {
			system += "\n\n" + warning
		}

		resp, err := l.client.Chat(ctx, sessionID, &llm.Request{
			Model:       l.opts.Model,
			System:      system,
			Messages:    messages,
			Tools:       l.registry.Schemas(),
			MaxTokens:   l.opts.MaxTokens,
			Temperature: l.opts.Temperature,
		}, l.streamEvents(sessionID))
		if err != nil {
			machine.Handle(events.StateError)
			l.emit(events.StateError, sessionID, map[string]any{"error": err.Error()})
			l.finishTurn(machine, sessionID, turnStart, iterations, totalUsage)
			return "", err
		}
		totalUsage.Add(resp.Usage)

		if resp.HasToolCalls() {
			for _, tc := range resp.ToolCalls {
				recentTools = append(recentTools, tc.DisplayName())
			}

			assistantMsg := assistantMessage(resp)
			messages = append(messages, assistantMsg)
			if _, err := l.store.AppendMessage(sessionID, assistantMsg); err != nil {
				l.logger.Error("persist assistant message failed", "err", err)
			}
			l.emit(events.MessageAssistant, sessionID, map[string]any{
				"content":    resp.Text,
				"tool_calls": len(resp.ToolCalls),
			})

			resultsMsg := l.executeTools(ctx, machine, sessionID, resp.ToolCalls)
			messages = append(messages, resultsMsg)
			if _, err := l.store.AppendMessage(sessionID, resultsMsg); err != nil {
				l.logger.Error("persist tool results failed", "err", err)
			}
			continue
		}

		// Final answer.
		machine.Handle(events.StateResponding)
		finalMsg := models.AssistantText(resp.Text)
		messages = append(messages, finalMsg)
		if _, err := l.store.AppendMessage(sessionID, finalMsg); err != nil {
			l.logger.Error("persist final message failed", "err", err)
		}
		l.emit(events.MessageAssistant, sessionID, map[string]any{
			"content":    resp.Text,
			"tool_calls": 0,
		})
		l.emit(events.MessageFinal, sessionID, map[string]any{"content": resp.Text})

		if err := l.store.AddUsage(sessionID, totalUsage); err != nil {
			l.logger.Warn("usage accounting failed", "err", err)
		}
		l.finishTurn(machine, sessionID, turnStart, iterations, totalUsage)
		return resp.Text, nil
	}

	// Cancelled or out of iterations.
	finalText := maxStepsText
	if l.isCancelled(sessionID) {
		finalText = cancelledText
	} else {
		l.logger.Warn("max iterations reached", "session", sessionID)
	}

	finalMsg := models.AssistantText(finalText)
	if _, err := l.store.AppendMessage(sessionID, finalMsg); err != nil {
		l.logger.Error("persist final message failed", "err", err)
	}
	l.emit(events.MessageFinal, sessionID, map[string]any{"content": finalText})
	if err := l.store.AddUsage(sessionID, totalUsage); err != nil {
		l.logger.Warn("usage accounting failed", "err", err)
	}
	l.finishTurn(machine, sessionID, turnStart, iterations, totalUsage)
	return finalText, nil
}

// loadHistory loads messages from the summary checkpoint when one exists.
func (l *Loop) loadHistory(sessionID string) ([]models.Message, error) {
	session, err := l.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return l.store.MessagesFrom(sessionID, session.SummaryMessageID)
}

// executeTools runs a tool batch in parallel and returns the user-role
// carrier message holding the tool_result blocks in call order.
func (l *Loop) executeTools(ctx context.Context, machine *state.Machine, sessionID string, calls []models.ToolCall) models.Message {
	machine.Handle(events.StateToolPlanned)
	machine.Handle(events.StateToolExecuting)

	for _, call := range calls {
		l.emit(events.StateToolExecuting, sessionID, map[string]any{
			"tool_name": call.DisplayName(),
			"tool_id":   call.ID,
		})
	}

	results := l.executor.ExecuteBatch(ctx, calls)

	blocks := make([]models.ContentBlock, 0, len(calls))
	anyFailed := false
	for i, call := range calls {
		result := results[i]
		display := call.DisplayName()
		if result.IsError {
			anyFailed = true
			l.emit(events.StateToolFailed, sessionID, map[string]any{
				"tool_name": display,
				"error":     result.Content,
			})
		} else {
			l.emit(events.StateToolCompleted, sessionID, map[string]any{
				"tool_name": display,
			})
			if workflow, ok := result.Data["workflow"].(map[string]any); ok {
				l.emit(events.WorkflowSubmitted, sessionID, map[string]any{
					"workflow":  workflow,
					"prompt_id": result.Data["prompt_id"],
				})
			}
		}

		blocks = append(blocks, models.ToolResultBlock(call.ID, result.Content, result.IsError))

		preview := result.Content
		if len(preview) > 500 {
			preview = preview[:500]
		}
		l.emit(events.MessageToolResult, sessionID, map[string]any{
			"tool_name": display,
			"result":    preview,
		})
	}

	if anyFailed {
		machine.Handle(events.StateToolFailed)
	} else {
		machine.Handle(events.StateToolCompleted)
	}
	return models.ToolResultCarrier(blocks)
}

func (l *Loop) finishTurn(machine *state.Machine, sessionID string, turnStart time.Time, iterations int, usage models.Usage) {
	machine.Handle(events.StateConversationEnd)
	l.emit(events.StateConversationEnd, sessionID, nil)
	l.emit(events.TurnEnd, sessionID, map[string]any{
		"duration_ms": time.Since(turnStart).Milliseconds(),
		"iterations":  iterations,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}

func (l *Loop) streamEvents(sessionID string) llm.StreamEvents {
	return llm.StreamEvents{
		OnText: func(delta string) {
			l.emit(events.StreamTextDelta, sessionID, map[string]any{"text": delta})
		},
		OnThinking: func(delta string) {
			l.emit(events.StreamThinking, sessionID, map[string]any{"text": delta})
		},
		OnToolCallStart: func(toolID, toolName string) {
			l.emit(events.StreamToolCallStart, sessionID, map[string]any{
				"tool_name": toolName,
				"tool_id":   toolID,
			})
		},
		OnToolCallDelta: func(partialJSON string) {
			l.emit(events.StreamToolCallDelta, sessionID, map[string]any{"partial_json": partialJSON})
		},
		OnStop: func(stopReason string) {
			l.emit(events.StreamMessageStop, sessionID, map[string]any{"stop_reason": stopReason})
		},
	}
}

func (l *Loop) emit(typ events.Type, sessionID string, data map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.New(typ, sessionID, data))
}

// assistantMessage converts a tool-requesting response into a block message
// preserving any leading text before the tool_use blocks.
func assistantMessage(resp *llm.Response) models.Message {
	var blocks []models.ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, models.TextBlock(resp.Text))
	}
	for _, call := range resp.ToolCalls {
		blocks = append(blocks, models.ToolUseBlock(call.ID, call.Name, call.Input))
	}
	return models.AssistantBlocks(blocks)
}

// checkToolLoop warns when the last threshold calls share one display name.
func checkToolLoop(recent []string, threshold int) string {
	if len(recent) < threshold {
		return ""
	}
	tail := recent[len(recent)-threshold:]
	for _, name := range tail[1:] {
		if name != tail[0] {
			return ""
		}
	}
	return fmt.Sprintf("⚠️ LOOP DETECTED: You have called '%s' %d times in a row. "+
		"STOP repeating this tool call. Either try a completely different approach, "+
		"or explain the problem to the user and ask for guidance.", tail[0], threshold)
}
