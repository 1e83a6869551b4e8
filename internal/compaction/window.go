// Package compaction keeps conversation history inside the model's context
// window. Token counts are a local heuristic (~4 chars/token), so no API
// calls are needed. Two strategies apply in order of aggressiveness: truncate
// old tool results, then trim everything before the last plain user message.
// The summarizer replaces long histories with an LLM-written summary.
package compaction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// Context window sizes by model name, matched exactly then by prefix.
var modelContextSizes = map[string]int{
	"claude-opus-4-6":            200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"claude-sonnet-4-20250514":   200_000,
	"claude-3-5-sonnet-20241022": 200_000,
	"claude-3-5-haiku-20241022":  200_000,
	"claude-3-opus-20240229":     200_000,
	"claude-3-sonnet-20240229":   200_000,
	"claude-3-haiku-20240307":    200_000,
}

const defaultContextSize = 200_000

// Reserved token overheads inside the window.
const (
	systemOverhead     = 2_000
	toolSchemaOverhead = 3_000
	safetyBuffer       = 5_000

	perMessageOverhead = 4
	keepRecentIntact   = 6
	maxResultChars     = 500
	truncatedKeepChars = 200
)

// ResolveContextSize returns the context window for a model name.
func ResolveContextSize(model string) int {
	if size, ok := modelContextSizes[model]; ok {
		return size
	}
	for key, size := range modelContextSizes {
		if strings.HasPrefix(model, key) {
			return size
		}
	}
	return defaultContextSize
}

// EstimateTokens estimates tokens in a string (~4 chars/token, minimum 1).
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// contentText flattens a message body to the text that costs tokens.
func contentText(msg models.Message) string {
	if msg.IsPlainText() {
		return msg.Text
	}
	parts := make([]string, 0, len(msg.Blocks))
	for _, block := range msg.Blocks {
		switch {
		case block.Text != "":
			parts = append(parts, block.Text)
		case block.Content != "":
			parts = append(parts, block.Content)
		case block.Input != nil:
			raw, _ := json.Marshal(block.Input)
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, " ")
}

// EstimateMessages estimates total tokens for a conversation, including a
// small per-message role overhead.
func EstimateMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += EstimateTokens(contentText(msg))
	}
	return total
}

// Window compacts conversation history before each model call.
type Window struct {
	contextSize   int
	historyBudget int
	logger        *slog.Logger
}

// NewWindow sizes the budget for a model. contextBudget overrides the
// model-derived window when positive.
func NewWindow(model string, maxOutputTokens, contextBudget int, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	size := contextBudget
	if size <= 0 {
		size = ResolveContextSize(model)
	}
	w := &Window{
		contextSize:   size,
		historyBudget: size - systemOverhead - toolSchemaOverhead - maxOutputTokens - safetyBuffer,
		logger:        logger,
	}
	logger.Info("context window sized",
		"context", w.contextSize, "history_budget", w.historyBudget, "model", model)
	return w
}

// HistoryBudget returns the token budget available for history.
func (w *Window) HistoryBudget() int { return w.historyBudget }

// Prepare returns a history that fits the budget. The input is not mutated.
func (w *Window) Prepare(messages []models.Message) []models.Message {
	tokens := EstimateMessages(messages)
	if tokens <= w.historyBudget {
		return messages
	}
	w.logger.Info("context compaction needed", "tokens", tokens, "budget", w.historyBudget)

	compacted := truncateOldToolResults(messages, keepRecentIntact)
	tokens = EstimateMessages(compacted)
	if tokens <= w.historyBudget {
		w.logger.Info("tool-result truncation sufficient", "tokens", tokens)
		return compacted
	}

	w.logger.Warn("emergency trim", "tokens", tokens, "budget", w.historyBudget)
	compacted = emergencyTrim(compacted)
	w.logger.Info("after emergency trim", "tokens", EstimateMessages(compacted))
	return compacted
}

// truncateOldToolResults shortens tool_result content in messages older than
// the most recent keepRecent positions.
func truncateOldToolResults(messages []models.Message, keepRecent int) []models.Message {
	out := make([]models.Message, 0, len(messages))
	cutoff := len(messages) - keepRecent
	if cutoff < 0 {
		cutoff = 0
	}

	for i, msg := range messages {
		if i >= cutoff || msg.IsPlainText() {
			out = append(out, msg)
			continue
		}

		changed := false
		blocks := make([]models.ContentBlock, len(msg.Blocks))
		copy(blocks, msg.Blocks)
		for j, block := range blocks {
			if block.Type == models.BlockToolResult && len(block.Content) > maxResultChars {
				blocks[j].Content = fmt.Sprintf("%s\n\n... [truncated, was %d chars]",
					block.Content[:truncatedKeepChars], len(block.Content))
				changed = true
			}
		}
		if changed {
			msg.Blocks = blocks
		}
		out = append(out, msg)
	}
	return out
}

// emergencyTrim keeps the suffix starting at the last plain user message
// (one that is not a tool_result carrier), preserving the current turn.
// If none exists, keeps the last two messages.
func emergencyTrim(messages []models.Message) []models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != models.RoleUser {
			continue
		}
		if msg.IsPlainText() || (len(msg.Blocks) > 0 && msg.Blocks[0].Type != models.BlockToolResult) {
			return messages[i:]
		}
	}
	if len(messages) >= 2 {
		return messages[len(messages)-2:]
	}
	return messages
}
