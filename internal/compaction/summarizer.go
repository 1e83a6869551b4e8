package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const (
	// Trigger summarization when history exceeds this token count.
	summarizeThreshold = 80_000
	// Keep the most recent N messages unsummarized.
	summarizeKeepRecent = 10
)

const summarizePrompt = `You are a conversation summarizer. Summarize the following conversation between a user and a ComfyUI assistant. Focus on:

1. What the user wanted to accomplish
2. Key decisions made (node types chosen, model names, parameters)
3. Workflows that were built or submitted (include prompt_ids)
4. Any errors encountered and how they were resolved
5. Current state of the conversation

Be concise but preserve all technical details that would be needed to continue the conversation. Output a single summary paragraph.

Conversation to summarize:
`

// SummaryStore is the session persistence the summarizer needs.
type SummaryStore interface {
	AppendMessage(sessionID string, msg models.Message) (int64, error)
	SetSummaryMessage(sessionID string, messageID int64) error
}

// Summarizer replaces long histories with an LLM-written summary, persisted
// as a checkpoint so future loads can start from it.
type Summarizer struct {
	client     *llm.Client
	store      SummaryStore
	bus        *events.Bus
	threshold  int
	keepRecent int
	logger     *slog.Logger
}

// NewSummarizer uses the default threshold (80k tokens) and recency window
// (10 messages).
func NewSummarizer(client *llm.Client, store SummaryStore, bus *events.Bus, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		client:     client,
		store:      store,
		bus:        bus,
		threshold:  summarizeThreshold,
		keepRecent: summarizeKeepRecent,
		logger:     logger,
	}
}

// SetThreshold overrides the trigger threshold (tests).
func (s *Summarizer) SetThreshold(tokens int) { s.threshold = tokens }

// MaybeSummarize compresses the history when it exceeds the threshold.
// Returns the (possibly compressed) message list.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID string, messages []models.Message) ([]models.Message, error) {
	totalTokens := EstimateMessages(messages)
	if totalTokens <= s.threshold {
		return messages, nil
	}
	if len(messages) <= s.keepRecent+2 {
		return messages, nil
	}

	s.logger.Info("summarization triggered",
		"tokens", totalTokens, "threshold", s.threshold, "messages", len(messages))

	cutoff := len(messages) - s.keepRecent
	oldMessages := messages[:cutoff]
	recentMessages := messages[cutoff:]

	summaryText, err := s.generateSummary(ctx, sessionID, oldMessages)
	if err != nil {
		return messages, fmt.Errorf("generate summary: %w", err)
	}

	summaryMsg := models.UserText("[Previous conversation summary]\n" + summaryText)
	newMessages := append([]models.Message{summaryMsg}, recentMessages...)

	msgID, err := s.store.AppendMessage(sessionID, summaryMsg)
	if err != nil {
		return messages, fmt.Errorf("persist summary: %w", err)
	}
	if err := s.store.SetSummaryMessage(sessionID, msgID); err != nil {
		return messages, fmt.Errorf("set summary checkpoint: %w", err)
	}

	newTokens := EstimateMessages(newMessages)
	if s.bus != nil {
		s.bus.Publish(events.New(events.ContextSummarized, sessionID, map[string]any{
			"original_tokens":     totalTokens,
			"summary_tokens":      newTokens,
			"messages_summarized": len(oldMessages),
		}))
	}
	s.logger.Info("history summarized",
		"messages", len(oldMessages), "from_tokens", totalTokens, "to_tokens", newTokens)
	return newMessages, nil
}

func (s *Summarizer) generateSummary(ctx context.Context, sessionID string, messages []models.Message) (string, error) {
	prompt := summarizePrompt + CondenseForSummary(messages)
	resp, err := s.client.Chat(ctx, sessionID, &llm.Request{
		System:    "You are a concise summarizer. Output only the summary.",
		Messages:  []models.Message{models.UserText(prompt)},
		MaxTokens: 2048,
	}, llm.StreamEvents{})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CondenseForSummary renders messages as readable role-prefixed lines.
// Tool calls and results appear in compact bracket forms, and each line is
// capped at 500 chars.
func CondenseForSummary(messages []models.Message) string {
	var parts []string
	for _, msg := range messages {
		var text string
		if msg.IsPlainText() {
			text = msg.Text
		} else {
			var texts []string
			for _, block := range msg.Blocks {
				switch block.Type {
				case models.BlockText:
					texts = append(texts, block.Text)
				case models.BlockToolUse:
					raw, _ := json.Marshal(block.Input)
					args := string(raw)
					if len(args) > 200 {
						args = args[:200]
					}
					texts = append(texts, fmt.Sprintf("[Tool: %s(%s)]", block.Name, args))
				case models.BlockToolResult:
					result := block.Content
					if len(result) > 300 {
						result = result[:300]
					}
					texts = append(texts, fmt.Sprintf("[Result: %s]", result))
				}
			}
			text = strings.Join(texts, " ")
		}

		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s: %s", msg.Role, text))
	}
	return strings.Join(parts, "\n")
}
