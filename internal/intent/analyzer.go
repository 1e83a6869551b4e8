// Package intent classifies a user message with one compact LLM call before
// the main agent loop runs, deciding which prompt sections the turn needs
// and whether to inject environment state. Fail-open: any error yields a
// default that includes everything.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/internal/prompt"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const analysisPrompt = `Classify this ComfyUI user message. Respond in JSON only.
{"topics": ["tag1", "tag2"], "env_needed": true/false, "sections": ["section_name", ...]}

Rules:
- topics: 2-3 keyword tags describing the intent
- env_needed: true if message asks about GPU, models, system status, or needs model names for workflow building
- sections: which context sections to include. Options: environment, workflow_strategy, tool_reference, rules, error_handling

Message: `

// Analyzer pre-classifies user input.
type Analyzer struct {
	client *llm.Client
	model  string
	logger *slog.Logger
}

// New creates an analyzer using the given model for classification calls.
func New(client *llm.Client, model string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, model: model, logger: logger}
}

// Analyze classifies the user input, returning the fail-open default on any
// call or parse failure.
func (a *Analyzer) Analyze(ctx context.Context, sessionID, userInput string) *prompt.IntentResult {
	resp, err := a.client.Chat(ctx, sessionID, &llm.Request{
		Model:     a.model,
		System:    "You are a classifier. Output JSON only, no explanation.",
		Messages:  []models.Message{models.UserText(analysisPrompt + userInput)},
		MaxTokens: 256,
	}, llm.StreamEvents{})
	if err != nil {
		a.logger.Warn("intent analysis failed, using defaults", "err", err)
		return prompt.DefaultIntent()
	}
	return parseResponse(resp.Text, a.logger)
}

func parseResponse(text string, logger *slog.Logger) *prompt.IntentResult {
	text = stripCodeFence(text)

	var data struct {
		Topics    []string `json:"topics"`
		EnvNeeded *bool    `json:"env_needed"`
		Sections  []string `json:"sections"`
	}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		logger.Warn("failed to parse intent response", "err", err)
		return prompt.DefaultIntent()
	}

	topics := data.Topics
	if len(topics) > 3 {
		topics = topics[:3]
	}
	envNeeded := true
	if data.EnvNeeded != nil {
		envNeeded = *data.EnvNeeded
	}
	sections := data.Sections
	if sections == nil {
		sections = prompt.AllSectionNames()
	}
	return &prompt.IntentResult{
		Topics:            topics,
		EnvironmentNeeded: envNeeded,
		SuggestedSections: sections,
	}
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
