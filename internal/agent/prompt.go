package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yejunhao159/comfyui-agent/internal/canvas"
	"github.com/yejunhao159/comfyui-agent/internal/intent"
	"github.com/yejunhao159/comfyui-agent/internal/probe"
	"github.com/yejunhao159/comfyui-agent/internal/prompt"
)

// ContextPrompt assembles the system prompt fresh for every iteration: it
// classifies the user's intent, pulls the cached environment snapshot when
// the intent calls for it, folds in the current canvas state, and lets the
// builder filter and budget the registered sections.
type ContextPrompt struct {
	builder  *prompt.Builder
	analyzer *intent.Analyzer
	probe    *probe.Probe
	canvas   *canvas.State
	logger   *slog.Logger

	mu      sync.Mutex
	intents map[string]*prompt.IntentResult
}

// NewContextPrompt wires the prompt pipeline. analyzer, probe, and canvas
// may each be nil; missing pieces degrade to include-everything behavior.
func NewContextPrompt(builder *prompt.Builder, analyzer *intent.Analyzer,
	probe *probe.Probe, canvas *canvas.State, logger *slog.Logger) *ContextPrompt {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextPrompt{
		builder:  builder,
		analyzer: analyzer,
		probe:    probe,
		canvas:   canvas,
		logger:   logger,
		intents:  make(map[string]*prompt.IntentResult),
	}
}

// SystemPrompt builds the prompt for one loop iteration. Intent is analyzed
// once per user input and cached by session so tool iterations within the
// same turn do not re-classify.
func (p *ContextPrompt) SystemPrompt(ctx context.Context, sessionID, userInput string) string {
	result := p.intentFor(ctx, sessionID, userInput)

	environmentText := ""
	if p.probe != nil && result.EnvironmentNeeded {
		environmentText = p.probe.Snapshot(ctx).PromptText()
	}
	canvasText := ""
	if p.canvas != nil {
		canvasText = p.canvas.PromptText()
	}
	return p.builder.Build(result, environmentText, canvasText)
}

func (p *ContextPrompt) intentFor(ctx context.Context, sessionID, userInput string) *prompt.IntentResult {
	if p.analyzer == nil {
		return prompt.DefaultIntent()
	}

	key := sessionID + "\x00" + userInput
	p.mu.Lock()
	if cached, ok := p.intents[key]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	result := p.analyzer.Analyze(ctx, sessionID, userInput)

	p.mu.Lock()
	// keep the cache small: one live turn per session is the common case
	if len(p.intents) > 64 {
		p.intents = make(map[string]*prompt.IntentResult)
	}
	p.intents[key] = result
	p.mu.Unlock()
	return result
}
