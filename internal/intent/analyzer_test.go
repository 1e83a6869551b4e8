package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/yejunhao159/comfyui-agent/internal/llm"
)

type scriptedProvider struct {
	text string
	err  error
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(ctx context.Context, req *llm.Request, stream llm.StreamEvents) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

func newAnalyzer(text string, err error) *Analyzer {
	client := llm.NewClient(&scriptedProvider{text: text, err: err}, nil, nil)
	return New(client, "claude-haiku-4-5-20251001", nil)
}

func TestAnalyzeParsesJSON(t *testing.T) {
	a := newAnalyzer(`{"topics": ["txt2img", "sdxl"], "env_needed": true, "sections": ["environment", "workflow_strategy"]}`, nil)
	result := a.Analyze(context.Background(), "s1", "generate a cat with SDXL")
	if len(result.Topics) != 2 || result.Topics[0] != "txt2img" {
		t.Errorf("topics = %v", result.Topics)
	}
	if !result.EnvironmentNeeded {
		t.Error("env_needed should be true")
	}
	if len(result.SuggestedSections) != 2 {
		t.Errorf("sections = %v", result.SuggestedSections)
	}
}

func TestAnalyzeStripsCodeFence(t *testing.T) {
	a := newAnalyzer("```json\n{\"topics\": [\"status\"], \"env_needed\": false, \"sections\": []}\n```", nil)
	result := a.Analyze(context.Background(), "s1", "hi")
	if result.EnvironmentNeeded {
		t.Error("env_needed should be false")
	}
	if len(result.Topics) != 1 || result.Topics[0] != "status" {
		t.Errorf("topics = %v", result.Topics)
	}
}

func TestAnalyzeFailOpenOnError(t *testing.T) {
	a := newAnalyzer("", errors.New("provider down"))
	result := a.Analyze(context.Background(), "s1", "hi")
	if !result.EnvironmentNeeded {
		t.Error("default must include environment")
	}
	if len(result.Topics) != 1 || result.Topics[0] != "general" {
		t.Errorf("default topics = %v", result.Topics)
	}
	if len(result.SuggestedSections) == 0 {
		t.Error("default must suggest all sections")
	}
}

func TestAnalyzeFailOpenOnMalformedJSON(t *testing.T) {
	a := newAnalyzer("I think this message is about cats", nil)
	result := a.Analyze(context.Background(), "s1", "hi")
	if !result.EnvironmentNeeded || result.Topics[0] != "general" {
		t.Errorf("expected fail-open default, got %+v", result)
	}
}

func TestAnalyzeCapsTopics(t *testing.T) {
	a := newAnalyzer(`{"topics": ["a", "b", "c", "d", "e"], "env_needed": true, "sections": []}`, nil)
	result := a.Analyze(context.Background(), "s1", "hi")
	if len(result.Topics) != 3 {
		t.Errorf("topics should be capped at 3, got %v", result.Topics)
	}
}
