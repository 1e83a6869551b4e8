package compaction

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

type summaryProvider struct {
	mu       sync.Mutex
	requests []*llm.Request
	text     string
}

func (p *summaryProvider) Name() string { return "fake" }

func (p *summaryProvider) Chat(ctx context.Context, req *llm.Request, stream llm.StreamEvents) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return &llm.Response{Text: p.text, StopReason: "end_turn"}, nil
}

type summaryStoreStub struct {
	appended []models.Message
	anchorID int64
}

func (s *summaryStoreStub) AppendMessage(sessionID string, msg models.Message) (int64, error) {
	s.appended = append(s.appended, msg)
	return int64(len(s.appended)) + 100, nil
}

func (s *summaryStoreStub) SetSummaryMessage(sessionID string, messageID int64) error {
	s.anchorID = messageID
	return nil
}

func longHistory(n int) []models.Message {
	msgs := make([]models.Message, 0, n)
	filler := strings.Repeat("generate an image of a mountain lake at sunset ", 20)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, models.UserText(filler))
		} else {
			msgs = append(msgs, models.AssistantText(filler))
		}
	}
	return msgs
}

func TestMaybeSummarizeBelowThresholdIsNoop(t *testing.T) {
	provider := &summaryProvider{text: "summary"}
	store := &summaryStoreStub{}
	s := NewSummarizer(llm.NewClient(provider, nil, nil), store, nil, nil)

	msgs := longHistory(4)
	out, err := s.MaybeSummarize(context.Background(), "s1", msgs)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if len(out) != len(msgs) {
		t.Errorf("messages = %d, want %d", len(out), len(msgs))
	}
	if len(provider.requests) != 0 {
		t.Errorf("LLM called %d times, want 0", len(provider.requests))
	}
}

func TestMaybeSummarizeCompressesHistory(t *testing.T) {
	provider := &summaryProvider{text: "User built an SDXL txt2img workflow; prompt p-42 submitted."}
	store := &summaryStoreStub{}
	bus := events.NewBus(0, nil)

	var published []events.Event
	bus.Subscribe(events.ContextSummarized, func(ev events.Event) {
		published = append(published, ev)
	})

	s := NewSummarizer(llm.NewClient(provider, nil, nil), store, bus, nil)
	s.SetThreshold(100)

	msgs := longHistory(20)
	out, err := s.MaybeSummarize(context.Background(), "s1", msgs)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}

	// Summary message plus the 10 most recent originals.
	if len(out) != 11 {
		t.Fatalf("messages = %d, want 11", len(out))
	}
	first := out[0]
	if first.Role != models.RoleUser {
		t.Errorf("summary role = %s, want user", first.Role)
	}
	if !strings.HasPrefix(first.Text, "[Previous conversation summary]") {
		t.Errorf("summary text = %q", first.Text)
	}
	if !strings.Contains(first.Text, "p-42") {
		t.Errorf("summary lost detail: %q", first.Text)
	}
	for i, msg := range msgs[10:] {
		if out[i+1].Text != msg.Text {
			t.Fatalf("recent message %d not preserved", i)
		}
	}

	if len(store.appended) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(store.appended))
	}
	if store.anchorID != 101 {
		t.Errorf("anchor = %d, want 101", store.anchorID)
	}

	if len(published) != 1 {
		t.Fatalf("published %d context.summarized events, want 1", len(published))
	}
	if published[0].Data["messages_summarized"] != 10 {
		t.Errorf("messages_summarized = %v", published[0].Data["messages_summarized"])
	}

	// The summarization request renders the old history for the model.
	if len(provider.requests) != 1 {
		t.Fatalf("LLM called %d times, want 1", len(provider.requests))
	}
	req := provider.requests[0]
	if !strings.Contains(req.Messages[0].Text, "user: ") {
		t.Errorf("condensed history missing role prefixes")
	}
}

func TestCondenseForSummaryRendersBlocks(t *testing.T) {
	msgs := []models.Message{
		models.UserText("draw a cat"),
		models.AssistantBlocks([]models.ContentBlock{
			models.TextBlock("Searching for nodes."),
			models.ToolUseBlock("tu_1", "comfyui_discover", map[string]any{"action": "search_nodes", "query": "sampler"}),
		}),
		models.ToolResultCarrier([]models.ContentBlock{
			models.ToolResultBlock("tu_1", strings.Repeat("KSampler ", 100), false),
		}),
	}

	text := CondenseForSummary(msgs)
	lines := strings.Split(text, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[0] != "user: draw a cat" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[Tool: comfyui_discover(") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "[Result: ") {
		t.Errorf("line 2 = %q", lines[2])
	}
	if len(lines[2]) > 520 {
		t.Errorf("result line not capped: %d chars", len(lines[2]))
	}
}
