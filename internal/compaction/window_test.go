package compaction

import (
	"strings"
	"testing"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEstimateMessagesIncludesRoleOverhead(t *testing.T) {
	msgs := []models.Message{models.UserText("abcd")} // 1 content token + 4 overhead
	if got := EstimateMessages(msgs); got != 5 {
		t.Errorf("expected 5 tokens, got %d", got)
	}
}

func TestResolveContextSize(t *testing.T) {
	if got := ResolveContextSize("claude-sonnet-4-5-20250929"); got != 200_000 {
		t.Errorf("exact match failed: %d", got)
	}
	if got := ResolveContextSize("claude-opus-4-6-next"); got != 200_000 {
		t.Errorf("prefix match failed: %d", got)
	}
	if got := ResolveContextSize("some-unknown-model"); got != 200_000 {
		t.Errorf("default failed: %d", got)
	}
}

func TestPrepareNoopUnderBudget(t *testing.T) {
	w := NewWindow("claude-sonnet-4-5-20250929", 8192, 0, nil)
	msgs := []models.Message{models.UserText("hello")}
	out := w.Prepare(msgs)
	if len(out) != 1 || out[0].Text != "hello" {
		t.Fatalf("under-budget history must be unchanged: %+v", out)
	}
}

func TestTruncateOldToolResults(t *testing.T) {
	long := strings.Repeat("r", 1000)
	msgs := []models.Message{
		models.ToolResultCarrier([]models.ContentBlock{
			models.ToolResultBlock("t1", long, false),
		}),
	}
	// Pad so the carrier falls outside the keep-recent window.
	for i := 0; i < keepRecentIntact; i++ {
		msgs = append(msgs, models.UserText("filler"))
	}

	out := truncateOldToolResults(msgs, keepRecentIntact)
	got := out[0].Blocks[0].Content
	if !strings.Contains(got, "[truncated, was 1000 chars]") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("r", 200)) {
		t.Errorf("expected first 200 chars preserved")
	}
	// Original must not be mutated.
	if len(msgs[0].Blocks[0].Content) != 1000 {
		t.Error("input mutated")
	}
}

func TestTruncateLeavesRecentIntact(t *testing.T) {
	long := strings.Repeat("r", 1000)
	msgs := []models.Message{
		models.ToolResultCarrier([]models.ContentBlock{
			models.ToolResultBlock("t1", long, false),
		}),
	}
	out := truncateOldToolResults(msgs, keepRecentIntact)
	if len(out[0].Blocks[0].Content) != 1000 {
		t.Error("recent messages must not be truncated")
	}
}

func TestEmergencyTrimFindsLastPlainUser(t *testing.T) {
	msgs := []models.Message{
		models.UserText("old request"),
		models.AssistantText("old answer"),
		models.UserText("new request"),
		models.AssistantBlocks([]models.ContentBlock{
			models.ToolUseBlock("t1", "comfyui_monitor", nil),
		}),
		models.ToolResultCarrier([]models.ContentBlock{
			models.ToolResultBlock("t1", "queue empty", false),
		}),
	}
	out := emergencyTrim(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages from last plain user, got %d", len(out))
	}
	if out[0].Text != "new request" {
		t.Errorf("expected trim to start at plain user message, got %+v", out[0])
	}
}

func TestEmergencyTrimFallback(t *testing.T) {
	msgs := []models.Message{
		models.AssistantText("a"),
		models.AssistantText("b"),
		models.AssistantText("c"),
	}
	out := emergencyTrim(msgs)
	if len(out) != 2 {
		t.Fatalf("expected last-2 fallback, got %d", len(out))
	}
	if out[0].Text != "b" {
		t.Errorf("unexpected fallback content: %+v", out)
	}
}

func TestCondenseForSummary(t *testing.T) {
	msgs := []models.Message{
		models.UserText("draw a cat"),
		models.AssistantBlocks([]models.ContentBlock{
			models.TextBlock("let me search"),
			models.ToolUseBlock("t1", "comfyui_discover", map[string]any{"action": "search_nodes"}),
		}),
		models.ToolResultCarrier([]models.ContentBlock{
			models.ToolResultBlock("t1", "found KSampler", false),
		}),
	}
	out := CondenseForSummary(msgs)
	if !strings.Contains(out, "user: draw a cat") {
		t.Errorf("missing user line:\n%s", out)
	}
	if !strings.Contains(out, "[Tool: comfyui_discover(") {
		t.Errorf("missing tool form:\n%s", out)
	}
	if !strings.Contains(out, "[Result: found KSampler]") {
		t.Errorf("missing result form:\n%s", out)
	}
}
