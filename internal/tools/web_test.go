package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/yejunhao159/comfyui-agent/internal/web"
)

type fakeSearcher struct {
	results []web.SearchResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error) {
	return f.results, f.err
}

func TestWebSearchFormatsResults(t *testing.T) {
	tool := NewWebSearch(&fakeSearcher{results: []web.SearchResult{
		{Title: "Impact Pack", URL: "https://github.com/x/impact", Snippet: "detailer nodes"},
	}})
	result := tool.Run(context.Background(), map[string]any{"query": "comfyui impact pack"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	for _, want := range []string{"Search results for: comfyui impact pack", "Impact Pack", "https://github.com/x/impact"} {
		if !strings.Contains(result.Content, want) {
			t.Errorf("missing %q in:\n%s", want, result.Content)
		}
	}
}

func TestWebSearchTruncatesLongResults(t *testing.T) {
	results := make([]web.SearchResult, 10)
	for i := range results {
		results[i] = web.SearchResult{
			Title:   fmt.Sprintf("Result %d", i),
			URL:     "https://example.com/workflows",
			Snippet: strings.Repeat("workflow details ", 200),
		}
	}
	tool := NewWebSearch(&fakeSearcher{results: results})
	result := tool.Run(context.Background(), map[string]any{"query": "comfyui workflow"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if len(result.Content) > maxResultChars+100 {
		t.Errorf("content length = %d, want capped near %d", len(result.Content), maxResultChars)
	}
	if !strings.Contains(result.Content, "lines truncated") {
		t.Error("expected truncation marker in oversized search output")
	}
}
