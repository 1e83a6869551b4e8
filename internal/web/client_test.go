package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSearchTavily(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "ComfyUI Examples", "url": "https://example.com", "content": "workflow gallery"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("tvly-key", 5*time.Second, nil)
	c.tavilyURL = srv.URL

	results, err := c.Search(context.Background(), "comfyui workflow upscale", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Title != "ComfyUI Examples" {
		t.Errorf("unexpected results: %+v", results)
	}
	if gotPayload["query"] != "comfyui workflow upscale" {
		t.Errorf("query not sent: %v", gotPayload)
	}
	if gotPayload["api_key"] != "tvly-key" {
		t.Error("api key not sent")
	}
}

func TestSearchTavilyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("tvly-key", 5*time.Second, nil)
	c.tavilyURL = srv.URL
	if _, err := c.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchNonHTMLReturnsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"1": {"class_type": "KSampler"}}`))
	}))
	defer srv.Close()

	c := NewClient("", 5*time.Second, nil)
	result, err := c.Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusCode != 200 {
		t.Errorf("status = %d", result.StatusCode)
	}
	if !strings.Contains(result.Content, "KSampler") {
		t.Errorf("raw JSON expected: %q", result.Content)
	}
}

func TestFetchHTMLExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><script>evil()</script></head><body><article><p>ControlNet needs a preprocessor node.</p></article></body></html>`))
	}))
	defer srv.Close()

	c := NewClient("", 5*time.Second, nil)
	result, err := c.Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, "ControlNet needs a preprocessor node.") {
		t.Errorf("readable text missing: %q", result.Content)
	}
	if strings.Contains(result.Content, "evil()") {
		t.Error("script content must be stripped")
	}
}

func TestRegistryLookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient("", 5*time.Second, nil)
	c.registryURL = srv.URL + "/"
	data, err := c.RegistryLookup(context.Background(), "no-such-pack")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("expected nil for 404, got %v", data)
	}
}

func TestRegistryLookupFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "comfyui-impact-pack") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "comfyui-impact-pack", "downloads": float64(12345),
		})
	}))
	defer srv.Close()

	c := NewClient("", 5*time.Second, nil)
	c.registryURL = srv.URL + "/"
	data, err := c.RegistryLookup(context.Background(), "comfyui-impact-pack")
	if err != nil {
		t.Fatal(err)
	}
	if data["id"] != "comfyui-impact-pack" {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestParseDDGHTML(t *testing.T) {
	page := `<a class="result__a" href="https://example.com/wf">ComfyUI Workflows</a>
<td class="result__snippet">A gallery of workflows</td>`
	results := parseDDGHTML(page, 5)
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].URL != "https://example.com/wf" || results[0].Snippet != "A gallery of workflows" {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestStripTags(t *testing.T) {
	got := stripTags("<div>hello <b>world</b></div><script>x</script>")
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") || strings.Contains(got, "script") {
		t.Errorf("stripTags = %q", got)
	}
}
