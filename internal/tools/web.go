package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/web"
)

// Searcher is the search surface of the web client.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error)
}

// WebSearch lets the model search the web for ecosystem resources.
type WebSearch struct {
	client Searcher
}

// NewWebSearch wraps the web client as a tool.
func NewWebSearch(client Searcher) *WebSearch { return &WebSearch{client: client} }

func (t *WebSearch) Info() Info {
	return Info{
		Name: "web_search",
		Description: "Search the web for ComfyUI ecosystem information and external resources.\n\n" +
			"Best for:\n" +
			"- Find open-source ComfyUI workflows and templates (search ComfyWorkflows.com, " +
			"Civitai, GitHub)\n" +
			"- Find model download URLs (HuggingFace, Civitai)\n" +
			"- Discover custom node packages and their GitHub repos\n" +
			"- Research workflow techniques, LoRA guides, or prompt engineering tips\n" +
			"- Troubleshoot ComfyUI errors or compatibility issues\n\n" +
			"Tips for effective ComfyUI searches:\n" +
			"- Add 'comfyui workflow' to find shareable workflow templates\n" +
			"- Add 'site:civitai.com' or 'site:github.com' to target specific platforms\n" +
			"- Search for node pack names to find their repos and documentation\n\n" +
			"Returns a ranked list of results with title, URL, and snippet. " +
			"Use web_fetch to read the full content of any result URL — especially " +
			"useful for reading workflow JSON files or node documentation from GitHub.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query — include 'comfyui' for ecosystem-specific results",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default: 5, max: 10)",
				},
			},
			"required": []any{"query"},
		},
	}
}

func (t *WebSearch) Run(ctx context.Context, params map[string]any) Result {
	query, _ := params["query"].(string)
	if query == "" {
		return Errorf("query parameter is required")
	}
	maxResults := intParam(params["max_results"], 5)
	if maxResults > 10 {
		maxResults = 10
	}

	results, err := t.client.Search(ctx, query, maxResults)
	if err != nil {
		return Errorf("Search failed: %v", err)
	}
	if len(results) == 0 {
		return OK("No results found.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   URL: %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
		b.WriteString("\n")
	}
	return OK(Truncate(b.String()))
}

// WebFetch retrieves and extracts readable content from a URL.
type WebFetch struct {
	client *web.Client
}

// NewWebFetch wraps the web client's fetch capability as a tool.
func NewWebFetch(client *web.Client) *WebFetch { return &WebFetch{client: client} }

func (t *WebFetch) Info() Info {
	return Info{
		Name: "web_fetch",
		Description: "Fetch and extract readable content from a URL.\n\n" +
			"Use cases:\n" +
			"- Read workflow JSON files from GitHub repos (raw.githubusercontent.com)\n" +
			"- Read documentation pages, blog posts, or tutorials\n" +
			"- Inspect ComfyUI workflow templates shared on community sites\n" +
			"- Check model cards on HuggingFace or Civitai\n" +
			"- Download text content the user links to\n\n" +
			"Workflow research flow: web_search finds URLs → web_fetch reads the content " +
			"→ study the workflow design → adapt it for the user's needs.\n\n" +
			"Automatically extracts readable text from HTML (strips nav, ads, scripts). " +
			"For non-HTML content (JSON, plain text, XML), returns raw content.\n\n" +
			"Limits: max 5MB response, max 120s timeout, HTTP/HTTPS only.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch content from",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Request timeout in seconds (default: 30, max: 120)",
				},
			},
			"required": []any{"url"},
		},
	}
}

func (t *WebFetch) Run(ctx context.Context, params map[string]any) Result {
	url, _ := params["url"].(string)
	if url == "" {
		return Errorf("url parameter is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Errorf("URL must start with http:// or https://")
	}
	timeout := intParam(params["timeout"], 30)
	if timeout > 120 {
		timeout = 120
	}

	result, err := t.client.Fetch(ctx, url, time.Duration(timeout)*time.Second)
	if err != nil {
		return Errorf("Failed to fetch URL: %v", err)
	}
	if result.StatusCode != 200 {
		return Errorf("HTTP %d for %s", result.StatusCode, url)
	}

	output := fmt.Sprintf("URL: %s\nContent-Type: %s\n\n%s", url, result.ContentType, result.Content)
	return OK(Truncate(output))
}

// RegistrySearch looks up custom node packages on the Comfy Registry.
type RegistrySearch struct {
	client *web.Client
}

// NewRegistrySearch wraps the registry lookup as a tool.
func NewRegistrySearch(client *web.Client) *RegistrySearch { return &RegistrySearch{client: client} }

func (t *RegistrySearch) Info() Info {
	return Info{
		Name: "comfy_registry",
		Description: "Look up a custom node package on the official Comfy Registry " +
			"(api.comfy.org) by its package ID.\n\n" +
			"Use cases:\n" +
			"- Check if a custom node pack exists before recommending install_custom_node\n" +
			"- Get the GitHub repository URL for a node pack\n" +
			"- See download count and stars to gauge popularity\n" +
			"- Find the package description and available versions\n\n" +
			"The node_id is the registry package name (e.g. 'comfyui-impact-pack', " +
			"'comfyui-rembg', 'rgthree-comfy'). This is different from the node " +
			"class_type used in workflows — use web_search to discover package names " +
			"if you only know the node class_type.\n\n" +
			"Returns: name, description, downloads, github_stars, repository URL, " +
			"latest version, license, and tags.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"node_id": map[string]any{
					"type":        "string",
					"description": "The registry package ID (e.g. 'comfyui-impact-pack')",
				},
			},
			"required": []any{"node_id"},
		},
	}
}

func (t *RegistrySearch) Run(ctx context.Context, params map[string]any) Result {
	nodeID, _ := params["node_id"].(string)
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return Errorf("node_id parameter is required")
	}

	data, err := t.client.RegistryLookup(ctx, nodeID)
	if err != nil {
		return Errorf("Registry lookup failed: %v", err)
	}
	if data == nil {
		return OK(fmt.Sprintf("Package '%s' not found in the Comfy Registry. "+
			"Try web_search to find the correct package name.", nodeID))
	}

	lines := []string{
		fmt.Sprintf("Registry: %s", stringField(data, "id", nodeID)),
		fmt.Sprintf("Name: %s", stringField(data, "name", "N/A")),
		fmt.Sprintf("Description: %s", stringField(data, "description", "N/A")),
		fmt.Sprintf("Downloads: %.0f", floatField(data, "downloads")),
		fmt.Sprintf("GitHub Stars: %.0f", floatField(data, "github_stars")),
		fmt.Sprintf("Repository: %s", stringField(data, "repository", "N/A")),
		fmt.Sprintf("License: %s", stringField(data, "license", "N/A")),
		fmt.Sprintf("Status: %s", stringField(data, "status", "N/A")),
	}

	if latest, ok := data["latest_version"].(map[string]any); ok {
		lines = append(lines, fmt.Sprintf("Latest Version: %s", stringField(latest, "version", "N/A")))
		if deps, ok := latest["dependencies"].([]any); ok && len(deps) > 0 {
			if len(deps) > 10 {
				deps = deps[:10]
			}
			names := make([]string, 0, len(deps))
			for _, d := range deps {
				if s, ok := d.(string); ok {
					names = append(names, s)
				}
			}
			lines = append(lines, "Dependencies: "+strings.Join(names, ", "))
		}
	}
	if tags, ok := data["tags"].([]any); ok && len(tags) > 0 {
		names := make([]string, 0, len(tags))
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				names = append(names, s)
			}
		}
		lines = append(lines, "Tags: "+strings.Join(names, ", "))
	}
	return OK(strings.Join(lines, "\n"))
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func floatField(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func intParam(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}
