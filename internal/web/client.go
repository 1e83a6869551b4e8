// Package web gives the agent outbound internet access: web search (Tavily
// when an API key is configured, DuckDuckGo HTML otherwise), readable-text
// page fetching, and Comfy Registry package lookups.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	maxResponseSize = 5 * 1024 * 1024
	maxFetchTimeout = 120 * time.Second
	userAgent       = "comfyui-agent/1.0"

	tavilyEndpoint   = "https://api.tavily.com/search"
	registryEndpoint = "https://api.comfy.org/nodes/"
	ddgEndpoint      = "https://html.duckduckgo.com/html/"
)

// SearchResult is one ranked web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// FetchResult is the outcome of fetching a URL.
type FetchResult struct {
	Content     string
	ContentType string
	StatusCode  int
	URL         string
}

// Client implements search, fetch, and registry lookup over net/http.
type Client struct {
	tavilyAPIKey string
	http         *http.Client
	logger       *slog.Logger

	// endpoint overrides for tests
	tavilyURL   string
	registryURL string
	ddgURL      string
}

// NewClient creates a web client. tavilyAPIKey may be empty; search then
// falls back to DuckDuckGo HTML scraping.
func NewClient(tavilyAPIKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tavilyAPIKey: tavilyAPIKey,
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
		tavilyURL:    tavilyEndpoint,
		registryURL:  registryEndpoint,
		ddgURL:       ddgEndpoint,
	}
}

// Search runs a web search, preferring Tavily when configured.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	if c.tavilyAPIKey != "" {
		return c.searchTavily(ctx, query, maxResults)
	}
	return c.searchDDG(ctx, query, maxResults)
}

func (c *Client) searchTavily(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"api_key":        c.tavilyAPIKey,
		"query":          query,
		"max_results":    maxResults,
		"include_answer": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tavilyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("tavily API error %d: %s", resp.StatusCode, body)
	}

	var data struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	results := make([]SearchResult, 0, len(data.Results))
	for _, item := range data.Results {
		results = append(results, SearchResult{Title: item.Title, URL: item.URL, Snippet: item.Content})
	}
	return results, nil
}

func (c *Client) searchDDG(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.ddgURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return parseDDGHTML(string(body), maxResults), nil
}

// Fetch retrieves a URL and extracts readable text from HTML responses.
// Non-HTML content is returned raw, capped at 5MB.
func (c *Client) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*FetchResult, error) {
	if timeout <= 0 || timeout > maxFetchTimeout {
		timeout = maxFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if strings.Contains(contentType, "html") {
		content = extractReadable(content, rawURL)
	}
	return &FetchResult{
		Content:     content,
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
		URL:         rawURL,
	}, nil
}

// RegistryLookup queries the Comfy Registry for a package by ID.
// Returns nil without error when the package does not exist.
func (c *Client) RegistryLookup(ctx context.Context, nodeID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.registryURL+url.PathEscape(nodeID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("registry API error", "status", resp.StatusCode, "node_id", nodeID)
		return nil, nil
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return data, nil
}

// extractReadable pulls article text out of an HTML page. When readability
// finds no article it falls back to plain tag stripping.
func extractReadable(rawHTML, pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err == nil {
		article, rerr := readability.FromReader(strings.NewReader(rawHTML), parsed)
		if rerr == nil && strings.TrimSpace(article.TextContent) != "" {
			return strings.TrimSpace(article.TextContent)
		}
	}
	return stripTags(rawHTML)
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

func stripTags(rawHTML string) string {
	text := scriptStyleRe.ReplaceAllString(rawHTML, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = html.UnescapeString(text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.TrimSpace(blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

var ddgResultRe = regexp.MustCompile(
	`(?is)class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>.*?class="result__snippet"[^>]*>(.*?)</(?:td|div)`)

func parseDDGHTML(rawHTML string, maxResults int) []SearchResult {
	var results []SearchResult
	for _, match := range ddgResultRe.FindAllStringSubmatch(rawHTML, -1) {
		if len(results) >= maxResults {
			break
		}
		href := html.UnescapeString(match[1])
		title := strings.TrimSpace(tagRe.ReplaceAllString(html.UnescapeString(match[2]), ""))
		snippet := strings.TrimSpace(tagRe.ReplaceAllString(html.UnescapeString(match[3]), ""))
		if href != "" && title != "" {
			results = append(results, SearchResult{Title: title, URL: href, Snippet: snippet})
		}
	}
	return results
}
