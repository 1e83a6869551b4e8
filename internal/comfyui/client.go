// Package comfyui is the HTTP and WebSocket adapter for a ComfyUI backend.
// The HTTP client wraps the REST surface (stats, node info, queue, history,
// prompt submission, models, uploads, Manager extensions); the WebSocket
// listener relays execution progress onto the event bus as comfyui.* events.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one ComfyUI instance over HTTP.
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for the given base URL (e.g.
// "http://127.0.0.1:6006"). The client ID ties queued prompts to our
// websocket connection so progress events route back to us.
func NewClient(baseURL, wsURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		wsURL:    strings.TrimRight(wsURL, "/"),
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// ClientID returns the websocket client identity used for queued prompts.
func (c *Client) ClientID() string { return c.clientID }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Path: req.URL.Path, Body: string(body)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Status int
	Path   string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("comfyui: HTTP %d on %s: %s", e.Status, e.Path, e.Body)
}

// SystemStats returns version, device, and VRAM information.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, "/api/system_stats", &out)
	return out, err
}

// ObjectInfo returns the full node catalog, or one node's info when
// nodeClass is non-empty.
func (c *Client) ObjectInfo(ctx context.Context, nodeClass string) (map[string]any, error) {
	path := "/api/object_info"
	if nodeClass != "" {
		path += "/" + url.PathEscape(nodeClass)
	}
	var out map[string]any
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Queue returns the running and pending execution queues.
func (c *Client) Queue(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, "/api/queue", &out)
	return out, err
}

// History returns execution history. With a prompt ID it returns that
// entry's details; otherwise up to maxItems recent entries.
func (c *Client) History(ctx context.Context, promptID string, maxItems int) (map[string]any, error) {
	path := fmt.Sprintf("/api/history?max_items=%d", maxItems)
	if promptID != "" {
		path = "/api/history/" + url.PathEscape(promptID)
	}
	var out map[string]any
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// QueuePrompt submits a workflow (API format) for execution and returns the
// backend response, including prompt_id.
func (c *Client) QueuePrompt(ctx context.Context, workflow map[string]any) (map[string]any, error) {
	body := map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	}
	var out map[string]any
	if err := c.postJSON(ctx, "/api/prompt", body, &out); err != nil {
		return nil, err
	}
	c.logger.Info("queued prompt", "prompt_id", out["prompt_id"])
	return out, nil
}

// Interrupt stops the currently running execution.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.postJSON(ctx, "/api/interrupt", nil, nil)
}

// ClearQueue removes all pending queue entries.
func (c *Client) ClearQueue(ctx context.Context) error {
	return c.postJSON(ctx, "/api/queue", map[string]any{"clear": true}, nil)
}

// ListModels lists the model files in a folder (checkpoints, loras, vae, ...).
func (c *Client) ListModels(ctx context.Context, folder string) ([]string, error) {
	var out []string
	err := c.getJSON(ctx, "/api/models/"+url.PathEscape(folder), &out)
	return out, err
}

// Embeddings lists available textual-inversion embeddings.
func (c *Client) Embeddings(ctx context.Context) ([]string, error) {
	var out []string
	err := c.getJSON(ctx, "/api/embeddings", &out)
	return out, err
}

// UploadImage uploads image bytes for use in workflows and returns the
// backend's record (name, subfolder, type).
func (c *Client) UploadImage(ctx context.Context, data []byte, filename string, overwrite bool) (map[string]any, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if overwrite {
		form.WriteField("overwrite", "true")
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/image", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImageURL builds the /api/view URL for an output image.
func (c *Client) ImageURL(filename, subfolder, folderType string) string {
	if folderType == "" {
		folderType = "output"
	}
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", folderType)
	return c.baseURL + "/api/view?" + q.Encode()
}

// FolderPaths returns the backend's model folder layout.
func (c *Client) FolderPaths(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, "/internal/folder_paths", &out)
	return out, err
}

// FreeMemory asks the backend to unload models and release VRAM.
func (c *Client) FreeMemory(ctx context.Context, unloadModels, freeMemory bool) error {
	return c.postJSON(ctx, "/api/free", map[string]any{
		"unload_models": unloadModels,
		"free_memory":   freeMemory,
	}, nil)
}

// WaitForPrompt polls history until the prompt completes, fails, or the
// context expires.
func (c *Client) WaitForPrompt(ctx context.Context, promptID string, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		history, err := c.History(ctx, promptID, 1)
		if err == nil {
			if entryAny, ok := history[promptID]; ok {
				entry, _ := entryAny.(map[string]any)
				status, _ := entry["status"].(map[string]any)
				if completed, _ := status["completed"].(bool); completed {
					return entry, nil
				}
				if _, hasOutputs := entry["outputs"]; hasOutputs {
					return entry, nil
				}
				if s, _ := status["status_str"].(string); s == "error" {
					return nil, fmt.Errorf("prompt %s failed: %v", promptID, status["messages"])
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("prompt %s did not complete: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}
