package comfyui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrManagerForbidden means the Manager extension rejected the call because
// its security level is set too high for remote management.
var ErrManagerForbidden = errors.New("comfyui: Manager security level too high")

// ManagerAvailable reports whether the ComfyUI Manager extension responds.
func (c *Client) ManagerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manager/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}

// ManagerInstallModel downloads a model through the Manager extension.
// Manager handles the download itself, so this blocks until it finishes;
// large checkpoints can take many minutes.
func (c *Client) ManagerInstallModel(ctx context.Context, name, downloadURL, filename, savePath, modelType string) (map[string]any, error) {
	if modelType == "" {
		modelType = "checkpoint"
	}
	body := map[string]any{
		"name":      name,
		"url":       downloadURL,
		"filename":  filename,
		"type":      modelType,
		"save_path": savePath,
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	out := map[string]any{}
	err := c.postJSON(ctx, "/model/install", body, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusForbidden {
			return nil, ErrManagerForbidden
		}
		return nil, err
	}
	return out, nil
}

// ManagerInstallNode installs a custom node package through Manager.
func (c *Client) ManagerInstallNode(ctx context.Context, nodeID, version string) (map[string]any, error) {
	if version == "" {
		version = "latest"
	}
	body := map[string]any{
		"id":               nodeID,
		"version":          version,
		"selected_version": version,
		"channel":          "default",
		"mode":             "default",
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	out := map[string]any{}
	err := c.postJSON(ctx, "/customnode/install", body, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.Status {
			case http.StatusForbidden:
				return nil, ErrManagerForbidden
			case http.StatusBadRequest:
				return nil, fmt.Errorf("comfyui: Manager install failed: %s", httpErr.Body)
			}
		}
		return nil, err
	}
	return out, nil
}

// ManagerNodeList returns the catalog of installable custom nodes.
func (c *Client) ManagerNodeList(ctx context.Context) (map[string]any, error) {
	q := url.Values{}
	q.Set("mode", "default")
	q.Set("skip_update", "true")
	var out map[string]any
	err := c.getJSON(ctx, "/customnode/getlist?"+q.Encode(), &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusForbidden {
			return nil, ErrManagerForbidden
		}
		return nil, err
	}
	return out, nil
}

// ManagerReboot asks Manager to restart ComfyUI. The backend drops the
// connection mid-request on success, so connection errors are expected.
func (c *Client) ManagerReboot(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manager/reboot", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "connection") || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Info("reboot requested, backend dropped connection")
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return ErrManagerForbidden
	}
	c.logger.Info("reboot requested via Manager")
	return nil
}
