package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/comfyui"
	"github.com/yejunhao159/comfyui-agent/internal/nodeindex"
)

const maxUploadSize = 64 * 1024 * 1024

// NewManage builds the resource management dispatcher. Model downloads and
// custom node installs go through the ComfyUI-Manager extension, which
// requires its security level to allow API installs.
func NewManage(client *comfyui.Client, index *nodeindex.Index) Tool {
	d := &dispatcher{
		info: Info{
			Name: "comfyui_manage",
			Description: "Manage ComfyUI resources: upload images, download models, install custom " +
				"nodes, and manage GPU memory.\n\n" +
				"Actions:\n" +
				"- upload_image(url?, filepath?, filename?) — Upload an image to ComfyUI's " +
				"input directory for use in img2img, ControlNet, or other image-input workflows. " +
				"Provide either a URL (downloaded automatically) or a local filepath. " +
				"Returns the filename to reference in workflow inputs.\n" +
				"- download_model(url, folder, filename?) — Download a model file from URL " +
				"(HuggingFace, Civitai, or direct link) into a model folder via ComfyUI-Manager. " +
				"Use get_folder_paths() first to see available folders.\n" +
				"- install_custom_node(node_id, version?) — Install a custom node pack by its " +
				"registry ID via ComfyUI-Manager. Use comfy_registry to verify the package " +
				"exists first. Requires a reboot to take effect; after reboot, call " +
				"refresh_index to update the node search index.\n" +
				"- list_custom_nodes() — List custom node packs known to ComfyUI-Manager " +
				"with their install state.\n" +
				"- free_memory(unload_models?, free_memory?) — Release GPU VRAM by " +
				"unloading models and clearing caches. Useful before loading large models " +
				"or when VRAM is running low.\n" +
				"- get_folder_paths() — List all ComfyUI storage directories: where models, " +
				"outputs, inputs, and custom nodes are stored on disk.\n" +
				"- refresh_index() — Rebuild the node search index from ComfyUI's current " +
				"node registry. Required after installing new custom nodes and rebooting.\n" +
				"- reboot() — Restart the ComfyUI server via ComfyUI-Manager. Needed after " +
				"installing custom nodes.",
			Parameters: actionEnum(
				[]string{
					"upload_image", "download_model", "install_custom_node",
					"list_custom_nodes", "free_memory", "get_folder_paths",
					"refresh_index", "reboot",
				},
				"The management operation to perform",
				"Action-specific parameters: upload_image({url?, filepath?, filename?}), "+
					"download_model({url, folder, filename?}), install_custom_node({node_id, version?}), "+
					"list_custom_nodes(no params), free_memory({unload_models?, free_memory?}), "+
					"get_folder_paths(no params), refresh_index(no params), reboot(no params)",
			),
		},
	}
	d.actions = map[string]func(context.Context, map[string]any) Result{
		"upload_image":        func(ctx context.Context, p map[string]any) Result { return uploadImage(ctx, client, p) },
		"download_model":      func(ctx context.Context, p map[string]any) Result { return downloadModel(ctx, client, p) },
		"install_custom_node": func(ctx context.Context, p map[string]any) Result { return installCustomNode(ctx, client, p) },
		"list_custom_nodes":   func(ctx context.Context, p map[string]any) Result { return listCustomNodes(ctx, client) },
		"free_memory":         func(ctx context.Context, p map[string]any) Result { return freeMemory(ctx, client, p) },
		"get_folder_paths":    func(ctx context.Context, p map[string]any) Result { return folderPaths(ctx, client) },
		"refresh_index": func(ctx context.Context, p map[string]any) Result {
			oldCount := index.NodeCount()
			if err := index.Build(ctx, client); err != nil {
				return Errorf("Failed to refresh node index: %v", err)
			}
			newCount := index.NodeCount()
			msg := fmt.Sprintf("Node index refreshed: %d nodes in %d categories",
				newCount, len(index.Categories()))
			if diff := newCount - oldCount; diff > 0 {
				msg += fmt.Sprintf(" (+%d new nodes)", diff)
			} else if diff < 0 {
				msg += fmt.Sprintf(" (%d nodes removed)", diff)
			}
			return OK(msg)
		},
		"reboot": func(ctx context.Context, p map[string]any) Result {
			if err := client.ManagerReboot(ctx); err != nil {
				return managerError("Failed to reboot", err)
			}
			return OK("ComfyUI is rebooting. Wait ~30s, then call refresh_index to pick up new nodes.")
		},
	}
	return d
}

func uploadImage(ctx context.Context, client *comfyui.Client, p map[string]any) Result {
	url, _ := p["url"].(string)
	filePath, _ := p["filepath"].(string)
	filename, _ := p["filename"].(string)

	if url == "" && filePath == "" {
		return Errorf("Either 'url' or 'filepath' is required")
	}

	var data []byte
	switch {
	case url != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Errorf("Failed to upload image: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return Errorf("Failed to upload image: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return Errorf("Failed to upload image: HTTP %d for %s", resp.StatusCode, url)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxUploadSize))
		if err != nil {
			return Errorf("Failed to upload image: %v", err)
		}
		if filename == "" {
			filename = filenameFromURL(url)
			if filename == "" {
				filename = "uploaded_image.png"
			}
		}
	default:
		var err error
		data, err = os.ReadFile(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Errorf("File not found: %s", filePath)
			}
			return Errorf("Failed to upload image: %v", err)
		}
		if filename == "" {
			filename = filepath.Base(filePath)
		}
	}

	result, err := client.UploadImage(ctx, data, filename, true)
	if err != nil {
		return Errorf("Failed to upload image: %v", err)
	}
	savedName, _ := result["name"].(string)
	if savedName == "" {
		savedName = filename
	}
	subfolder, _ := result["subfolder"].(string)

	msg := "Image uploaded: " + savedName
	if subfolder != "" {
		msg += fmt.Sprintf(" (subfolder: %s)", subfolder)
	}
	msg += fmt.Sprintf("\nUse this in workflow inputs as: %q", savedName)
	return OK(msg)
}

func downloadModel(ctx context.Context, client *comfyui.Client, p map[string]any) Result {
	url, _ := p["url"].(string)
	folder, _ := p["folder"].(string)
	filename, _ := p["filename"].(string)

	if url == "" || folder == "" {
		return Errorf("'url' and 'folder' are required")
	}
	if filename == "" {
		filename = filenameFromURL(url)
	}
	if filename == "" {
		return Errorf("Could not determine filename from URL. Please provide 'filename' parameter.")
	}

	if _, err := client.ManagerInstallModel(ctx, filename, url, filename, "default", folder); err != nil {
		return managerError("Failed to download model", err)
	}
	return OK(fmt.Sprintf("Model download queued: %s\nFolder: %s\nCheck list_models('%s') to confirm once the download completes.",
		filename, folder, folder))
}

func installCustomNode(ctx context.Context, client *comfyui.Client, p map[string]any) Result {
	nodeID, _ := p["node_id"].(string)
	version, _ := p["version"].(string)
	if nodeID == "" {
		return Errorf("'node_id' is required")
	}
	if version == "" {
		version = "latest"
	}

	if _, err := client.ManagerInstallNode(ctx, nodeID, version); err != nil {
		return managerError("Failed to install custom node", err)
	}
	return OK(fmt.Sprintf("Custom node '%s' installed.\nNote: reboot ComfyUI for the new nodes to be available, then call refresh_index.", nodeID))
}

func listCustomNodes(ctx context.Context, client *comfyui.Client) Result {
	list, err := client.ManagerNodeList(ctx)
	if err != nil {
		return managerError("Failed to list custom nodes", err)
	}

	packs, _ := list["custom_nodes"].([]any)
	if len(packs) == 0 {
		return OK("No custom node packs reported by ComfyUI-Manager.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Custom node packs (%d):\n", len(packs))
	for _, raw := range packs {
		pack, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		title, _ := pack["title"].(string)
		if title == "" {
			title, _ = pack["id"].(string)
		}
		state, _ := pack["state"].(string)
		if state == "" {
			state = "not-installed"
		}
		fmt.Fprintf(&b, "  - %s [%s]\n", title, state)
	}
	return OK(b.String())
}

func freeMemory(ctx context.Context, client *comfyui.Client, p map[string]any) Result {
	unload := boolOr(p["unload_models"], true)
	free := boolOr(p["free_memory"], true)

	before := vramFree(ctx, client)
	if err := client.FreeMemory(ctx, unload, free); err != nil {
		return Errorf("Failed to free memory: %v", err)
	}
	after := vramFree(ctx, client)

	msg := fmt.Sprintf("Memory freed. VRAM: %.1f GB available", after/(1024*1024*1024))
	if freed := (after - before) / (1024 * 1024); freed > 0 {
		msg += fmt.Sprintf(" (+%.0f MB)", freed)
	}
	return OK(msg)
}

func vramFree(ctx context.Context, client *comfyui.Client) float64 {
	stats, err := client.SystemStats(ctx)
	if err != nil {
		return 0
	}
	devices, ok := stats["devices"].([]any)
	if !ok || len(devices) == 0 {
		return 0
	}
	dev, ok := devices[0].(map[string]any)
	if !ok {
		return 0
	}
	v, _ := dev["vram_free"].(float64)
	return v
}

func folderPaths(ctx context.Context, client *comfyui.Client) Result {
	paths, err := client.FolderPaths(ctx)
	if err != nil {
		return Errorf("Failed to get folder paths: %v", err)
	}

	folders := make([]string, 0, len(paths))
	for folder := range paths {
		folders = append(folders, folder)
	}
	sort.Strings(folders)

	var b strings.Builder
	b.WriteString("ComfyUI folder paths:\n")
	for _, folder := range folders {
		dirs := folderDirs(paths[folder])
		if len(dirs) > 0 {
			fmt.Fprintf(&b, "  %s: %s\n", folder, strings.Join(dirs, ", "))
		}
	}
	return OK(b.String())
}

// folderDirs flattens the /internal/folder_paths value shape, which is
// either a list of path strings or a list of [path, extensions] pairs.
func folderDirs(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var dirs []string
	for _, item := range list {
		switch p := item.(type) {
		case string:
			dirs = append(dirs, p)
		case []any:
			if len(p) > 0 {
				if s, ok := p[0].(string); ok {
					dirs = append(dirs, s)
				}
			}
		}
	}
	return dirs
}

func managerError(prefix string, err error) Result {
	if errors.Is(err, comfyui.ErrManagerForbidden) {
		return Errorf("%s: ComfyUI-Manager rejected the request. Lower the Manager security level to allow API installs.", prefix)
	}
	return Errorf("%s: %v", prefix, err)
}

func filenameFromURL(url string) string {
	if idx := strings.Index(url, "?"); idx >= 0 {
		url = url[:idx]
	}
	name := url[strings.LastIndex(strings.TrimRight(url, "/"), "/")+1:]
	name = strings.TrimRight(name, "/")
	if strings.Contains(name, ".") {
		return name
	}
	return ""
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}
