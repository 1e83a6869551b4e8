package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/comfyui"
)

// NewMonitor builds the system status and history dispatcher.
func NewMonitor(client *comfyui.Client) Tool {
	d := &dispatcher{
		info: Info{
			Name: "comfyui_monitor",
			Description: "Monitor ComfyUI system status, available resources, and execution history.\n\n" +
				"Actions:\n" +
				"- system_stats() — Get GPU device info, VRAM usage (total/free), " +
				"ComfyUI version, and Python version. Useful for checking if the system " +
				"can handle a workload.\n" +
				"- list_models(folder?) — List model files in a folder. Folder can be: " +
				"checkpoints, loras, vae, controlnet, upscale_models, embeddings, clip, " +
				"clip_vision, etc. Defaults to 'checkpoints'. IMPORTANT: Always use the " +
				"exact filenames returned by this tool in workflow inputs — never guess " +
				"or fabricate model names.\n" +
				"- get_queue() — Show how many jobs are running and pending in the queue.\n" +
				"- get_history(prompt_id?) — Get execution results. With a prompt_id, " +
				"returns output details including image filenames and node outputs. " +
				"Without, lists recent executions. Use this to check results after " +
				"queue_prompt or to diagnose execution errors.",
			Parameters: actionEnum(
				[]string{"system_stats", "list_models", "get_queue", "get_history"},
				"The monitoring operation to perform",
				"Action-specific parameters: system_stats(no params), list_models({folder?}), "+
					"get_queue(no params), get_history({prompt_id?})",
			),
		},
	}
	d.actions = map[string]func(context.Context, map[string]any) Result{
		"system_stats": func(ctx context.Context, p map[string]any) Result {
			stats, err := client.SystemStats(ctx)
			if err != nil {
				return Errorf("Failed to get system stats: %v", err)
			}
			pretty, _ := json.MarshalIndent(stats, "", "  ")
			return OK(string(pretty))
		},
		"list_models": func(ctx context.Context, p map[string]any) Result {
			folder, _ := p["folder"].(string)
			if folder == "" {
				folder = "checkpoints"
			}
			models, err := client.ListModels(ctx, folder)
			if err != nil {
				return Errorf("Failed to list models: %v", err)
			}
			if len(models) == 0 {
				return OK(fmt.Sprintf("No models found in '%s'.", folder))
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Models in '%s' (%d):\n", folder, len(models))
			for _, m := range models {
				fmt.Fprintf(&b, "  - %s\n", m)
			}
			return OK(b.String())
		},
		"get_queue": func(ctx context.Context, p map[string]any) Result {
			return queueStatus(ctx, client)
		},
		"get_history": func(ctx context.Context, p map[string]any) Result {
			promptID, _ := p["prompt_id"].(string)
			return historyStatus(ctx, client, promptID)
		},
	}
	return d
}

func queueStatus(ctx context.Context, client *comfyui.Client) Result {
	queue, err := client.Queue(ctx)
	if err != nil {
		return Errorf("Failed to get queue: %v", err)
	}
	running, _ := queue["queue_running"].([]any)
	pending, _ := queue["queue_pending"].([]any)

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d running, %d pending\n", len(running), len(pending))
	for _, item := range running {
		if id := queueItemID(item); id != "" {
			fmt.Fprintf(&b, "  [running] %s\n", id)
		}
	}
	shown := pending
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, item := range shown {
		if id := queueItemID(item); id != "" {
			fmt.Fprintf(&b, "  [pending] %s\n", id)
		}
	}
	if len(pending) > 10 {
		fmt.Fprintf(&b, "  ... and %d more\n", len(pending)-10)
	}
	return OK(b.String())
}

// queueItemID extracts the prompt_id from a queue entry, which ComfyUI
// encodes as [number, prompt_id, workflow, ...].
func queueItemID(item any) string {
	entry, ok := item.([]any)
	if !ok || len(entry) < 2 {
		return ""
	}
	id, _ := entry[1].(string)
	return id
}

func historyStatus(ctx context.Context, client *comfyui.Client, promptID string) Result {
	history, err := client.History(ctx, promptID, 10)
	if err != nil {
		return Errorf("Failed to get history: %v", err)
	}

	if promptID != "" {
		entry, ok := history[promptID].(map[string]any)
		if ok {
			return OK(renderHistoryEntry(client, promptID, entry))
		}
	}

	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 10 {
		ids = ids[len(ids)-10:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent executions (%d total, showing %d):\n", len(history), len(ids))
	for _, id := range ids {
		status := "unknown"
		if entry, ok := history[id].(map[string]any); ok {
			if st, ok := entry["status"].(map[string]any); ok {
				if s, ok := st["status_str"].(string); ok {
					status = s
				}
			}
		}
		fmt.Fprintf(&b, "  - %s [%s]\n", id, status)
	}
	return OK(b.String())
}

func renderHistoryEntry(client *comfyui.Client, promptID string, entry map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution %s:\n", promptID)

	status := "unknown"
	if st, ok := entry["status"].(map[string]any); ok {
		if s, ok := st["status_str"].(string); ok {
			status = s
		}
	}
	fmt.Fprintf(&b, "  Status: %s\n", status)

	outputs, ok := entry["outputs"].(map[string]any)
	if !ok || len(outputs) == 0 {
		return b.String()
	}
	b.WriteString("  Outputs:\n")

	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		output, ok := outputs[nodeID].(map[string]any)
		if !ok {
			continue
		}
		images, ok := output["images"].([]any)
		if !ok {
			continue
		}
		for _, raw := range images {
			img, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			filename, _ := img["filename"].(string)
			subfolder, _ := img["subfolder"].(string)
			folderType, _ := img["type"].(string)
			if folderType == "" {
				folderType = "output"
			}
			url := client.ImageURL(filename, subfolder, folderType)
			fmt.Fprintf(&b, "    Node %s: %s\n", nodeID, url)
		}
	}
	return b.String()
}
