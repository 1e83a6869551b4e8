package tools

import (
	"context"
	"fmt"

	"github.com/yejunhao159/comfyui-agent/internal/comfyui"
)

// NewExecute builds the workflow submission and control dispatcher. A
// successful queue_prompt returns the workflow in Result.Data; the agent
// loop announces workflow.submitted under the running session's ID so the
// canvas tracker and experience synthesizer can attribute it.
func NewExecute(client *comfyui.Client) Tool {
	d := &dispatcher{
		info: Info{
			Name: "comfyui_execute",
			Description: "Submit workflows to ComfyUI for execution and control running jobs.\n\n" +
				"Actions:\n" +
				"- queue_prompt(workflow) — Submit a workflow dict for execution. The workflow " +
				"must be in ComfyUI API format: {node_id: {class_type, inputs}}. Node connections " +
				"use [source_node_id, output_index] references. Always validate_workflow first. " +
				"Returns a prompt_id for tracking. IMPORTANT: After queue_prompt succeeds, " +
				"IMMEDIATELY give a final text response to the user — tell them the workflow " +
				"was submitted with the prompt_id and describe what it will produce. " +
				"Do NOT call any more tools after a successful queue_prompt.\n" +
				"- interrupt() — Cancel the currently running execution immediately. " +
				"Use when the user wants to stop a long-running generation.",
			Parameters: actionEnum(
				[]string{"queue_prompt", "interrupt"},
				"The execution operation to perform",
				"Action-specific parameters: queue_prompt({workflow}), interrupt(no params)",
			),
		},
	}
	d.actions = map[string]func(context.Context, map[string]any) Result{
		"queue_prompt": func(ctx context.Context, p map[string]any) Result {
			workflow, _ := p["workflow"].(map[string]any)
			if len(workflow) == 0 {
				return Errorf("workflow parameter is required")
			}
			resp, err := client.QueuePrompt(ctx, workflow)
			if err != nil {
				return Errorf("Failed to queue prompt: %v", err)
			}
			promptID, _ := resp["prompt_id"].(string)
			if promptID == "" {
				promptID = "unknown"
			}
			return Result{
				Content: fmt.Sprintf("Workflow submitted. prompt_id: %s", promptID),
				Data: map[string]any{
					"prompt_id": promptID,
					"workflow":  workflow,
				},
			}
		},
		"interrupt": func(ctx context.Context, p map[string]any) Result {
			if err := client.Interrupt(ctx); err != nil {
				return Errorf("Failed to interrupt: %v", err)
			}
			return OK("Execution interrupted.")
		},
	}
	return d
}
