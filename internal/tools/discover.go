package tools

import (
	"context"

	"github.com/yejunhao159/comfyui-agent/internal/nodeindex"
)

// NewDiscover builds the node discovery and workflow validation dispatcher.
func NewDiscover(index *nodeindex.Index) Tool {
	d := &dispatcher{
		info: Info{
			Name: "comfyui_discover",
			Description: "Discover ComfyUI nodes and validate workflows. This is your primary " +
				"research tool — always start here when building or modifying workflows.\n\n" +
				"Actions:\n" +
				"- search_nodes(query?, category?) — Search nodes by keyword (e.g. 'upscale', " +
				"'controlnet') or browse a category. Returns top 10 matches with class_name, " +
				"display_name, category, and description. Call with no args to list all categories.\n" +
				"- get_node_detail(node_class) — Get full specification of a node type: " +
				"required/optional inputs with types and allowed values, output types and names. " +
				"Only call for complex nodes (KSampler, ControlNetApply, etc.) — skip simple " +
				"nodes like CLIPTextEncode, EmptyLatentImage, VAEDecode, SaveImage whose " +
				"inputs are obvious.\n" +
				"- get_connectable(output_type?) — Given a data type (MODEL, CLIP, LATENT, " +
				"CONDITIONING, IMAGE, VAE, etc.), list which nodes produce it and which consume it. " +
				"Critical for finding compatible nodes when building pipelines. " +
				"Call with no args for a summary of all connection types.\n" +
				"- validate_workflow(workflow) — Check a workflow dict for errors: missing nodes, " +
				"invalid connections, type mismatches, missing required inputs. " +
				"Always call this before submitting a workflow with comfyui_execute. " +
				"If validation fails, fix the specific error and re-validate ONCE.",
			Parameters: actionEnum(
				[]string{"search_nodes", "get_node_detail", "get_connectable", "validate_workflow"},
				"The discovery operation to perform",
				"Action-specific parameters: search_nodes({query?, category?}), "+
					"get_node_detail({node_class}), get_connectable({output_type?}), "+
					"validate_workflow({workflow})",
			),
		},
	}
	d.actions = map[string]func(context.Context, map[string]any) Result{
		"search_nodes": func(ctx context.Context, p map[string]any) Result {
			query, _ := p["query"].(string)
			category, _ := p["category"].(string)
			switch {
			case query != "":
				return OK(index.Search(query, 10))
			case category != "":
				return OK(index.ListCategory(category))
			default:
				return OK(index.ListCategories())
			}
		},
		"get_node_detail": func(ctx context.Context, p map[string]any) Result {
			nodeClass, _ := p["node_class"].(string)
			if nodeClass == "" {
				return Errorf("node_class is required")
			}
			return OK(index.Detail(nodeClass))
		},
		"get_connectable": func(ctx context.Context, p map[string]any) Result {
			outputType, _ := p["output_type"].(string)
			if outputType == "" {
				return OK(index.TypeSummary())
			}
			return OK(index.Connectable(outputType, 15))
		},
		"validate_workflow": func(ctx context.Context, p map[string]any) Result {
			workflow, _ := p["workflow"].(map[string]any)
			if len(workflow) == 0 {
				return Errorf("workflow is required")
			}
			return OK(index.ValidateWorkflow(workflow))
		},
	}
	return d
}
