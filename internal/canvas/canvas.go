// Package canvas tracks the most recently submitted workflow so the prompt
// can tell the model what is currently on the ComfyUI canvas.
package canvas

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

const emptyCanvas = "Canvas is empty — no workflow has been submitted yet."

// State holds a text summary of the latest submitted workflow.
type State struct {
	mu       sync.Mutex
	summary  string
	promptID string
	logger   *slog.Logger
}

// New creates the tracker and subscribes it to workflow.submitted events.
func New(bus *events.Bus, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{logger: logger}
	bus.Subscribe(events.WorkflowSubmitted, s.onWorkflowSubmitted)
	return s
}

// PromptText returns the canvas summary for prompt injection.
func (s *State) PromptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == "" {
		return emptyCanvas
	}
	return s.summary
}

// PromptID returns the prompt_id of the latest submission.
func (s *State) PromptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptID
}

func (s *State) onWorkflowSubmitted(ev events.Event) {
	workflow, ok := ev.Data["workflow"].(map[string]any)
	if !ok {
		s.logger.Warn("workflow.submitted missing valid workflow data")
		return
	}
	promptID, _ := ev.Data["prompt_id"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptID = promptID
	s.summary = buildSummary(workflow)
}

// buildSummary renders a concise description of a workflow in API format.
// Nodes are walked in numeric id order so the summary is deterministic.
func buildSummary(workflow map[string]any) string {
	if len(workflow) == 0 {
		return ""
	}

	ids := make([]string, 0, len(workflow))
	for id := range workflow {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	var classTypes []string
	var checkpoint, promptText string
	var width, height int

	for _, id := range ids {
		node, ok := workflow[id].(map[string]any)
		if !ok {
			continue
		}
		ct, _ := node["class_type"].(string)
		if ct != "" {
			classTypes = append(classTypes, ct)
		}
		inputs, _ := node["inputs"].(map[string]any)
		switch ct {
		case "CheckpointLoaderSimple":
			if v, ok := inputs["ckpt_name"].(string); ok {
				checkpoint = v
			}
		case "CLIPTextEncode":
			if promptText == "" {
				promptText, _ = inputs["text"].(string)
			}
		case "EmptyLatentImage":
			width = intOf(inputs["width"])
			height = intOf(inputs["height"])
		}
	}

	lines := []string{
		fmt.Sprintf("## Canvas (%d nodes)", len(workflow)),
		"- Node types: " + strings.Join(classTypes, ", "),
	}
	if checkpoint != "" {
		lines = append(lines, "- Checkpoint: "+checkpoint)
	}
	if promptText != "" {
		preview := promptText
		if len(preview) > 80 {
			preview = preview[:80] + "..."
		}
		lines = append(lines, "- Prompt: "+preview)
	}
	if width > 0 && height > 0 {
		lines = append(lines, fmt.Sprintf("- Size: %d×%d", width, height))
	}
	return strings.Join(lines, "\n")
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case int64:
		return int(n)
	}
	return 0
}
