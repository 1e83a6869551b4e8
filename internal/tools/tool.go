// Package tools defines the capabilities exposed to the model. ComfyUI
// operations are grouped into four dispatcher tools that route an action
// name to a handler, keeping the tool list short for the model. Web access
// and sub-agent delegation are standalone tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/llm"
)

// maxResultChars caps tool output fed back to the model. Oversized output
// keeps the head and tail halves with a truncation marker between them.
const maxResultChars = 15000

// Info is tool metadata exposed to the model.
type Info struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Result is the outcome of a tool execution.
type Result struct {
	Content string
	IsError bool
	Data    map[string]any
}

// Errorf builds an error result.
func Errorf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// OK builds a success result.
func OK(content string) Result {
	return Result{Content: content}
}

// Tool is one capability the agent can invoke.
type Tool interface {
	Info() Info
	Run(ctx context.Context, params map[string]any) Result
}

// Truncate caps text at maxResultChars, keeping the head and tail halves
// split on line boundaries.
func Truncate(text string) string {
	if len(text) <= maxResultChars {
		return text
	}

	half := maxResultChars / 2
	lines := strings.Split(text, "\n")

	var head []string
	headLen := 0
	i := 0
	for ; i < len(lines); i++ {
		if headLen+len(lines[i])+1 > half {
			break
		}
		head = append(head, lines[i])
		headLen += len(lines[i]) + 1
	}

	var tail []string
	tailLen := 0
	j := len(lines) - 1
	for ; j > i; j-- {
		if tailLen+len(lines[j])+1 > half {
			break
		}
		tail = append([]string{lines[j]}, tail...)
		tailLen += len(lines[j]) + 1
	}

	omitted := j - i + 1
	marker := fmt.Sprintf("... [%d lines truncated] ...", omitted)
	parts := append(append(head, marker), tail...)
	return strings.Join(parts, "\n")
}

// Registry holds the tool set in registration order.
type Registry struct {
	byName map[string]Tool
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	name := t.Info().Name
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) Tool { return r.byName[name] }

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas renders the tool set for a model request.
func (r *Registry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		info := r.byName[name].Info()
		schemas = append(schemas, llm.ToolSchema{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return schemas
}

// dispatcher routes an action name to a handler. It is the base for the
// four comfyui_* group tools.
type dispatcher struct {
	info    Info
	actions map[string]func(ctx context.Context, params map[string]any) Result
}

func (d *dispatcher) Info() Info { return d.info }

func (d *dispatcher) Run(ctx context.Context, params map[string]any) Result {
	action, _ := params["action"].(string)
	actionParams, _ := params["params"].(map[string]any)
	if actionParams == nil {
		actionParams = map[string]any{}
	}

	handler, ok := d.actions[action]
	if !ok {
		names := make([]string, 0, len(d.actions))
		for name := range d.actions {
			names = append(names, name)
		}
		sort.Strings(names)
		return Errorf("Unknown action: '%s'. Available: %s", action, strings.Join(names, ", "))
	}

	result := handler(ctx, actionParams)
	result.Content = Truncate(result.Content)
	return result
}

// actionEnum builds the shared action+params JSON schema for a dispatcher.
func actionEnum(actions []string, actionDesc, paramsDesc string) map[string]any {
	enum := make([]any, len(actions))
	for i, a := range actions {
		enum[i] = a
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        enum,
				"description": actionDesc,
			},
			"params": map[string]any{
				"type":        "object",
				"description": paramsDesc,
			},
		},
		"required": []any{"action"},
	}
}
