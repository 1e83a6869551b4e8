package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/internal/tools"
)

const subAgentIterations = 10

// NewSubAgentRunner builds the task runner behind the delegate_task tool.
// Each delegated task runs a fresh loop over the read-only registry with a
// smaller iteration budget, inside the child session the tool created.
func NewSubAgentRunner(client *llm.Client, readOnly *tools.Registry, store Store,
	bus *events.Bus, opts Options, logger *slog.Logger) tools.TaskRunner {
	opts.MaxIterations = subAgentIterations
	return func(ctx context.Context, childSessionID, task string) (string, error) {
		executor := NewExecutor(readOnly, 60*time.Second, logger)
		sub := New(client, readOnly, executor, store, bus,
			StaticPrompt(tools.SubAgentPrompt), nil, nil, opts, logger)
		return sub.Run(ctx, childSessionID, task)
	}
}
