package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/tools"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const defaultToolTimeout = 60 * time.Second

// Executor runs tool calls with a per-call timeout and panic containment.
type Executor struct {
	registry *tools.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor wraps the registry. timeout <= 0 uses the 60s default.
func NewExecutor(registry *tools.Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, timeout: timeout, logger: logger}
}

// Execute runs one tool call. Failures of any kind come back as error
// results, never as Go errors, so the model always sees a tool_result.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) tools.Result {
	tool := e.registry.Get(call.Name)
	if tool == nil {
		return tools.Errorf("Unknown tool: %s", call.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan tools.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
				done <- tools.Errorf("Tool '%s' failed: %v", call.DisplayName(), r)
			}
		}()
		done <- tool.Run(ctx, call.Input)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return tools.Errorf("Tool '%s' timed out after %ds",
				call.DisplayName(), int(e.timeout.Seconds()))
		}
		return tools.Errorf("Tool '%s' failed: %s", call.DisplayName(), ctx.Err())
	}
}

// ExecuteBatch runs a batch of tool calls in parallel, preserving input
// order in the returned results.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}
