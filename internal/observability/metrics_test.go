package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestObserveTurnEnd(t *testing.T) {
	m := newTestMetrics(t)
	bus := events.NewBus(10, nil)
	Observe(bus, m)

	bus.Publish(events.New(events.TurnEnd, "s1", map[string]any{
		"duration_ms": int64(2500),
		"iterations":  3,
		"usage": map[string]any{
			"input_tokens":  1200,
			"output_tokens": 350,
		},
	}))

	if got := testutil.ToFloat64(m.TurnCounter); got != 1 {
		t.Errorf("turns = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("prompt")); got != 1200 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("completion")); got != 350 {
		t.Errorf("completion tokens = %v", got)
	}
}

func TestObserveToolOutcomes(t *testing.T) {
	m := newTestMetrics(t)
	bus := events.NewBus(10, nil)
	Observe(bus, m)

	bus.Publish(events.New(events.StateToolCompleted, "s1", map[string]any{"tool_name": "queue_prompt"}))
	bus.Publish(events.New(events.StateToolCompleted, "s1", map[string]any{"tool_name": "queue_prompt"}))
	bus.Publish(events.New(events.StateToolFailed, "s1", map[string]any{"tool_name": "validate_workflow"}))
	bus.Publish(events.New(events.StateToolFailed, "s1", nil))

	expected := `
		# HELP comfyui_agent_tool_executions_total Total number of tool executions by tool name and status
		# TYPE comfyui_agent_tool_executions_total counter
		comfyui_agent_tool_executions_total{status="error",tool_name="unknown"} 1
		comfyui_agent_tool_executions_total{status="error",tool_name="validate_workflow"} 1
		comfyui_agent_tool_executions_total{status="success",tool_name="queue_prompt"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric values: %v", err)
	}
}

func TestObserveCountersIncrement(t *testing.T) {
	m := newTestMetrics(t)
	bus := events.NewBus(10, nil)
	Observe(bus, m)

	bus.Publish(events.New(events.LLMRetry, "s1", nil))
	bus.Publish(events.New(events.LLMRetry, "s1", nil))
	bus.Publish(events.New(events.WorkflowSubmitted, "s1", nil))
	bus.Publish(events.New(events.ContextSummarized, "s1", nil))
	bus.Publish(events.New(events.StateError, "s1", nil))

	if got := testutil.ToFloat64(m.LLMRetryCounter); got != 2 {
		t.Errorf("retries = %v", got)
	}
	if got := testutil.ToFloat64(m.WorkflowCounter); got != 1 {
		t.Errorf("workflows = %v", got)
	}
	if got := testutil.ToFloat64(m.CompactionCounter); got != 1 {
		t.Errorf("compactions = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("agent", "llm")); got != 1 {
		t.Errorf("errors = %v", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordHTTPRequest("GET", "/api/health", "200", 0.002)
	m.RecordHTTPRequest("GET", "/api/health", "200", 0.004)

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/api/health", "200")); got != 2 {
		t.Errorf("http requests = %v", got)
	}
}
