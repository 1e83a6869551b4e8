package observability

import (
	"github.com/yejunhao159/comfyui-agent/internal/events"
)

// Observe subscribes the metrics collectors to the event bus. All agent
// instrumentation flows through here; no other component touches Prometheus
// directly.
func Observe(bus *events.Bus, m *Metrics) {
	bus.Subscribe(events.TurnEnd, func(ev events.Event) {
		m.TurnCounter.Inc()
		if ms, ok := numberOf(ev.Data["duration_ms"]); ok {
			m.TurnDuration.Observe(ms / 1000)
		}
		if n, ok := numberOf(ev.Data["iterations"]); ok {
			m.TurnIterations.Observe(n)
		}
		if usage, ok := ev.Data["usage"].(map[string]any); ok {
			if n, ok := numberOf(usage["input_tokens"]); ok && n > 0 {
				m.LLMTokensUsed.WithLabelValues("prompt").Add(n)
			}
			if n, ok := numberOf(usage["output_tokens"]); ok && n > 0 {
				m.LLMTokensUsed.WithLabelValues("completion").Add(n)
			}
		}
	})

	bus.Subscribe(events.LLMRetry, func(ev events.Event) {
		m.LLMRetryCounter.Inc()
	})

	bus.Subscribe(events.StateToolCompleted, func(ev events.Event) {
		m.RecordToolExecution(toolName(ev), "success")
	})

	bus.Subscribe(events.StateToolFailed, func(ev events.Event) {
		m.RecordToolExecution(toolName(ev), "error")
	})

	bus.Subscribe(events.WorkflowSubmitted, func(ev events.Event) {
		m.WorkflowCounter.Inc()
	})

	bus.Subscribe(events.ContextSummarized, func(ev events.Event) {
		m.CompactionCounter.Inc()
	})

	bus.Subscribe(events.StateError, func(ev events.Event) {
		m.RecordError("agent", "llm")
	})

	bus.Subscribe(events.ComfyError, func(ev events.Event) {
		m.RecordError("comfyui", "execution")
	})
}

func toolName(ev events.Event) string {
	if name, ok := ev.Data["tool_name"].(string); ok && name != "" {
		return name
	}
	return "unknown"
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
