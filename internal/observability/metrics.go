// Package observability collects Prometheus metrics for the agent runtime.
//
// The metrics system tracks:
//   - Conversation turns and their duration
//   - LLM token consumption and retry pressure
//   - Tool execution counts and outcomes
//   - Workflow submissions to the ComfyUI backend
//   - Context compaction events
//   - HTTP API request latency
//
// Metrics are fed from the event bus rather than from call sites, so the
// agent loop stays free of instrumentation concerns.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the agent exports.
type Metrics struct {
	// TurnCounter counts completed conversation turns.
	TurnCounter prometheus.Counter

	// TurnDuration measures full turn latency in seconds, user message to
	// final answer.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	TurnDuration prometheus.Histogram

	// TurnIterations measures ReAct iterations per turn.
	TurnIterations prometheus.Histogram

	// LLMTokensUsed tracks token consumption.
	// Labels: type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMRetryCounter counts retried LLM calls.
	LLMRetryCounter prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// WorkflowCounter counts workflows submitted to the backend.
	WorkflowCounter prometheus.Counter

	// CompactionCounter counts context summarization events.
	CompactionCounter prometheus.Counter

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (agent|gateway|comfyui), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ActiveWebsockets gauges currently connected chat websocket clients.
	ActiveWebsockets prometheus.Gauge
}

// NewMetrics creates and registers all collectors. A nil registerer uses the
// Prometheus default registry; tests pass their own to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyui_agent_turns_total",
			Help: "Total number of completed conversation turns",
		}),

		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "comfyui_agent_turn_duration_seconds",
			Help:    "Duration of conversation turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		TurnIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "comfyui_agent_turn_iterations",
			Help:    "Agent loop iterations per turn",
			Buckets: []float64{1, 2, 3, 5, 8, 12, 16, 20},
		}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyui_agent_llm_tokens_total",
			Help: "Total number of LLM tokens used by type",
		}, []string{"type"}),

		LLMRetryCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyui_agent_llm_retries_total",
			Help: "Total number of retried LLM calls",
		}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyui_agent_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),

		WorkflowCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyui_agent_workflows_submitted_total",
			Help: "Total number of workflows submitted to ComfyUI",
		}),

		CompactionCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyui_agent_context_compactions_total",
			Help: "Total number of context summarization events",
		}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyui_agent_errors_total",
			Help: "Total number of errors by component and error type",
		}, []string{"component", "error_type"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfyui_agent_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),

		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyui_agent_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),

		ActiveWebsockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "comfyui_agent_active_websockets",
			Help: "Currently connected chat websocket clients",
		}),
	}
}

// RecordToolExecution records one tool invocation outcome.
func (m *Metrics) RecordToolExecution(toolName, status string) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
