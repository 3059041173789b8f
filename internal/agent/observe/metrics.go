// Package observe carries the executor's observability surface: Prometheus
// metrics for turns, tool calls, backtracks and terminator decisions, an
// OpenTelemetry tracer opening one span per LLM turn and one per tool call,
// and decorators that attach both to an LLMTurn / tool Registry without the
// core loop knowing about either.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the agent loop's Prometheus metrics.
type Metrics struct {
	// TurnCounter counts LLM turns by finish reason ("end_turn",
	// "tool_use", "stream_error").
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures one LLM streaming turn in seconds.
	TurnDuration prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BacktrackCounter counts backtrack decisions by decision kind.
	BacktrackCounter *prometheus.CounterVec

	// TerminatorDecisions counts terminator stop decisions by finish reason.
	TerminatorDecisions *prometheus.CounterVec

	// RollbackCounter counts snapshot rollbacks by status (ok|partial).
	RollbackCounter *prometheus.CounterVec
}

// NewMetrics registers the agent metrics with reg and returns them. Pass
// prometheus.DefaultRegisterer in production; tests pass their own registry
// so repeated construction doesn't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_turns_total",
				Help: "Total LLM turns by finish reason",
			},
			[]string{"finish_reason"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentcore_turn_duration_seconds",
				Help:    "Duration of one LLM streaming turn in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		BacktrackCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_backtracks_total",
				Help: "Total backtrack decisions by decision kind",
			},
			[]string{"decision"},
		),

		TerminatorDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_terminator_decisions_total",
				Help: "Total terminator stop decisions by finish reason",
			},
			[]string{"finish_reason"},
		),

		RollbackCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_rollbacks_total",
				Help: "Total snapshot rollbacks by status",
			},
			[]string{"status"},
		),
	}
}
