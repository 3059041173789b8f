package observe

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/haasonsaas/nexus/internal/agent/rvrexec"
	"github.com/haasonsaas/nexus/internal/agent/toolflow"
	"github.com/haasonsaas/nexus/pkg/models"
)

// InstrumentedTurn decorates an rvrexec.LLMTurn with a per-turn span and
// turn counter/duration metrics, keeping the executor itself free of any
// observability dependency.
type InstrumentedTurn struct {
	next      rvrexec.LLMTurn
	metrics   *Metrics
	tracer    *Tracer
	sessionID string
}

// Turn wraps next. metrics and tracer may each be nil to disable that side.
func Turn(next rvrexec.LLMTurn, metrics *Metrics, tracer *Tracer) *InstrumentedTurn {
	return &InstrumentedTurn{next: next, metrics: metrics, tracer: tracer}
}

// WithSession attaches the session ID recorded on every turn span.
func (t *InstrumentedTurn) WithSession(sessionID string) *InstrumentedTurn {
	t.sessionID = sessionID
	return t
}

func (t *InstrumentedTurn) Stream(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (string, error) {
	start := time.Now()
	finishReason, err := t.streamTraced(ctx, messages, systemPrompt, excludedTools, onBlock)

	if t.metrics != nil {
		t.metrics.TurnDuration.Observe(sinceSeconds(start))
		reason := finishReason
		if err != nil {
			reason = "stream_error"
		}
		t.metrics.TurnCounter.WithLabelValues(reason).Inc()
	}
	return finishReason, err
}

func (t *InstrumentedTurn) streamTraced(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (string, error) {
	if t.tracer == nil {
		return t.next.Stream(ctx, messages, systemPrompt, excludedTools, onBlock)
	}
	ctx, span := t.tracer.StartTurn(ctx, t.sessionID)
	defer span.End()
	finishReason, err := t.next.Stream(ctx, messages, systemPrompt, excludedTools, onBlock)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return finishReason, err
}

// InstrumentedRegistry decorates a toolflow.Registry with a per-call span
// and tool counter/duration metrics.
type InstrumentedRegistry struct {
	next    toolflow.Registry
	metrics *Metrics
	tracer  *Tracer
}

// Registry wraps next. metrics and tracer may each be nil.
func Registry(next toolflow.Registry, metrics *Metrics, tracer *Tracer) *InstrumentedRegistry {
	return &InstrumentedRegistry{next: next, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool, error) {
	start := time.Now()
	content, isError, err := r.executeTraced(ctx, name, input)

	if r.metrics != nil {
		r.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(sinceSeconds(start))
		status := "success"
		if isError || err != nil {
			status = "error"
		}
		r.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	}
	return content, isError, err
}

func (r *InstrumentedRegistry) executeTraced(ctx context.Context, name string, input json.RawMessage) (string, bool, error) {
	if r.tracer == nil {
		return r.next.Execute(ctx, name, input)
	}
	ctx, span := r.tracer.StartTool(ctx, name)
	defer span.End()
	content, isError, err := r.next.Execute(ctx, name, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return content, isError, err
}
