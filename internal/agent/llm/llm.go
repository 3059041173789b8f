// Package llm adapts the internal/agent.LLMProvider contract
// (CompletionRequest/CompletionChunk streaming, as implemented by
// internal/agent/providers for Anthropic/OpenAI/etc. and orchestrated for
// failover by internal/agent.FailoverOrchestrator) to the single method the
// Executor (internal/agent/rvrexec) actually needs:
//
//	Stream(ctx, messages, systemPrompt, excludedTools, onBlock) (finishReason string, err error)
//
// The LLM service is treated as an external collaborator: rvrexec depends
// only on the small LLMTurn interface, and this package supplies the
// concrete adapter over the existing provider stack.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Adapter wraps an agent.LLMProvider (a concrete provider such as
// providers.AnthropicProvider/OpenAIProvider, or an
// agent.FailoverOrchestrator composing several) and implements
// rvrexec.LLMTurn over it.
type Adapter struct {
	provider  agent.LLMProvider
	model     string
	maxTokens int
	tools     []agent.Tool
}

// Option customizes an Adapter at construction time.
type Option func(*Adapter)

// WithModel overrides the model ID sent on every request; if unset, the
// provider's own default is used (CompletionRequest.Model left empty).
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithMaxTokens overrides the response token cap.
func WithMaxTokens(n int) Option {
	return func(a *Adapter) { a.maxTokens = n }
}

// WithTools advertises the given tool declarations on every request.
// Stream applies the Executor's per-turn pruned-tools exclusion against
// this full set, so Adapter itself stays the single source of truth for
// "don't leave the model with no tools at all."
func WithTools(tools []agent.Tool) Option {
	return func(a *Adapter) { a.tools = tools }
}

// New builds an Adapter over any agent.LLMProvider: a single provider for
// the simple case, or an *agent.FailoverOrchestrator (see Failover below)
// to get a retry/circuit-breaker resilience layer for free, kept external
// to the core loop so infrastructure errors are retried separately from
// business-logic failures.
func New(provider agent.LLMProvider, opts ...Option) *Adapter {
	a := &Adapter{provider: provider, maxTokens: 4096}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Failover builds an agent.FailoverOrchestrator over a primary and zero or
// more secondary providers (e.g. Anthropic primary, OpenAI secondary) using
// the default failover/circuit-breaker policy and returns the orchestrator
// itself; pass the result to New or NewFromProvider to get an Adapter,
// giving the executor automatic provider failover without any change to
// its own retry logic.
func Failover(primary agent.LLMProvider, secondaries ...agent.LLMProvider) agent.LLMProvider {
	orch := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, s := range secondaries {
		orch.AddProvider(s)
	}
	return orch
}

// Stream implements rvrexec.LLMTurn. It issues one CompletionRequest,
// drains the resulting CompletionChunk stream, folds text/thinking/tool_use
// chunks into ContentBlocks via onBlock, and reports the turn's finish reason.
//
// On a provider-reported error or context cancellation mid-stream, Stream
// returns finishReason="stream_error" without flushing any buffered partial
// text: the executor discards incomplete blocks rather than persist
// malformed content.
//
// excludedTools bans the named tools from this turn's tool-definitions list
// (the backtrack engine's pruned-tools set); if excluding them would leave
// zero tools, the full set is sent instead rather than stranding the model
// without any tools.
func (a *Adapter) Stream(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (string, error) {
	req := &agent.CompletionRequest{
		Model:     a.model,
		System:    systemPrompt,
		Messages:  toCompletionMessages(messages),
		Tools:     a.toolsFor(excludedTools),
		MaxTokens: a.maxTokens,
	}

	chunks, err := a.provider.Complete(ctx, req)
	if err != nil {
		return "stream_error", fmt.Errorf("llm: start stream: %w", err)
	}

	var textBuf, thinkBuf strings.Builder
	finishReason := "end_turn"

	flushText := func() {
		if textBuf.Len() > 0 {
			onBlock(models.NewTextBlock(textBuf.String()))
			textBuf.Reset()
		}
	}
	flushThinking := func() {
		if thinkBuf.Len() > 0 {
			onBlock(models.NewThinkingBlock(thinkBuf.String(), ""))
			thinkBuf.Reset()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "stream_error", ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				flushText()
				return finishReason, nil
			}
			if chunk.Error != nil {
				return "stream_error", fmt.Errorf("llm: stream: %w", chunk.Error)
			}
			switch {
			case chunk.ThinkingEnd:
				flushThinking()
			case chunk.Thinking != "":
				thinkBuf.WriteString(chunk.Thinking)
			case chunk.ToolCall != nil:
				flushText()
				onBlock(models.NewToolUseBlock(chunk.ToolCall.ID, chunk.ToolCall.Name, chunk.ToolCall.Input))
				finishReason = "tool_use"
			case chunk.Text != "":
				textBuf.WriteString(chunk.Text)
			}
			if chunk.Done {
				flushText()
				return finishReason, nil
			}
		}
	}
}

// toolsFor applies excludedTools against the adapter's full tool set,
// falling back to the full set if the exclusion would empty it. The
// sentinel "*" forces no tools at all regardless of that fallback, for the
// Executor's fallback-completion call which deliberately asks with
// tools=[].
func (a *Adapter) toolsFor(excludedTools []string) []agent.Tool {
	if len(excludedTools) == 0 || len(a.tools) == 0 {
		return a.tools
	}
	for _, name := range excludedTools {
		if name == "*" {
			return nil
		}
	}
	banned := make(map[string]struct{}, len(excludedTools))
	for _, name := range excludedTools {
		banned[name] = struct{}{}
	}
	kept := make([]agent.Tool, 0, len(a.tools))
	for _, t := range a.tools {
		if _, ok := banned[t.Name()]; !ok {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return a.tools
	}
	return kept
}

// toCompletionMessages flattens a BlockMessage history (preserving
// tool_use/tool_result pairing) into the flatter CompletionMessage shape,
// which carries tool calls/results as sibling slices on one message rather
// than as typed content blocks.
func toCompletionMessages(messages []models.BlockMessage) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := agent.CompletionMessage{Role: string(m.Role)}
		var text strings.Builder
		for _, b := range m.Blocks {
			switch b.Type {
			case models.ContentBlockText:
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(b.Text)
			case models.ContentBlockToolUse:
				cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
			case models.ContentBlockToolResult:
				cm.ToolResults = append(cm.ToolResults, models.ToolResult{
					ToolCallID: b.ToolResultForID,
					Content:    resultContentText(b),
					IsError:    b.IsError,
				})
			}
		}
		cm.Content = text.String()
		out = append(out, cm)
	}
	return out
}

// resultContentText renders a (possibly multimodal) ToolResult block down
// to the plain string CompletionMessage.ToolResults expects. Nested image
// blocks are summarized rather than inlined; the
// compactor (internal/agent/compact) is responsible for stripping images
// from the BlockMessage history before it ever reaches this adapter.
func resultContentText(b models.ContentBlock) string {
	if len(b.ResultBlocks) == 0 {
		return b.Content
	}
	var sb strings.Builder
	for i, nested := range b.ResultBlocks {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if nested.IsImage() {
			sb.WriteString("[image]")
			continue
		}
		sb.WriteString(nested.Text)
	}
	return sb.String()
}

// marshalInput encodes a structured Go value as raw JSON tool input,
// returning "{}" if the value cannot be marshaled. Nothing in this package
// calls it at present.
func marshalInput(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
