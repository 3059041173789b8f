// Package rvrexec implements the Executor: the RVR/RVR-B main loop
// that composes broadcast, toolflow, compact, backtrack, terminate, and
// snapshot into one turn-by-turn state machine. Grounded on
// internal/agent/loop.go's AgenticLoop.Run (Init -> Stream -> ExecuteTools ->
// Continue -> Complete phase machine over a buffered response-chunk
// channel), generalized so the same loop also runs the RVR-B
// backtrack-and-reflect extension when a RVRBState is supplied.
package rvrexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent/backtrack"
	"github.com/haasonsaas/nexus/internal/agent/broadcast"
	"github.com/haasonsaas/nexus/internal/agent/compact"
	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/internal/agent/snapshot"
	"github.com/haasonsaas/nexus/internal/agent/terminate"
	"github.com/haasonsaas/nexus/internal/agent/toolflow"
	"github.com/haasonsaas/nexus/pkg/models"
)

// suspensionEvents maps a TerminationDecision's FinishReason to the
// broadcaster event the executor emits before invoking SuspendFunc, so
// subscribers see the ask-user prompt as part of the normal event stream
// rather than out-of-band.
var suspensionEvents = map[models.FinishReason]broadcast.EventType{
	models.FinishHITLConfirm:         broadcast.EventHITLConfirm,
	models.FinishLongRunningConfirm:  broadcast.EventLongRunningConfirm,
	models.FinishBacktrackExhausted:  broadcast.EventBacktrackExhaustedConfirm,
	models.FinishIntentClarify:       broadcast.EventIntentClarifyRequest,
	models.FinishConsecutiveFailures: broadcast.EventRollbackOptions,
	models.FinishCostLimit:           broadcast.EventCostLimitConfirm,
}

// LLMTurn is the minimal contract the executor needs from an LLM client: run
// one streaming turn over the given messages, invoking onBlock for every
// completed content block, and report the turn's finish reason ("end_turn",
// "tool_use", "stop_sequence", ...). internal/agent/llm provides concrete
// implementations over the real provider SDKs; tests supply stubs.
type LLMTurn interface {
	Stream(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (finishReason string, err error)
}

// SuspendFunc is invoked whenever the AdaptiveTerminator returns an
// ASK_USER or ROLLBACK_OPTIONS action. It blocks until the human responds;
// resume=true continues the loop, resume=false stops it. The executor
// itself never blocks on I/O beyond this injected callable.
type SuspendFunc func(ctx context.Context, decision models.TerminationDecision) (resume bool, err error)

// Config bundles the tunables the executor itself consumes directly.
// Flow/Compactor/Terminator/BacktrackEngine are constructed and configured
// independently (each from its own Default*Config) and passed into New
// pre-built, rather than as config values.
type Config struct {
	SystemPrompt   string
	TokenBudget    int
	CompactConfig  compact.Config
	DedupThreshold int // consecutive identical tool calls before a "repeating yourself" warning; default 4
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig(tokenBudget int) Config {
	return Config{
		TokenBudget:    tokenBudget,
		CompactConfig:  compact.DefaultConfig(tokenBudget),
		DedupThreshold: 4,
	}
}

// Result is the terminal outcome of a Run call.
type Result struct {
	Decision models.TerminationDecision
	Messages []models.BlockMessage
	Turns    int
}

// Executor is the RVR/RVR-B main loop. A nil BacktrackEngine/RVRBState
// runs the plain RVR loop; supplying both enables RVR-B's backtracking and
// reflection behavior.
type Executor struct {
	llm         LLMTurn
	broadcaster *broadcast.Broadcaster
	flow        *toolflow.Flow
	compactor   *compact.Compactor
	terminator  *terminate.Terminator
	backtrack   *backtrack.Engine
	snapshots   *snapshot.Manager
	cfg         Config
}

// New constructs an Executor. backtrackEngine and snapshots may be nil to
// disable RVR-B and filesystem side-effect capture respectively.
func New(llm LLMTurn, broadcaster *broadcast.Broadcaster, flow *toolflow.Flow, compactor *compact.Compactor, terminator *terminate.Terminator, backtrackEngine *backtrack.Engine, snapshots *snapshot.Manager, cfg Config) *Executor {
	return &Executor{
		llm:         llm,
		broadcaster: broadcaster,
		flow:        flow,
		compactor:   compactor,
		terminator:  terminator,
		backtrack:   backtrackEngine,
		snapshots:   snapshots,
		cfg:         cfg,
	}
}

// Run drives the loop to completion for one session, returning the final
// TerminationDecision and the full conversation as accumulated. suspend may
// be nil; if so, any ASK_USER/ROLLBACK_OPTIONS decision stops the loop
// immediately rather than blocking (appropriate for headless/batch runs).
//
// When a snapshot manager is configured, Run opens a task-scoped snapshot
// keyed by the session ID before the first turn so the tool flow can lazily
// capture files it is about to touch, and commits it on clean completion.
// A session that stops any other way leaves the snapshot in place for the
// rollback path.
func (e *Executor) Run(ctx context.Context, rt *rvrstate.RuntimeContext, state *rvrstate.RVRBState, messages []models.BlockMessage, suspend SuspendFunc) (Result, error) {
	if e.snapshots != nil {
		if check := e.snapshots.PreTaskCheck(nil); !check.Passed && e.broadcaster != nil {
			e.broadcaster.EmitWarning(rt.SessionID, "pre-task check: "+strings.Join(check.Issues, "; "))
		}
		if _, err := e.snapshots.CreateSnapshot(rt.SessionID, nil); err == nil {
			ctx = toolflow.WithTaskID(ctx, rt.SessionID)
		} else if e.broadcaster != nil {
			e.broadcaster.EmitWarning(rt.SessionID, "snapshot creation failed: "+err.Error())
		}
	}

	result, err := e.run(ctx, rt, state, messages, suspend)

	if e.snapshots != nil && err == nil && result.Decision.FinishReason == models.FinishCompleted {
		_ = e.snapshots.Commit(rt.SessionID)
	}
	return result, err
}

func (e *Executor) run(ctx context.Context, rt *rvrstate.RuntimeContext, state *rvrstate.RVRBState, messages []models.BlockMessage, suspend SuspendFunc) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{Messages: messages, Turns: rt.CurrentTurn}, ctx.Err()
		default:
		}

		decision := e.terminator.Evaluate(rt, terminate.Input{})
		if decision.ShouldStop {
			_, stop, err := e.handleSuspension(ctx, rt, state, decision, suspend)
			if err != nil {
				return Result{Messages: messages, Turns: rt.CurrentTurn}, err
			}
			if stop {
				return Result{Decision: decision, Messages: messages, Turns: rt.CurrentTurn}, nil
			}
		}

		rt.CurrentTurn++
		rt.TouchActivity()

		messages = e.compactor.Compact(messages, e.cfg.SystemPrompt, nil, e.cfg.CompactConfig)

		var excludedTools []string
		if state != nil {
			for tool := range state.PrunedTools {
				excludedTools = append(excludedTools, tool)
			}
		}

		assistantBlocks, toolUses, finishReason, err := e.streamTurn(ctx, rt, messages, excludedTools)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{Messages: messages, Turns: rt.CurrentTurn}, fmt.Errorf("stream turn %d: %w", rt.CurrentTurn, err)
			}
			// Mid-stream provider failure: discard the partial blocks,
			// surface a recoverable error event, and complete with a
			// fallback message instead of unwinding the loop.
			if e.broadcaster != nil {
				e.broadcaster.DiscardOpenBlock(rt.SessionID)
				e.broadcaster.EmitError(rt.SessionID, "stream_error", "connection interrupted, please retry", true)
			}
			rt.StopReason = "stream_error"
			messages = append(messages, models.BlockMessage{
				Role:   models.RoleAssistant,
				Blocks: []models.ContentBlock{models.NewTextBlock("the connection was interrupted before the response finished; please retry")},
			})
			return Result{
				Decision: models.TerminationDecision{ShouldStop: true, Reason: "llm stream interrupted", FinishReason: models.FinishCompleted, Action: models.ActionStop},
				Messages: messages,
				Turns:    rt.CurrentTurn,
			}, nil
		}

		if len(toolUses) == 0 && finishReason == "end_turn" && joinText(assistantBlocks) == "" {
			messages = e.fallbackCompletion(ctx, rt, messages)
		} else {
			messages = append(messages, models.BlockMessage{Role: models.RoleAssistant, Blocks: assistantBlocks})
		}

		if len(toolUses) == 0 {
			rt.StopReason = finishReason
			rt.FinalResult = joinText(lastAssistantText(messages))
			decision = e.terminator.Evaluate(rt, terminate.Input{LastStopReason: finishReason})
			if decision.ShouldStop {
				return Result{Decision: decision, Messages: messages, Turns: rt.CurrentTurn}, nil
			}
			return Result{Decision: models.TerminationDecision{ShouldStop: true, FinishReason: models.FinishCompleted, Action: models.ActionStop}, Messages: messages, Turns: rt.CurrentTurn}, nil
		}

		calls := toolUseBlocksToCalls(toolUses)

		pendingNames := make([]string, len(calls))
		for i, c := range calls {
			pendingNames[i] = c.Name
		}
		decision = e.terminator.Evaluate(rt, terminate.Input{PendingToolNames: pendingNames})
		if decision.ShouldStop {
			_, stop, err := e.handleSuspension(ctx, rt, state, decision, suspend)
			if err != nil {
				return Result{Messages: messages, Turns: rt.CurrentTurn}, err
			}
			if stop {
				return Result{Decision: decision, Messages: messages, Turns: rt.CurrentTurn}, nil
			}
		}

		results := e.flow.Execute(ctx, calls)

		resultBlocks := make([]models.ContentBlock, 0, len(results))
		var anyFailure, pendingUserInput bool
		var hintMessages []string
		for i, r := range results {
			if r.IsError {
				if strings.Contains(resultText(r), "pending_user_input") {
					// A rejected HITL confirmation is a suspension, not a
					// tool failure: the human's reply arrives as the next
					// user message, so don't feed the backtrack engine.
					pendingUserInput = true
					resultBlocks = append(resultBlocks, models.NewToolResultBlock(r.ToolID, resultText(r), true))
					continue
				}
				anyFailure = true
				rt.RecordToolFailure()
				resultBlocks = append(resultBlocks, models.NewToolResultBlock(r.ToolID, resultText(r), true))
				if state != nil && e.backtrack != nil {
					outcome := e.backtrack.HandleFailure(ctx, rt, state, backtrack.ToolFailure{
						ToolName:  r.ToolName,
						ToolInput: r.ToolInput,
						ErrorMsg:  r.ErrorMsg,
					})
					if e.broadcaster != nil {
						switch outcome.Decision {
						case backtrack.DecisionFailGracefully:
							e.broadcaster.Emit(rt.SessionID, broadcast.EventBacktrackExhausted, outcome)
						case backtrack.DecisionContinue:
						default:
							e.broadcaster.Emit(rt.SessionID, broadcast.EventBacktrack, outcome)
						}
					}
					var replacedOK bool
					if outcome.Decision == backtrack.DecisionToolReplace {
						if alt, ok := e.backtrack.ResolveToolReplace(r.ToolName, state); ok {
							replaced := e.flow.ExecuteSingle(ctx, models.ToolCall{ID: calls[i].ID, Name: alt, Input: calls[i].Input})
							resultBlocks[len(resultBlocks)-1] = models.NewToolResultBlock(replaced.ToolID, resultText(replaced), replaced.IsError)
							if !replaced.IsError {
								rt.RecordToolSuccess()
								replacedOK = true
							}
						}
					}
					if !replacedOK {
						if hint := backtrack.BuildHintMessage(r.ToolName, state.ToolFailureStreak[r.ToolName], state); hint != "" {
							hintMessages = append(hintMessages, hint)
						}
					}
				}
			} else {
				rt.RecordToolSuccess()
				if state != nil {
					state.ResetToolStreak(r.ToolName)
				}
				resultBlocks = append(resultBlocks, models.NewToolResultBlock(r.ToolID, resultText(r), false))
			}

			_, runLength := rt.ObserveToolCall(r.ToolName, r.ToolInput)
			threshold := e.cfg.DedupThreshold
			if threshold <= 0 {
				threshold = 4
			}
			if runLength >= threshold {
				resultBlocks = append(resultBlocks, models.NewTextBlock(backtrack.BuildRepeatingYourselfMessage(r.ToolName, runLength)))
			}
		}

		if e.broadcaster != nil {
			for _, b := range resultBlocks {
				if b.Type == models.ContentBlockToolResult {
					e.broadcaster.EmitBlock(rt.SessionID, b)
				}
			}
		}

		if anyFailure && state != nil {
			reflection := backtrack.BuildReflection(state)
			toolMsg := models.BlockMessage{Role: models.RoleUser, Blocks: resultBlocks}
			messages = append(messages, backtrack.CleanContextPollution(toolMsg, reflection))
		} else {
			messages = append(messages, models.BlockMessage{Role: models.RoleUser, Blocks: resultBlocks})
		}

		if pendingUserInput {
			rt.StopReason = "hitl_pending"
			return Result{
				Decision: models.TerminationDecision{ShouldStop: true, Reason: "awaiting user input", FinishReason: models.FinishHITLConfirm, Action: models.ActionAskUser},
				Messages: messages,
				Turns:    rt.CurrentTurn,
			}, nil
		}

		// Hints buried inside tool-result JSON (a plan handler telling the
		// model to stop re-planning, a tool suggesting a next step) and the
		// progressive escalation hints for failing tools are surfaced as
		// their own user message so they reach the model even when it skims
		// long results.
		hintMessages = append(hintMessages, collectHints(results)...)
		if len(hintMessages) > 0 {
			messages = append(messages, models.BlockMessage{
				Role:   models.RoleUser,
				Blocks: []models.ContentBlock{models.NewTextBlock(strings.Join(hintMessages, "\n"))},
			})
		}
	}
}

// collectHints extracts _hint / force_execute_hint string fields from
// successful tool results whose content is a JSON object.
func collectHints(results []toolflow.ToolExecutionResult) []string {
	var hints []string
	for _, r := range results {
		s, ok := r.Result.(string)
		if !ok || r.IsError {
			continue
		}
		var obj map[string]any
		if json.Unmarshal([]byte(s), &obj) != nil {
			continue
		}
		for _, key := range []string{"_hint", "force_execute_hint"} {
			if hint, ok := obj[key].(string); ok && hint != "" {
				hints = append(hints, hint)
			}
		}
	}
	return hints
}

// streamTurn issues one LLM turn, forwarding every completed content block
// to the broadcaster so subscribers see the assistant message as it forms.
func (e *Executor) streamTurn(ctx context.Context, rt *rvrstate.RuntimeContext, messages []models.BlockMessage, excludedTools []string) (all []models.ContentBlock, toolUses []models.ContentBlock, finishReason string, err error) {
	if e.broadcaster != nil {
		e.broadcaster.StartMessage(rt.SessionID, uuid.NewString())
	}
	finishReason, err = e.llm.Stream(ctx, messages, e.cfg.SystemPrompt, excludedTools, func(b models.ContentBlock) {
		all = append(all, b)
		if b.Type == models.ContentBlockToolUse {
			toolUses = append(toolUses, b)
		}
		if e.broadcaster != nil {
			e.broadcaster.EmitBlock(rt.SessionID, b)
		}
	})
	if err != nil {
		return nil, nil, "", err
	}
	if e.broadcaster != nil {
		e.broadcaster.EmitMessageStop(rt.SessionID)
	}
	return all, toolUses, finishReason, nil
}

func (e *Executor) handleSuspension(ctx context.Context, rt *rvrstate.RuntimeContext, state *rvrstate.RVRBState, decision models.TerminationDecision, suspend SuspendFunc) (resumed bool, shouldStop bool, err error) {
	if decision.Action == models.ActionStop || suspend == nil {
		return false, true, nil
	}
	if evtType, ok := suspensionEvents[decision.FinishReason]; ok && e.broadcaster != nil {
		e.broadcaster.Emit(rt.SessionID, evtType, decision)
	}
	resumed, err = suspend(ctx, decision)
	if err != nil {
		return false, true, err
	}
	if !resumed {
		return false, true, nil
	}
	switch decision.FinishReason {
	case models.FinishLongRunningConfirm:
		e.terminator.ConfirmLongRunning()
	case models.FinishCostLimit:
		e.terminator.ConfirmCostContinue(terminate.CostTierConfirm)
		e.terminator.ConfirmCostContinue(terminate.CostTierUrgent)
	case models.FinishBacktrackExhausted, models.FinishIntentClarify:
		// "retry": clear the exhausted flags and backtrack bookkeeping so
		// the terminator doesn't re-fire on the very next evaluation.
		rt.BacktracksExhausted = false
		rt.BacktrackEscalation = ""
		if state != nil {
			state.ResetOnRetry()
		}
	case models.FinishConsecutiveFailures:
		rt.ConsecutiveFailures = 0
	}
	return true, false, nil
}

// fallbackCompletion implements the "the model never replied in prose"
// fallback: one additional no-tools LLM call asking it to summarize what it
// did and why it stopped. If that call also fails or still comes back
// empty, a hard-coded message is appended instead so the session never
// completes with zero assistant-visible content.
func (e *Executor) fallbackCompletion(ctx context.Context, rt *rvrstate.RuntimeContext, messages []models.BlockMessage) []models.BlockMessage {
	prompt := append(append([]models.BlockMessage{}, messages...), models.BlockMessage{
		Role:   models.RoleUser,
		Blocks: []models.ContentBlock{models.NewTextBlock("summarize what you did and why we stopped")},
	})
	all, _, _, err := e.streamTurn(ctx, rt, prompt, []string{"*"})
	text := joinText(all)
	if err != nil || text == "" {
		text = "task concluded; please ask again if needed"
	}
	return append(messages, models.BlockMessage{Role: models.RoleAssistant, Blocks: []models.ContentBlock{models.NewTextBlock(text)}})
}

// joinText concatenates the text of every Text block in order; non-text
// blocks are ignored.
func joinText(blocks []models.ContentBlock) string {
	var sb []byte
	for _, b := range blocks {
		if b.Type == models.ContentBlockText {
			sb = append(sb, b.Text...)
		}
	}
	return string(sb)
}

// lastAssistantText returns the content blocks of the most recent assistant
// message, or nil if there isn't one.
func lastAssistantText(messages []models.BlockMessage) []models.ContentBlock {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			return messages[i].Blocks
		}
	}
	return nil
}

func toolUseBlocksToCalls(blocks []models.ContentBlock) []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(blocks))
	for _, b := range blocks {
		calls = append(calls, models.ToolCall{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
	}
	return calls
}

func resultText(r toolflow.ToolExecutionResult) string {
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	if s, ok := r.Result.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", r.Result)
}
