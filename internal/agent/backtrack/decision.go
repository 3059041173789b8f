package backtrack

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
)

// Decision is the outcome of the backtrack decision procedure.
type Decision string

const (
	DecisionContinue       Decision = "CONTINUE"
	DecisionFailGracefully Decision = "FAIL_GRACEFULLY"
	DecisionToolReplace    Decision = "TOOL_REPLACE"
	DecisionPlanReplan     Decision = "PLAN_REPLAN"
	DecisionParamAdjust    Decision = "PARAM_ADJUST"
	DecisionContextEnrich  Decision = "CONTEXT_ENRICH"
	DecisionIntentClarify  Decision = "INTENT_CLARIFY"
)

// DecisionType further classifies DecisionContinue.
type DecisionType string

const (
	TypeNone        DecisionType = ""
	TypeNoBacktrack DecisionType = "NO_BACKTRACK"
)

// DecisionAction is an auxiliary action attached to a decision.
type DecisionAction string

const (
	ActionNone                 DecisionAction = ""
	ActionDelegateToResilience DecisionAction = "delegate_to_resilience"
)

// Outcome is the full result of the decision procedure.
type Outcome struct {
	Decision Decision
	Type     DecisionType
	Action   DecisionAction
}

// ToolFailure describes one failed tool call passed to Decide.
type ToolFailure struct {
	ToolName  string
	ToolInput json.RawMessage
	ErrorMsg  string
}

// Decider is the pluggable step-3 policy.
type Decider interface {
	Decide(ctx context.Context, failure ToolFailure, state *rvrstate.RVRBState) (Decision, error)
}

// Engine is the BacktrackEngine.
type Engine struct {
	decider Decider
	replace ToolReplacer
}

// ToolReplacer looks up a capability-compatible alternative tool for one
// that has failed.
type ToolReplacer interface {
	FindAlternative(toolName string, failedTools map[string]struct{}) (alternative string, ok bool)
}

// New constructs an Engine. replacer may be nil if tool-replace is unused.
func New(decider Decider, replacer ToolReplacer) *Engine {
	return &Engine{decider: decider, replace: replacer}
}

// HandleFailure implements the decision procedure for a tool failure:
// classify the error, check the backtrack budget, then consult the
// decider.
func (e *Engine) HandleFailure(ctx context.Context, rt *rvrstate.RuntimeContext, state *rvrstate.RVRBState, failure ToolFailure) Outcome {
	if ClassifyError(failure.ErrorMsg) == ErrorClassInfrastructure {
		return Outcome{Decision: DecisionContinue, Type: TypeNoBacktrack, Action: ActionDelegateToResilience}
	}

	streak := state.RecordFailure(failure.ToolName, summarize(failure.ErrorMsg, 100), failure.ErrorMsg)
	applyHintEscalation(state, failure.ToolName, streak)

	if state.BacktrackCount >= state.MaxBacktracks {
		rt.BacktracksExhausted = true
		return Outcome{Decision: DecisionFailGracefully}
	}

	decision := DecisionPlanReplan
	if e.decider != nil {
		if d, err := e.decider.Decide(ctx, failure, state); err == nil && d != "" {
			decision = d
		}
	}
	state.BacktrackCount++

	if decision == DecisionIntentClarify {
		rt.BacktracksExhausted = true
		rt.BacktrackEscalation = rvrstate.EscalationIntentClarify
	}

	return Outcome{Decision: decision}
}

// applyHintEscalation implements the progressive-hint-escalation ladder:
// k=1/k=2 produce hints the caller renders into messages via
// BuildHintMessage; k>=3 prunes the tool.
func applyHintEscalation(state *rvrstate.RVRBState, tool string, streak int) {
	if streak >= 3 {
		state.Prune(tool)
	}
}

// ResolveToolReplace attempts a capability-compatible substitute for a
// failed tool. Returns false if no
// alternative is registered or all alternatives have already failed.
func (e *Engine) ResolveToolReplace(toolName string, state *rvrstate.RVRBState) (string, bool) {
	if e.replace == nil {
		return "", false
	}
	return e.replace.FindAlternative(toolName, state.FailedTools)
}

// CheckTrajectoryDedup implements a trajectory-deduplication check: if the
// same tool-call signature has appeared consecutively at least
// dedupThreshold (default 4) times, the caller should inject a "repeating
// yourself" reflection message.
func CheckTrajectoryDedup(rt *rvrstate.RuntimeContext, name string, input json.RawMessage, dedupThreshold int) (shouldWarn bool, runLength int) {
	if dedupThreshold <= 0 {
		dedupThreshold = 4
	}
	_, runLength = rt.ObserveToolCall(name, input)
	return runLength >= dedupThreshold, runLength
}

func summarize(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}
