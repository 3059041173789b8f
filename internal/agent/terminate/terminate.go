// Package terminate implements the AdaptiveTerminator: a ten-step,
// strict-priority dimension evaluation producing a deterministic
// TerminationDecision at each turn boundary. Grounded on
// internal/agent/options.go's config-struct-plus-DefaultRuntimeOptions
// convention, applied to a documented set of termination thresholds.
package terminate

import (
	"strings"

	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/pkg/models"
)

// CostTier names the one-shot cost-alert tiers.
type CostTier string

const (
	CostTierWarn    CostTier = "warn"
	CostTierConfirm CostTier = "confirm"
	CostTierUrgent  CostTier = "urgent"
)

// CostAlertConfig holds the three cost thresholds in USD.
type CostAlertConfig struct {
	Warn    float64
	Confirm float64
	Urgent  float64
}

// Config configures the AdaptiveTerminator.
type Config struct {
	MaxTurns                     int
	MaxDurationSeconds           int
	IdleTimeoutSeconds           int
	ConsecutiveFailureLimit      int
	LongRunningConfirmAfterTurns int
	CostAlert                    CostAlertConfig
	HITLDangerKeywords           []string
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxTurns:                     30,
		MaxDurationSeconds:           1800,
		IdleTimeoutSeconds:           120,
		ConsecutiveFailureLimit:      5,
		LongRunningConfirmAfterTurns: 20,
		CostAlert:                    CostAlertConfig{Warn: 0.5, Confirm: 2.0, Urgent: 10.0},
		HITLDangerKeywords:           []string{"delete", "overwrite", "send_email", "publish", "payment"},
	}
}

// Input is the per-turn-boundary input to Evaluate.
type Input struct {
	StopRequested    bool
	PendingToolNames []string
	LastStopReason   string
	CurrentCostUSD   float64
	HasCost          bool
}

// Terminator is the AdaptiveTerminator. It holds one-shot flags so the
// same question is not asked twice within a session.
type Terminator struct {
	cfg Config

	costWarned           bool
	costConfirmed        bool
	costUrgentConfirmed  bool
	longRunningConfirmed bool
}

// New constructs a Terminator.
func New(cfg Config) *Terminator {
	return &Terminator{cfg: cfg}
}

// Evaluate implements the ten-step strict-priority dimension evaluation.
// It is deterministic and does not mutate rt or any of its fields;
// the one-shot cost/long-running flags live on the Terminator itself. The
// confirm flags are only advanced by the explicit Confirm* methods below;
// the cost-warning flag is set by Evaluate itself the first time the warn
// tier is reached.
func (t *Terminator) Evaluate(rt *rvrstate.RuntimeContext, in Input) models.TerminationDecision {
	if in.StopRequested {
		return models.TerminationDecision{ShouldStop: true, Reason: "user requested stop", FinishReason: models.FinishUserStop, Action: models.ActionStop}
	}

	if tool, ok := t.matchHITLDanger(in.PendingToolNames); ok {
		return models.TerminationDecision{ShouldStop: true, Reason: "tool " + tool + " matches an HITL danger keyword", FinishReason: models.FinishHITLConfirm, Action: models.ActionAskUser}
	}

	if in.LastStopReason == "end_turn" {
		return models.TerminationDecision{ShouldStop: true, Reason: "model signaled end_turn", FinishReason: models.FinishCompleted, Action: models.ActionStop}
	}

	// MaxTurns of zero is a valid budget: it stops the session on its very
	// first evaluation rather than disabling the check.
	if rt.CurrentTurn >= t.cfg.MaxTurns {
		return models.TerminationDecision{ShouldStop: true, Reason: "max_turns reached", FinishReason: models.FinishMaxTurns, Action: models.ActionStop}
	}

	if in.HasCost {
		if decision, ok := t.evaluateCost(in.CurrentCostUSD); ok {
			return decision
		}
	}

	if t.cfg.MaxDurationSeconds > 0 && rt.DurationSeconds() >= float64(t.cfg.MaxDurationSeconds) {
		return models.TerminationDecision{ShouldStop: true, Reason: "max_duration_seconds reached", FinishReason: models.FinishMaxDuration, Action: models.ActionStop}
	}

	if t.cfg.IdleTimeoutSeconds > 0 && rt.IdleSeconds() >= float64(t.cfg.IdleTimeoutSeconds) {
		return models.TerminationDecision{ShouldStop: true, Reason: "idle_timeout_seconds reached", FinishReason: models.FinishIdleTimeout, Action: models.ActionStop}
	}

	if rt.BacktracksExhausted {
		if rt.BacktrackEscalation == rvrstate.EscalationIntentClarify {
			return models.TerminationDecision{ShouldStop: true, Reason: "backtrack engine requests intent clarification", FinishReason: models.FinishIntentClarify, Action: models.ActionAskUser}
		}
		return models.TerminationDecision{ShouldStop: true, Reason: "backtrack budget exhausted", FinishReason: models.FinishBacktrackExhausted, Action: models.ActionAskUser}
	}

	if t.cfg.ConsecutiveFailureLimit > 0 && rt.ConsecutiveFailures >= t.cfg.ConsecutiveFailureLimit {
		return models.TerminationDecision{ShouldStop: true, Reason: "consecutive tool failures reached the limit", FinishReason: models.FinishConsecutiveFailures, Action: models.ActionRollbackOptions}
	}

	if t.cfg.LongRunningConfirmAfterTurns > 0 && rt.CurrentTurn >= t.cfg.LongRunningConfirmAfterTurns && !t.longRunningConfirmed {
		return models.TerminationDecision{ShouldStop: true, Reason: "session has run for many turns", FinishReason: models.FinishLongRunningConfirm, Action: models.ActionAskUser}
	}

	return models.TerminationDecision{ShouldStop: false}
}

func (t *Terminator) matchHITLDanger(pendingToolNames []string) (string, bool) {
	for _, name := range pendingToolNames {
		lower := strings.ToLower(name)
		for _, kw := range t.cfg.HITLDangerKeywords {
			if strings.Contains(lower, kw) {
				return name, true
			}
		}
	}
	return "", false
}

func (t *Terminator) evaluateCost(costUSD float64) (models.TerminationDecision, bool) {
	if costUSD >= t.cfg.CostAlert.Urgent && !t.costUrgentConfirmed {
		return models.TerminationDecision{ShouldStop: true, Reason: "cost has reached the urgent threshold", FinishReason: models.FinishCostLimit, Action: models.ActionAskUser}, true
	}
	if costUSD >= t.cfg.CostAlert.Confirm && !t.costConfirmed {
		return models.TerminationDecision{ShouldStop: true, Reason: "cost has reached the confirm threshold", FinishReason: models.FinishCostLimit, Action: models.ActionAskUser}, true
	}
	if costUSD >= t.cfg.CostAlert.Warn && !t.costWarned {
		t.costWarned = true // one-shot warning only; does not stop the loop.
	}
	return models.TerminationDecision{}, false
}

// ConfirmLongRunning records the user's affirmative response to a
// LONG_RUNNING_CONFIRM prompt so it is not asked again this session.
func (t *Terminator) ConfirmLongRunning() {
	t.longRunningConfirmed = true
}

// ConfirmCostContinue records the user's affirmative response to a
// COST_LIMIT prompt at the given tier.
func (t *Terminator) ConfirmCostContinue(tier CostTier) {
	switch tier {
	case CostTierConfirm:
		t.costConfirmed = true
	case CostTierUrgent:
		t.costUrgentConfirmed = true
	}
}

// CostWarned reports whether the one-shot cost warning has already fired.
func (t *Terminator) CostWarned() bool {
	return t.costWarned
}
