package terminate

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/pkg/models"
)

func newRT() *rvrstate.RuntimeContext {
	return rvrstate.New("s1", "c1", "u1")
}

func TestStopRequestedTakesTopPriority(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.CurrentTurn = 999 // would also trip max_turns
	decision := term.Evaluate(rt, Input{StopRequested: true})
	if decision.FinishReason != models.FinishUserStop {
		t.Fatalf("expected user_stop to win regardless of other conditions, got %+v", decision)
	}
}

func TestHITLDangerKeywordBeatsMaxTurns(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.CurrentTurn = 999
	decision := term.Evaluate(rt, Input{PendingToolNames: []string{"delete_file"}})
	if decision.FinishReason != models.FinishHITLConfirm || decision.Action != models.ActionAskUser {
		t.Fatalf("expected hitl_confirm to win over max_turns, got %+v", decision)
	}
}

func TestHITLDangerKeywordSubstringMatch(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	decision := term.Evaluate(rt, Input{PendingToolNames: []string{"send_email_notification"}})
	if decision.FinishReason != models.FinishHITLConfirm {
		t.Fatalf("expected substring match on send_email, got %+v", decision)
	}
}

func TestEndTurnCompletes(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	decision := term.Evaluate(rt, Input{LastStopReason: "end_turn"})
	if decision.FinishReason != models.FinishCompleted {
		t.Fatalf("expected completed on end_turn, got %+v", decision)
	}
}

func TestMaxTurnsZeroStopsImmediatelyOnNonEmptyConversation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTurns = 0
	term := New(cfg)
	rt := newRT()
	decision := term.Evaluate(rt, Input{})
	if !decision.ShouldStop || decision.FinishReason != models.FinishMaxTurns {
		t.Fatalf("B1: expected max_turns=0 to stop on turn 1, got %+v", decision)
	}
}

func TestCostTiersUrgentBeatsConfirmBeatsWarn(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()

	decision := term.Evaluate(rt, Input{HasCost: true, CurrentCostUSD: 15})
	if decision.FinishReason != models.FinishCostLimit {
		t.Fatalf("expected cost_limit at urgent tier, got %+v", decision)
	}
}

func TestCostWarnIsOneShotAndDoesNotStop(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	decision := term.Evaluate(rt, Input{HasCost: true, CurrentCostUSD: 0.6})
	if decision.ShouldStop {
		t.Fatalf("expected cost warn tier to not stop the loop, got %+v", decision)
	}
	if !term.CostWarned() {
		t.Fatalf("expected cost_warned flag set")
	}
	// Second evaluation at the same cost should not re-trigger the warning
	// (already a no-op since it never stops, but flag should stay set).
	term.Evaluate(rt, Input{HasCost: true, CurrentCostUSD: 0.6})
	if !term.CostWarned() {
		t.Fatalf("expected cost_warned to remain set")
	}
}

func TestConfirmCostContinueSuppressesRepeatPrompt(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	decision := term.Evaluate(rt, Input{HasCost: true, CurrentCostUSD: 3})
	if decision.FinishReason != models.FinishCostLimit {
		t.Fatalf("expected cost_limit at confirm tier, got %+v", decision)
	}
	term.ConfirmCostContinue(CostTierConfirm)
	decision2 := term.Evaluate(rt, Input{HasCost: true, CurrentCostUSD: 3})
	if decision2.ShouldStop {
		t.Fatalf("expected confirm tier to not re-prompt after ConfirmCostContinue, got %+v", decision2)
	}
}

func TestMaxDurationStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDurationSeconds = 0 // disabled via config to isolate duration check
	term := New(cfg)
	rt := newRT()
	rt.StartTime = time.Now().Add(-1 * time.Hour)

	decision := term.Evaluate(rt, Input{})
	if decision.ShouldStop {
		t.Fatalf("expected duration check disabled with MaxDurationSeconds=0, got %+v", decision)
	}

	cfg.MaxDurationSeconds = 1
	term2 := New(cfg)
	decision2 := term2.Evaluate(rt, Input{})
	if decision2.FinishReason != models.FinishMaxDuration {
		t.Fatalf("expected max_duration to trigger, got %+v", decision2)
	}
}

func TestIdleTimeoutStops(t *testing.T) {
	cfg := DefaultConfig()
	term := New(cfg)
	rt := newRT()
	rt.LastActivityTime = time.Now().Add(-10 * time.Minute)

	decision := term.Evaluate(rt, Input{})
	if decision.FinishReason != models.FinishIdleTimeout {
		t.Fatalf("expected idle_timeout to trigger, got %+v", decision)
	}
}

func TestBacktracksExhaustedIntentClarify(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.BacktracksExhausted = true
	rt.BacktrackEscalation = rvrstate.EscalationIntentClarify

	decision := term.Evaluate(rt, Input{})
	if decision.FinishReason != models.FinishIntentClarify {
		t.Fatalf("expected intent_clarify finish reason, got %+v", decision)
	}
}

func TestBacktracksExhaustedGeneric(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.BacktracksExhausted = true

	decision := term.Evaluate(rt, Input{})
	if decision.FinishReason != models.FinishBacktrackExhausted {
		t.Fatalf("expected backtrack_exhausted finish reason, got %+v", decision)
	}
}

func TestConsecutiveFailuresRollbackOptions(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.ConsecutiveFailures = 5

	decision := term.Evaluate(rt, Input{})
	if decision.Action != models.ActionRollbackOptions || decision.FinishReason != models.FinishConsecutiveFailures {
		t.Fatalf("expected rollback_options action, got %+v", decision)
	}
}

func TestLongRunningConfirmOnlyOnce(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.CurrentTurn = 25

	decision := term.Evaluate(rt, Input{})
	if decision.FinishReason != models.FinishLongRunningConfirm {
		t.Fatalf("expected long_running_confirm, got %+v", decision)
	}

	term.ConfirmLongRunning()
	decision2 := term.Evaluate(rt, Input{})
	if decision2.ShouldStop {
		t.Fatalf("expected no stop after ConfirmLongRunning, got %+v", decision2)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	rt.CurrentTurn = 5
	in := Input{}
	d1 := term.Evaluate(rt, in)
	d2 := term.Evaluate(rt, in)
	if d1 != d2 {
		t.Fatalf("I9: expected deterministic evaluation, got %+v then %+v", d1, d2)
	}
}

func TestEvaluateDoesNotMutateRuntimeContext(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	before := *rt
	term.Evaluate(rt, Input{})
	if rt.CurrentTurn != before.CurrentTurn || rt.ConsecutiveFailures != before.ConsecutiveFailures {
		t.Fatalf("L5: expected Evaluate to not mutate RuntimeContext")
	}
}

func TestNoStopReturnsEmptyDecision(t *testing.T) {
	term := New(DefaultConfig())
	rt := newRT()
	decision := term.Evaluate(rt, Input{})
	if decision.ShouldStop {
		t.Fatalf("expected no-stop decision in the default state, got %+v", decision)
	}
}
