package backtrack

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestClassifyErrorInfrastructure(t *testing.T) {
	cases := []string{
		"connection timeout after 30s",
		"context deadline exceeded",
		"401 unauthorized",
		"rate limit exceeded, 429",
		"upstream returned 503 service unavailable",
	}
	for _, c := range cases {
		if got := ClassifyError(c); got != ErrorClassInfrastructure {
			t.Errorf("ClassifyError(%q) = %q, want infrastructure", c, got)
		}
	}
}

func TestClassifyErrorBusinessLogic(t *testing.T) {
	cases := []string{
		"file not found: /tmp/missing.txt",
		"invalid argument: negative count",
		"parse error at line 3",
	}
	for _, c := range cases {
		if got := ClassifyError(c); got != ErrorClassBusinessLogic {
			t.Errorf("ClassifyError(%q) = %q, want business_logic", c, got)
		}
	}
}

type fixedDecider struct{ decision Decision }

func (d fixedDecider) Decide(ctx context.Context, failure ToolFailure, state *rvrstate.RVRBState) (Decision, error) {
	return d.decision, nil
}

func TestHandleFailureInfrastructureSkipsBacktrackBudget(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	state := rvrstate.NewRVRBState(3)
	e := New(fixedDecider{DecisionToolReplace}, nil)

	outcome := e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "fetch", ErrorMsg: "connection timeout"})
	if outcome.Decision != DecisionContinue || outcome.Type != TypeNoBacktrack {
		t.Fatalf("expected infra error to bypass backtrack budget, got %+v", outcome)
	}
	if state.BacktrackCount != 0 {
		t.Fatalf("expected backtrack count untouched by infra error, got %d", state.BacktrackCount)
	}
}

func TestHandleFailureExhaustsBudget(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	state := rvrstate.NewRVRBState(2)
	e := New(fixedDecider{DecisionParamAdjust}, nil)

	e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "x", ErrorMsg: "bad input"})
	e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "x", ErrorMsg: "bad input"})
	outcome := e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "x", ErrorMsg: "bad input"})

	if outcome.Decision != DecisionFailGracefully {
		t.Fatalf("expected FAIL_GRACEFULLY once budget exhausted, got %+v", outcome)
	}
	if !rt.BacktracksExhausted {
		t.Fatalf("expected backtracks_exhausted set")
	}
}

func TestHandleFailureIntentClarifySetsEscalation(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	state := rvrstate.NewRVRBState(3)
	e := New(fixedDecider{DecisionIntentClarify}, nil)

	e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "x", ErrorMsg: "ambiguous request"})
	if !rt.BacktracksExhausted || rt.BacktrackEscalation != rvrstate.EscalationIntentClarify {
		t.Fatalf("expected intent_clarify escalation, got exhausted=%v escalation=%q", rt.BacktracksExhausted, rt.BacktrackEscalation)
	}
}

func TestHandleFailurePrunesToolAtStreakThree(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	state := rvrstate.NewRVRBState(10)
	e := New(fixedDecider{DecisionParamAdjust}, nil)

	for i := 0; i < 3; i++ {
		e.HandleFailure(context.Background(), rt, state, ToolFailure{ToolName: "flaky", ErrorMsg: "bad input"})
	}
	if !state.IsPruned("flaky") {
		t.Fatalf("expected tool pruned after streak reaches 3")
	}
}

type stubReplacer struct {
	alt string
	ok  bool
}

func (s stubReplacer) FindAlternative(toolName string, failed map[string]struct{}) (string, bool) {
	return s.alt, s.ok
}

func TestResolveToolReplace(t *testing.T) {
	e := New(nil, stubReplacer{alt: "grep_search", ok: true})
	state := rvrstate.NewRVRBState(3)
	alt, ok := e.ResolveToolReplace("find_files", state)
	if !ok || alt != "grep_search" {
		t.Fatalf("expected alternative tool resolved, got %q ok=%v", alt, ok)
	}
}

func TestResolveToolReplaceNilReplacer(t *testing.T) {
	e := New(nil, nil)
	state := rvrstate.NewRVRBState(3)
	if _, ok := e.ResolveToolReplace("find_files", state); ok {
		t.Fatalf("expected no alternative with nil replacer")
	}
}

func TestCheckTrajectoryDedupWarnsAfterFourRepeats(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	input := json.RawMessage(`{"path":"/tmp/a"}`)
	var warned bool
	var runLength int
	for i := 0; i < 4; i++ {
		warned, runLength = CheckTrajectoryDedup(rt, "read_file", input, 4)
	}
	if !warned {
		t.Fatalf("expected dedup warning after 4 consecutive identical calls, runLength=%d", runLength)
	}
}

func TestCheckTrajectoryDedupNoWarningUnderThreshold(t *testing.T) {
	rt := rvrstate.New("s1", "c1", "u1")
	input := json.RawMessage(`{"path":"/tmp/a"}`)
	warned, _ := CheckTrajectoryDedup(rt, "read_file", input, 4)
	if warned {
		t.Fatalf("did not expect dedup warning on first call")
	}
}

func TestBuildReflectionIncludesFailedToolsAndApproaches(t *testing.T) {
	state := rvrstate.NewRVRBState(3)
	state.RecordFailure("write_file", "tried absolute path", "permission denied accessing /etc/passwd")
	state.RecordFailure("write_file", "tried relative path", "permission denied accessing file")

	block := BuildReflection(state)
	if block.Type != models.ContentBlockText {
		t.Fatalf("expected text block, got %v", block.Type)
	}
	if block.Text == "" {
		t.Fatalf("expected non-empty reflection text")
	}
}

func TestCleanContextPollutionReplacesToolResults(t *testing.T) {
	msg := models.BlockMessage{
		Role: models.RoleUser,
		Blocks: []models.ContentBlock{
			models.NewToolResultBlock("1", "error: failed", true),
			models.NewToolResultBlock("2", "error: also failed", true),
		},
	}
	reflection := models.NewTextBlock("synthetic reflection")
	cleaned := CleanContextPollution(msg, reflection)

	if len(cleaned.Blocks) != 1 {
		t.Fatalf("expected both tool_results collapsed into one reflection block, got %d blocks", len(cleaned.Blocks))
	}
	if cleaned.Blocks[0].Text != "synthetic reflection" {
		t.Fatalf("expected reflection block to replace tool_results, got %+v", cleaned.Blocks[0])
	}
}

func TestBuildHintMessageEscalatesWithStreak(t *testing.T) {
	state := rvrstate.NewRVRBState(3)
	state.RecordFailure("tool", "approach one", "error one")

	h1 := BuildHintMessage("tool", 1, state)
	h2 := BuildHintMessage("tool", 2, state)
	h3 := BuildHintMessage("tool", 3, state)

	if h1 == "" || h2 == "" {
		t.Fatalf("expected non-empty hints at k=1,2")
	}
	if h3 != "" {
		t.Fatalf("expected empty hint at k>=3 (handled by pruning instead), got %q", h3)
	}
}
