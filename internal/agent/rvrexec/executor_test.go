package rvrexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent/backtrack"
	"github.com/haasonsaas/nexus/internal/agent/broadcast"
	"github.com/haasonsaas/nexus/internal/agent/compact"
	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/internal/agent/terminate"
	"github.com/haasonsaas/nexus/internal/agent/toolflow"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedLLM replays one ContentBlock slice plus finish reason per call to
// Stream, in order, so tests can script a fixed multi-turn conversation.
type scriptedLLM struct {
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	blocks []models.ContentBlock
	finish string
}

func (s *scriptedLLM) Stream(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (string, error) {
	if s.calls >= len(s.turns) {
		return "end_turn", nil
	}
	turn := s.turns[s.calls]
	s.calls++
	for _, b := range turn.blocks {
		onBlock(b)
	}
	return turn.finish, nil
}

type stubRegistry struct {
	result  string
	isError bool
}

func (s stubRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool, error) {
	return s.result, s.isError, nil
}

func newExecutor(llm LLMTurn, registry toolflow.Registry, backtrackEngine *backtrack.Engine) *Executor {
	flow := toolflow.New(registry, toolflow.DefaultConfig(), nil)
	compactor := compact.New(nil)
	term := terminate.New(terminate.DefaultConfig())
	bc := broadcast.NewBroadcaster(64, 16)
	cfg := DefaultConfig(100000)
	return New(llm, bc, flow, compactor, term, backtrackEngine, nil, cfg)
}

func TestRunCompletesOnEndTurnWithNoToolUse(t *testing.T) {
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewTextBlock("hello")}, finish: "end_turn"},
	}}
	exec := newExecutor(llm, stubRegistry{result: "ok"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision.FinishReason != models.FinishCompleted {
		t.Fatalf("expected completed, got %+v", result.Decision)
	}
	if result.Turns != 1 {
		t.Fatalf("expected 1 turn, got %d", result.Turns)
	}
}

func TestRunExecutesToolThenCompletes(t *testing.T) {
	toolInput := json.RawMessage(`{"path":"/tmp/a"}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "read_file", toolInput)}, finish: "tool_use"},
		{blocks: []models.ContentBlock{models.NewTextBlock("done")}, finish: "end_turn"},
	}}
	exec := newExecutor(llm, stubRegistry{result: "file contents"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Turns != 2 {
		t.Fatalf("expected 2 turns, got %d", result.Turns)
	}
	if result.Decision.FinishReason != models.FinishCompleted {
		t.Fatalf("expected completed, got %+v", result.Decision)
	}

	var sawToolResult bool
	for _, m := range result.Messages {
		for _, b := range m.Blocks {
			if b.Type == models.ContentBlockToolResult && b.Content == "file contents" {
				sawToolResult = true
			}
		}
	}
	if !sawToolResult {
		t.Fatalf("expected tool result block in accumulated messages, got %+v", result.Messages)
	}
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	toolInput := json.RawMessage(`{}`)
	llm := &scriptedLLM{}
	for i := 0; i < 5; i++ {
		llm.turns = append(llm.turns, scriptedTurn{
			blocks: []models.ContentBlock{models.NewToolUseBlock("x", "noop", toolInput)},
			finish: "tool_use",
		})
	}
	exec := newExecutor(llm, stubRegistry{result: "ok"}, nil)
	term := terminate.DefaultConfig()
	term.MaxTurns = 2
	exec.terminator = terminate.New(term)

	rt := rvrstate.New("s1", "c1", "u1")
	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision.FinishReason != models.FinishMaxTurns {
		t.Fatalf("expected max_turns stop, got %+v", result.Decision)
	}
}

type alwaysParamAdjustDecider struct{}

func (alwaysParamAdjustDecider) Decide(ctx context.Context, failure backtrack.ToolFailure, state *rvrstate.RVRBState) (backtrack.Decision, error) {
	return backtrack.DecisionParamAdjust, nil
}

func TestRunRecordsFailureAndCleansContextPollutionOnToolError(t *testing.T) {
	toolInput := json.RawMessage(`{}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "flaky", toolInput)}, finish: "tool_use"},
		{blocks: []models.ContentBlock{models.NewTextBlock("done")}, finish: "end_turn"},
	}}
	engine := backtrack.New(alwaysParamAdjustDecider{}, nil)
	exec := newExecutor(llm, stubRegistry{result: "boom", isError: true}, engine)

	rt := rvrstate.New("s1", "c1", "u1")
	state := rvrstate.NewRVRBState(5)

	result, err := exec.Run(context.Background(), rt, state, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.ConsecutiveFailures != 1 {
		t.Fatalf("expected one recorded consecutive failure (no later tool success to reset it), got %d", rt.ConsecutiveFailures)
	}
	if state.BacktrackCount == 0 {
		t.Fatalf("expected backtrack engine consulted on tool failure")
	}

	var sawReflection bool
	for _, m := range result.Messages {
		for _, b := range m.Blocks {
			if b.Type == models.ContentBlockText && strings.HasPrefix(b.Text, "Reflection:") {
				sawReflection = true
			}
		}
	}
	if !sawReflection {
		t.Fatalf("expected a reflection block replacing the failed tool_result")
	}
}

func TestRunStopsImmediatelyWhenSuspendIsNilAndHITLDangerToolPending(t *testing.T) {
	toolInput := json.RawMessage(`{}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "delete_file", toolInput)}, finish: "tool_use"},
	}}
	exec := newExecutor(llm, stubRegistry{result: "ok"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision.FinishReason != models.FinishHITLConfirm {
		t.Fatalf("expected hitl_confirm stop with nil suspend, got %+v", result.Decision)
	}
}

func TestRunResumesAfterSuspendApproves(t *testing.T) {
	toolInput := json.RawMessage(`{}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "delete_file", toolInput)}, finish: "tool_use"},
		{blocks: []models.ContentBlock{models.NewTextBlock("done")}, finish: "end_turn"},
	}}
	exec := newExecutor(llm, stubRegistry{result: "ok"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	suspend := func(ctx context.Context, decision models.TerminationDecision) (bool, error) {
		return true, nil
	}

	result, err := exec.Run(context.Background(), rt, nil, nil, suspend)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision.FinishReason != models.FinishCompleted {
		t.Fatalf("expected the run to complete after suspend approves, got %+v", result.Decision)
	}
}

type erroringLLM struct{ err error }

func (e *erroringLLM) Stream(ctx context.Context, messages []models.BlockMessage, systemPrompt string, excludedTools []string, onBlock func(models.ContentBlock)) (string, error) {
	return "", e.err
}

func TestRunCompletesWithFallbackOnRecoverableStreamError(t *testing.T) {
	exec := newExecutor(&erroringLLM{err: errors.New("connection reset mid-stream")}, stubRegistry{result: "ok"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("recoverable stream errors must not unwind the loop: %v", err)
	}
	if rt.StopReason != "stream_error" {
		t.Fatalf("expected stop reason stream_error, got %q", rt.StopReason)
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != models.RoleAssistant || len(last.Blocks) == 0 || last.Blocks[0].Type != models.ContentBlockText {
		t.Fatalf("expected a fallback assistant text message, got %+v", last)
	}
}

func TestRunPropagatesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := newExecutor(&erroringLLM{err: context.Canceled}, stubRegistry{result: "ok"}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	if _, err := exec.Run(ctx, rt, nil, nil, nil); err == nil {
		t.Fatal("expected a context cancellation error")
	}
}

func TestRunSuspendsOnPendingUserInputMarker(t *testing.T) {
	toolInput := json.RawMessage(`{"message":"confirm?"}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "confirm_step", toolInput)}, finish: "tool_use"},
	}}
	exec := newExecutor(llm, stubRegistry{result: `{"approved":false,"pending_user_input":true}`, isError: true}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.StopReason != "hitl_pending" {
		t.Fatalf("expected stop reason hitl_pending, got %q", rt.StopReason)
	}
	if result.Decision.FinishReason != models.FinishHITLConfirm || result.Decision.Action != models.ActionAskUser {
		t.Fatalf("expected an ask-user hitl decision, got %+v", result.Decision)
	}
	if rt.ConsecutiveFailures != 0 {
		t.Fatalf("a pending confirmation must not count as a tool failure, got %d", rt.ConsecutiveFailures)
	}
}

func TestRunSurfacesForceExecuteHintAsUserMessage(t *testing.T) {
	toolInput := json.RawMessage(`{"summary":"do the thing"}`)
	llm := &scriptedLLM{turns: []scriptedTurn{
		{blocks: []models.ContentBlock{models.NewToolUseBlock("1", "plan", toolInput)}, finish: "tool_use"},
		{blocks: []models.ContentBlock{models.NewTextBlock("executing now")}, finish: "end_turn"},
	}}
	exec := newExecutor(llm, stubRegistry{result: `{"accepted":true,"force_execute_hint":"stop planning and act"}`}, nil)
	rt := rvrstate.New("s1", "c1", "u1")

	result, err := exec.Run(context.Background(), rt, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawHint bool
	for _, m := range result.Messages {
		if m.Role != models.RoleUser {
			continue
		}
		for _, b := range m.Blocks {
			if b.Type == models.ContentBlockText && strings.Contains(b.Text, "stop planning and act") {
				sawHint = true
			}
		}
	}
	if !sawHint {
		t.Fatalf("expected the hint surfaced as a user message, got %+v", result.Messages)
	}
}
