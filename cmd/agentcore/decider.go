package main

import (
	"context"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent/backtrack"
	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
)

// heuristicDecider is a rule-based implementation of backtrack.Decider.
// Decider is a plain interface, so any policy can stand behind it; wiring
// a real LLM-based decider into the CLI harness would mean a second,
// structured-output round-trip through the same adapter the executor is
// already mid-stream with, which is out of scope for a manual-testing
// harness. Grounded on internal/agent/complexity's heuristic-over-LLM
// substitution for the same reason.
type heuristicDecider struct{}

func (heuristicDecider) Decide(_ context.Context, failure backtrack.ToolFailure, state *rvrstate.RVRBState) (backtrack.Decision, error) {
	switch {
	case strings.Contains(strings.ToLower(failure.ErrorMsg), "not found"),
		strings.Contains(strings.ToLower(failure.ErrorMsg), "no such file"):
		return backtrack.DecisionToolReplace, nil
	case strings.Contains(strings.ToLower(failure.ErrorMsg), "invalid"),
		strings.Contains(strings.ToLower(failure.ErrorMsg), "bad request"):
		return backtrack.DecisionParamAdjust, nil
	case strings.Contains(strings.ToLower(failure.ErrorMsg), "ambiguous"),
		strings.Contains(strings.ToLower(failure.ErrorMsg), "which one"):
		return backtrack.DecisionIntentClarify, nil
	case len(state.FailedApproaches) >= state.MaxBacktracks:
		return backtrack.DecisionFailGracefully, nil
	default:
		return backtrack.DecisionPlanReplan, nil
	}
}

// staticToolReplacer is a closed, hand-maintained capability map for the
// handful of builtin demo tools registry.go exposes. A real deployment
// would derive this from each tool's declared capabilities; the CLI harness
// only needs enough to exercise backtrack.DecisionToolReplace end to end.
type staticToolReplacer struct{}

var toolAlternatives = map[string][]string{
	"read_file":  {"list_files"},
	"write_file": {"append_file"},
}

func (staticToolReplacer) FindAlternative(toolName string, failedTools map[string]struct{}) (string, bool) {
	for _, alt := range toolAlternatives[toolName] {
		if _, failed := failedTools[alt]; !failed {
			return alt, true
		}
	}
	return "", false
}
