package toolflow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// planInput is the expected shape of a plan tool call's input.
type planInput struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// PlanHandler is the special handler for the "plan" tool: it tracks
// consecutive plan calls within a session and, once the agent re-plans
// without making progress, injects a force_execute_hint so the loop stops
// re-planning and acts.
type PlanHandler struct {
	consecutiveCalls int
	lastSummary      string
}

// NewPlanHandler constructs a PlanHandler.
func NewPlanHandler() *PlanHandler {
	return &PlanHandler{}
}

// similarityThreshold is the Jaccard similarity at or above which two plan
// summaries are considered "the same plan restated".
const similarityThreshold = 0.8

func (h *PlanHandler) Handle(ctx context.Context, call models.ToolCall) ToolExecutionResult {
	var input planInput
	_ = json.Unmarshal(call.Input, &input)

	oldSummary := h.lastSummary
	similar := oldSummary != "" && jaccardSimilarity(oldSummary, input.Summary) >= similarityThreshold
	if similar {
		h.consecutiveCalls++
	} else {
		h.consecutiveCalls = 1
	}
	h.lastSummary = input.Summary

	resp := map[string]any{
		"accepted":               true,
		"summary":                input.Summary,
		"steps":                  input.Steps,
		"consecutive_plan_calls": h.consecutiveCalls,
	}
	if h.consecutiveCalls >= 3 {
		resp["force_execute_hint"] = "You have re-planned multiple times without executing. Stop planning and take the next concrete action now."
	}
	if oldSummary != "" {
		resp["old_plan_summary"] = oldSummary
	}

	content, _ := json.Marshal(resp)
	return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, Result: string(content)}
}

// Reset clears consecutive-call tracking, e.g. after a successful tool
// execution breaks the plan/re-plan cycle.
func (h *PlanHandler) Reset() {
	h.consecutiveCalls = 0
	h.lastSummary = ""
}

// jaccardSimilarity computes word-set Jaccard similarity between two strings.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
