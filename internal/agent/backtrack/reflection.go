package backtrack

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/pkg/models"
)

// BuildReflection performs context-pollution cleaning: it summarizes the
// failed tools, the first 100 chars of up to three error briefs, and the
// tried approaches into one synthetic reflection block, meant to replace
// the failed tool_result blocks in the most recent user message. A
// minimal, pure-function analog of an LLM-backed failure-summary generator
// that would call out to the model to produce a richer structured summary
// for conversation-level compaction; this version stays local and
// synchronous because the backtrack loop needs the reflection immediately,
// on every business-logic failure, not just at session end.
func BuildReflection(state *rvrstate.RVRBState) models.ContentBlock {
	var sb strings.Builder
	sb.WriteString("Reflection: the following tools failed and the approach needs to change.\n")

	if len(state.FailedTools) > 0 {
		tools := make([]string, 0, len(state.FailedTools))
		for t := range state.FailedTools {
			tools = append(tools, t)
		}
		sb.WriteString("Failed tools: " + strings.Join(tools, ", ") + "\n")
	}

	briefs := state.RecentApproaches(3)
	if len(briefs) > 0 {
		sb.WriteString("Recent errors:\n")
		for _, b := range briefs {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", b.Tool, summarize(b.Reason, 100)))
		}
	}

	approaches := state.RecentApproaches(10)
	if len(approaches) > 0 {
		sb.WriteString("Tried approaches:\n")
		for _, a := range approaches {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", a.Tool, a.ApproachBrief))
		}
	}

	return models.NewTextBlock(strings.TrimRight(sb.String(), "\n"))
}

// CleanContextPollution replaces every tool_result block in msg with the
// single reflection block, implementing the "replace failed tool_results
// with one synthetic reflection block" rule. The message is expected to be
// the most recent user message (the one holding the failed tool_results).
func CleanContextPollution(msg models.BlockMessage, reflection models.ContentBlock) models.BlockMessage {
	var kept []models.ContentBlock
	replaced := false
	for _, b := range msg.Blocks {
		if b.Type == models.ContentBlockToolResult {
			if !replaced {
				kept = append(kept, reflection)
				replaced = true
			}
			continue
		}
		kept = append(kept, b)
	}
	msg.Blocks = kept
	return msg
}

// HintLevel is the progressive-hint-escalation tier for a tool's failure
// streak.
type HintLevel int

const (
	HintLevelNone HintLevel = iota
	HintLevelSuggest
	HintLevelConstrain
	HintLevelPrune
)

// HintLevelFor maps a per-tool failure streak to its escalation tier.
func HintLevelFor(streak int) HintLevel {
	switch {
	case streak <= 0:
		return HintLevelNone
	case streak == 1:
		return HintLevelSuggest
	case streak == 2:
		return HintLevelConstrain
	default:
		return HintLevelPrune
	}
}

// BuildHintMessage renders the user-facing hint text for a tool's current
// failure streak (k=1 suggestion, k=2 stronger constraint listing recent
// failed approaches; k>=3 is handled by pruning the tool rather than a
// message).
func BuildHintMessage(tool string, streak int, state *rvrstate.RVRBState) string {
	switch HintLevelFor(streak) {
	case HintLevelSuggest:
		return fmt.Sprintf("The %q tool failed. Analyze the likely cause and try a different tool or different parameters.", tool)
	case HintLevelConstrain:
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("The %q tool has failed twice in a row. Do not repeat the same parameters. Recent failed approaches:\n", tool))
		for _, a := range state.RecentApproaches(3) {
			if a.Tool != tool {
				continue
			}
			sb.WriteString(fmt.Sprintf("- %s\n", a.ApproachBrief))
		}
		return strings.TrimRight(sb.String(), "\n")
	default:
		return ""
	}
}

// BuildRepeatingYourselfMessage is the trajectory-dedup reflection message.
func BuildRepeatingYourselfMessage(toolName string, runLength int) string {
	return fmt.Sprintf("You have called %q with the same input %d times in a row. You are repeating yourself — try a different approach.", toolName, runLength)
}
