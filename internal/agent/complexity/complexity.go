// Package complexity implements a tiny black-box classifier: a
// {complexity, skip_hint} tag consumed upstream of the Executor to choose
// RVR (simple) vs RVR-B (medium/complex) strategy routing, which is
// otherwise assumed to happen outside this module entirely.
//
// A semantic-inference-service-backed detector (calling an LLM to classify
// difficulty, with a conservative MEDIUM default when that service is
// unavailable) is out of place in this package on its own terms — it would
// require this black box to depend on the very LLM service the Executor is
// about to call, an upstream/downstream cycle that length- and
// pattern-based fallbacks elsewhere in this codebase already avoid. This
// package implements that minimal heuristic variant instead: message count
// plus tool-name density, via a stateless struct with a Detect method over
// package-level compiled regexps.
package complexity

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// TaskComplexity names a task's routing difficulty tier.
type TaskComplexity string

const (
	Simple  TaskComplexity = "simple"
	Medium  TaskComplexity = "medium"
	Complex TaskComplexity = "complex"
)

// Result is the {complexity, skip_hint} tag routing consumes. SkipHint
// signals that the query is trivial enough the caller may skip the
// detector's own hint-rendering step entirely (e.g. a one-word
// acknowledgement), matching the original's conservative-fallback spirit
// without the LLM round-trip.
type Result struct {
	Complexity TaskComplexity
	SkipHint   bool
	Confidence float64
}

var (
	reasoningWords = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|compare|design|architecture|refactor|investigate|debug|root cause)\b`)
	multiStepWords = regexp.MustCompile(`(?i)\b(then|after that|first|second|finally|step \d|steps?)\b`)
	trivialWords   = regexp.MustCompile(`(?i)^(hi|hey|hello|thanks|thank you|ok|okay|yes|no|sure)\b`)
)

// Detector is the heuristic stand-in for an LLM-first ComplexityDetector:
// tool-name density and message count, plus keyword and length patterns
// over the query text.
type Detector struct {
	// ManyToolsThreshold is the distinct-tool-name count at or above which
	// a conversation is treated as COMPLEX regardless of text content
	// (tool-name density signal). Default 3.
	ManyToolsThreshold int
	// LongHistoryTurns is the message-count threshold at or above which a
	// conversation is promoted at least to MEDIUM. Default 6.
	LongHistoryTurns int
}

// NewDetector returns a Detector with the documented defaults.
func NewDetector() *Detector {
	return &Detector{ManyToolsThreshold: 3, LongHistoryTurns: 6}
}

// Detect classifies one turn's query in the context of the conversation so
// far. history may be nil for a fresh conversation.
func (d *Detector) Detect(query string, history []models.BlockMessage) Result {
	threshold := d.ManyToolsThreshold
	if threshold <= 0 {
		threshold = 3
	}
	longHistory := d.LongHistoryTurns
	if longHistory <= 0 {
		longHistory = 6
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Result{Complexity: Medium, SkipHint: false, Confidence: 0.3}
	}

	distinctTools := distinctToolNames(history)
	switch {
	case distinctTools >= threshold:
		return Result{Complexity: Complex, SkipHint: false, Confidence: 0.7}
	case reasoningWords.MatchString(trimmed) || multiStepWords.MatchString(trimmed):
		return Result{Complexity: Complex, SkipHint: false, Confidence: 0.6}
	case len(history) >= longHistory:
		return Result{Complexity: Medium, SkipHint: false, Confidence: 0.5}
	case trivialWords.MatchString(trimmed) || len(trimmed) < 40:
		return Result{Complexity: Simple, SkipHint: true, Confidence: 0.6}
	default:
		return Result{Complexity: Medium, SkipHint: false, Confidence: 0.5}
	}
}

// distinctToolNames counts distinct tool names requested across the
// conversation so far, the "tool-name density" signal: a conversation that
// has already fanned out across several distinct tools is treated as
// complex even if the latest message reads simply.
func distinctToolNames(history []models.BlockMessage) int {
	seen := make(map[string]struct{})
	for _, m := range history {
		for _, b := range m.ToolUseBlocks() {
			seen[b.ToolName] = struct{}{}
		}
	}
	return len(seen)
}

// UseBacktracking reports whether the Executor should be constructed with
// a non-nil BacktrackEngine/RVRBState (RVR-B) for this result: SIMPLE runs
// plain RVR, MEDIUM/COMPLEX run RVR-B.
func (r Result) UseBacktracking() bool {
	return r.Complexity != Simple
}
