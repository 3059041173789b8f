// Package rvrstate holds the per-session mutable state owned exclusively by
// the Executor: RuntimeContext (turn/deadline/failure bookkeeping) and
// RVRBState (the backtracking extension's failure-tracking state). Neither
// type is safe for concurrent use from more than one goroutine; each session
// has exactly one executor task as single writer.
package rvrstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolCallSignature identifies a (tool_name, canonical tool_input) pair for
// trajectory-deduplication purposes.
type ToolCallSignature string

// SignatureOf computes the canonical signature for a tool call: the tool
// name plus a stable hash of its JSON input with object keys sorted, so that
// semantically identical calls collide regardless of key ordering.
func SignatureOf(name string, input json.RawMessage) ToolCallSignature {
	canon := canonicalizeJSON(input)
	sum := sha256.Sum256(append([]byte(name+"\x00"), canon...))
	return ToolCallSignature(name + ":" + hex.EncodeToString(sum[:8]))
}

// canonicalizeJSON re-marshals arbitrary JSON with map keys sorted so
// structurally-equal objects always produce byte-identical output regardless
// of field order. Falls back to the raw bytes if the input does not parse.
func canonicalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

func canonicalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedPair{Key: k, Value: canonicalizeValue(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return t
	}
}

// orderedPair marshals as a two-element array so Go's map randomization
// never leaks back into the canonical form.
type orderedPair struct {
	Key   string
	Value any
}

func (p orderedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

// ToolCallRing is a bounded ring buffer of recent tool-call signatures, used
// by the BacktrackEngine to detect the model repeating an identical call.
type ToolCallRing struct {
	capacity int
	buf      []ToolCallSignature
}

// NewToolCallRing creates a ring buffer with the given capacity.
func NewToolCallRing(capacity int) *ToolCallRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &ToolCallRing{capacity: capacity}
}

// Push appends a signature, evicting the oldest entry once at capacity.
// Returns true if sig equals the immediately preceding signature (the
// caller uses this to maintain consecutive_duplicate_count).
func (r *ToolCallRing) Push(sig ToolCallSignature) bool {
	dup := len(r.buf) > 0 && r.buf[len(r.buf)-1] == sig
	r.buf = append(r.buf, sig)
	if len(r.buf) > r.capacity {
		r.buf = r.buf[len(r.buf)-r.capacity:]
	}
	return dup
}

// TrailingRunLength returns how many of the most recent signatures equal sig
// consecutively (counting from the end of the buffer backward).
func (r *ToolCallRing) TrailingRunLength(sig ToolCallSignature) int {
	n := 0
	for i := len(r.buf) - 1; i >= 0; i-- {
		if r.buf[i] != sig {
			break
		}
		n++
	}
	return n
}

// RuntimeContext is the per-session state shared (by reference) across the
// agent loop's components, owned exclusively by the Executor.
type RuntimeContext struct {
	SessionID      string
	ConversationID string
	UserID         string

	CurrentTurn      int
	StartTime        time.Time
	LastActivityTime time.Time

	ConsecutiveFailures int

	ToolCallRing              *ToolCallRing
	ConsecutiveDuplicateCount int

	TotalBacktracks     int
	BacktracksExhausted bool
	BacktrackEscalation BacktrackEscalation

	StopReason   string
	FinishReason models.FinishReason

	LastLLMResponse *LLMResponseSnapshot

	FinalResult string
}

// BacktrackEscalation is the optional escalation mode set when backtracks
// are exhausted.
type BacktrackEscalation string

const (
	EscalationNone          BacktrackEscalation = ""
	EscalationIntentClarify BacktrackEscalation = "intent_clarify"
	EscalationEscalate      BacktrackEscalation = "escalate"
)

// LLMResponseSnapshot is a minimal, serializable record of the last LLM
// response, held in RuntimeContext.LastLLMResponse. Nothing in this module
// assigns that field at present; idle-timeout tracking uses LastActivityTime.
type LLMResponseSnapshot struct {
	StopReason string
	ToolCalls  []string
	At         time.Time
}

// New creates a RuntimeContext for a new session, with StartTime and
// LastActivityTime set to now.
func New(sessionID, conversationID, userID string) *RuntimeContext {
	now := time.Now()
	return &RuntimeContext{
		SessionID:        sessionID,
		ConversationID:   conversationID,
		UserID:           userID,
		StartTime:        now,
		LastActivityTime: now,
		ToolCallRing:     NewToolCallRing(50),
	}
}

// TouchActivity records activity now, resetting the idle-timeout clock.
func (c *RuntimeContext) TouchActivity() {
	c.LastActivityTime = time.Now()
}

// RecordToolSuccess resets the consecutive-failure counter.
func (c *RuntimeContext) RecordToolSuccess() {
	c.ConsecutiveFailures = 0
}

// RecordToolFailure increments the consecutive-failure counter.
func (c *RuntimeContext) RecordToolFailure() {
	c.ConsecutiveFailures++
}

// ObserveToolCall pushes the call's signature into the ring buffer and
// updates ConsecutiveDuplicateCount. Returns the trailing run length
// (including this call) for the caller to compare against the
// trajectory-dedup threshold.
func (c *RuntimeContext) ObserveToolCall(name string, input json.RawMessage) (sig ToolCallSignature, runLength int) {
	sig = SignatureOf(name, input)
	dup := c.ToolCallRing.Push(sig)
	if dup {
		c.ConsecutiveDuplicateCount++
	} else {
		c.ConsecutiveDuplicateCount = 0
	}
	return sig, c.ToolCallRing.TrailingRunLength(sig)
}

// DurationSeconds returns elapsed wall-clock seconds since StartTime.
func (c *RuntimeContext) DurationSeconds() float64 {
	return time.Since(c.StartTime).Seconds()
}

// IdleSeconds returns elapsed wall-clock seconds since LastActivityTime.
func (c *RuntimeContext) IdleSeconds() float64 {
	return time.Since(c.LastActivityTime).Seconds()
}

// RVRBState is the additional per-session state the backtracking extension
// (RVR-B) maintains beyond RuntimeContext.
type RVRBState struct {
	BacktrackCount    int
	MaxBacktracks     int
	FailedTools       map[string]struct{}
	FailedApproaches  []FailedApproach
	ToolFailureStreak map[string]int
	PrunedTools       map[string]struct{}
}

// FailedApproach records one failed attempt for context-pollution cleaning
// and progressive-hint construction.
type FailedApproach struct {
	Tool          string
	ApproachBrief string
	Reason        string
}

const maxFailedApproaches = 10

// NewRVRBState creates backtracking state with the given max-backtracks
// budget.
func NewRVRBState(maxBacktracks int) *RVRBState {
	if maxBacktracks <= 0 {
		maxBacktracks = 3
	}
	return &RVRBState{
		MaxBacktracks:     maxBacktracks,
		FailedTools:       make(map[string]struct{}),
		ToolFailureStreak: make(map[string]int),
		PrunedTools:       make(map[string]struct{}),
	}
}

// RecordFailure records a failed tool approach, bounding the history at
// maxFailedApproaches (oldest dropped first), marks the tool failed, and
// returns the tool's updated failure streak.
func (s *RVRBState) RecordFailure(tool, approachBrief, reason string) int {
	s.FailedTools[tool] = struct{}{}
	s.FailedApproaches = append(s.FailedApproaches, FailedApproach{Tool: tool, ApproachBrief: approachBrief, Reason: reason})
	if len(s.FailedApproaches) > maxFailedApproaches {
		s.FailedApproaches = s.FailedApproaches[len(s.FailedApproaches)-maxFailedApproaches:]
	}
	s.ToolFailureStreak[tool]++
	return s.ToolFailureStreak[tool]
}

// ResetToolStreak clears a tool's failure streak after a successful call or
// a successful tool-replace.
func (s *RVRBState) ResetToolStreak(tool string) {
	delete(s.ToolFailureStreak, tool)
}

// Prune adds a tool to the pruned set.
func (s *RVRBState) Prune(tool string) {
	s.PrunedTools[tool] = struct{}{}
}

// IsPruned reports whether a tool has been banned from the tool-definitions
// list sent to the LLM.
func (s *RVRBState) IsPruned(tool string) bool {
	_, ok := s.PrunedTools[tool]
	return ok
}

// ResetOnRetry clears backtrack counters and pruned tools when the user
// chooses "retry" after a BACKTRACK_EXHAUSTED prompt.
func (s *RVRBState) ResetOnRetry() {
	s.BacktrackCount = 0
	s.FailedTools = make(map[string]struct{})
	s.ToolFailureStreak = make(map[string]int)
	s.PrunedTools = make(map[string]struct{})
}

// RecentApproaches returns up to n of the most recently recorded failed
// approaches, most recent last.
func (s *RVRBState) RecentApproaches(n int) []FailedApproach {
	if n <= 0 || n > len(s.FailedApproaches) {
		n = len(s.FailedApproaches)
	}
	return append([]FailedApproach(nil), s.FailedApproaches[len(s.FailedApproaches)-n:]...)
}
