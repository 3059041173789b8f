// Package broadcast implements the EventBroadcaster and ContentAccumulator
// for the agent execution core: a per-session, strictly-sequenced event
// log that folds streaming content blocks into a durable assistant
// message, grounded on internal/agent/event_emitter.go and event_sink.go.
package broadcast

import "github.com/haasonsaas/nexus/pkg/models"

// EventType is the streaming event vocabulary exchanged between the
// Executor and the EventBroadcaster.
type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"

	EventContentStart EventType = "content_start"
	EventContentDelta EventType = "content_delta"
	EventContentStop  EventType = "content_stop"

	EventThinkingDelta EventType = "thinking_delta"
	EventToolUseStart  EventType = "tool_use_start"
	EventInputDelta    EventType = "input_delta"

	EventHITLConfirm               EventType = "hitl_confirm"
	EventLongRunningConfirm        EventType = "long_running_confirm"
	EventBacktrackExhaustedConfirm EventType = "backtrack_exhausted_confirm"
	EventIntentClarifyRequest      EventType = "intent_clarify_request"
	EventCostLimitConfirm          EventType = "cost_limit_confirm"
	EventCostUrgentConfirm         EventType = "cost_urgent_confirm"
	EventCostWarn                  EventType = "cost_warn"

	EventRollbackOptions   EventType = "rollback_options"
	EventRollbackCompleted EventType = "rollback_completed"

	EventBacktrack          EventType = "backtrack"
	EventBacktrackExhausted EventType = "backtrack_exhausted"

	EventWarning EventType = "warning"
	EventError   EventType = "error"
)

// Event is the JSON-serializable unit published to transports: {type, data,
// seq, message_id, session_id, conversation_id}.
type Event struct {
	Type           EventType `json:"type"`
	Data           any       `json:"data,omitempty"`
	Seq            uint64    `json:"seq"`
	MessageID      string    `json:"message_id,omitempty"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// ContentStartData is the payload of a content_start event.
type ContentStartData struct {
	Index int                     `json:"index"`
	Type  models.ContentBlockType `json:"block_type"`
	// Initial carries type-specific initial fields (e.g. tool_use id/name).
	Initial map[string]any `json:"initial,omitempty"`
}

// ContentDeltaData is the payload of a content_delta/thinking_delta/
// input_delta event.
type ContentDeltaData struct {
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`
}

// ContentStopData is the payload of a content_stop event.
type ContentStopData struct {
	Index      int    `json:"index"`
	Signature  string `json:"signature,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// MessageDeltaData carries terminal usage/accounting for a message.
type MessageDeltaData struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	ErrorType   string `json:"error_type"`
	UserMessage string `json:"user_message"`
	Recoverable bool   `json:"recoverable"`
}
