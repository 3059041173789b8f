package toolflow

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/models"
)

// HITLDecision is the human's response to a human-in-the-loop confirmation
// request.
type HITLDecision struct {
	Approved bool
	Note     string
}

// HITLPrompt carries the data shown to a human reviewer for a pending tool
// call awaiting confirmation.
type HITLPrompt struct {
	ToolName string
	ToolID   string
	Input    json.RawMessage
	Message  string
}

// HITLWaiter is the injected suspension point: given a prompt, it blocks
// (typically on a channel or future fed by an external approval surface)
// until a decision is available or ctx is canceled.
type HITLWaiter func(ctx context.Context, prompt HITLPrompt) (HITLDecision, error)

// hitlInput is the expected shape of an hitl tool call's input.
type hitlInput struct {
	Message string `json:"message"`
}

// HITLHandler is the special handler for the "hitl" tool. It suspends
// execution via the injected waiter and reports the human's decision back
// as the tool result so the executor can branch on approval/rejection.
type HITLHandler struct {
	waiter HITLWaiter
}

// NewHITLHandler constructs an HITLHandler. waiter must not be nil.
func NewHITLHandler(waiter HITLWaiter) *HITLHandler {
	return &HITLHandler{waiter: waiter}
}

func (h *HITLHandler) Handle(ctx context.Context, call models.ToolCall) ToolExecutionResult {
	var input hitlInput
	_ = json.Unmarshal(call.Input, &input)

	if h.waiter == nil {
		return ToolExecutionResult{
			ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input,
			IsError: true, ErrorMsg: "hitl: no waiter configured",
		}
	}

	decision, err := h.waiter(ctx, HITLPrompt{ToolName: call.Name, ToolID: call.ID, Input: call.Input, Message: input.Message})
	if err != nil {
		return ToolExecutionResult{
			ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input,
			IsError: true, ErrorMsg: "hitl: " + err.Error(),
		}
	}

	resp := map[string]any{"approved": decision.Approved, "note": decision.Note}
	if !decision.Approved {
		resp["pending_user_input"] = true
	}
	content, _ := json.Marshal(resp)
	return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, Result: string(content), IsError: !decision.Approved}
}
