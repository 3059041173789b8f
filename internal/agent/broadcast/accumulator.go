package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/pkg/models"
)

// BlockState is the EventBroadcaster's per-session open/closed bookkeeping.
// Exactly one block may be open at a time; opening a new block
// while one is open first closes the old one.
type BlockState struct {
	NextIndex    int
	CurrentType  models.ContentBlockType
	CurrentIndex int
	HasOpen      bool
}

// blockBuffer accumulates a single content block's streamed fragments.
// Multiple blocks may be in flight concurrently (interleaved deltas from
// different indices), so the accumulator keeps one buffer per index.
type blockBuffer struct {
	blockType   models.ContentBlockType
	text        bytes.Buffer // text / thinking / unparsed tool_use input fragments
	toolUseID   string
	toolName    string
	parsedInput json.RawMessage // set once incremental parse succeeds
	signature   string
	closed      bool
}

// ContentAccumulator folds an executor's fine-grained block events
// (start/delta/stop) into an ordered list of typed ContentBlocks for one
// in-flight assistant message. It is single-writer: the session's
// executor task.
type ContentAccumulator struct {
	state   BlockState
	buffers map[int]*blockBuffer
	order   []int // indices in the order they were opened
}

// NewContentAccumulator creates an accumulator with a clean BlockState.
func NewContentAccumulator() *ContentAccumulator {
	return &ContentAccumulator{buffers: make(map[int]*blockBuffer)}
}

// Reset clears accumulator state for a new message (called by StartMessage).
func (a *ContentAccumulator) Reset() {
	a.state = BlockState{}
	a.buffers = make(map[int]*blockBuffer)
	a.order = nil
}

// StartBlock closes any currently open block and opens a new one at the next
// index, returning the assigned index.
func (a *ContentAccumulator) StartBlock(blockType models.ContentBlockType, toolUseID, toolName string) int {
	if a.state.HasOpen {
		a.closeCurrent("")
	}
	idx := a.state.NextIndex
	a.state.NextIndex++
	a.state.HasOpen = true
	a.state.CurrentType = blockType
	a.state.CurrentIndex = idx

	buf := &blockBuffer{blockType: blockType, toolUseID: toolUseID, toolName: toolName}
	a.buffers[idx] = buf
	a.order = append(a.order, idx)
	return idx
}

// Delta appends a text fragment to the currently open block at idx. For
// tool_use blocks, Delta also attempts an incremental JSON parse of the
// accumulated fragment buffer; on success the parsed object is cached as
// the block's parsed input and kept in sync on every subsequent delta.
func (a *ContentAccumulator) Delta(idx int, fragment string) {
	buf, ok := a.buffers[idx]
	if !ok || buf.closed {
		return
	}
	buf.text.WriteString(fragment)
	if buf.blockType == models.ContentBlockToolUse {
		var v any
		if err := json.Unmarshal(buf.text.Bytes(), &v); err == nil {
			buf.parsedInput = append(json.RawMessage(nil), buf.text.Bytes()...)
		}
	}
}

// StopBlock closes the block at the currently open index (if any) and
// returns the finalized ContentBlock plus a protocol error if a tool_use
// block's input never parsed as valid JSON.
func (a *ContentAccumulator) StopBlock(signature string) (models.ContentBlock, error) {
	if !a.state.HasOpen {
		return models.ContentBlock{}, fmt.Errorf("broadcast: StopBlock called with no open block")
	}
	return a.closeCurrent(signature)
}

func (a *ContentAccumulator) closeCurrent(signature string) (models.ContentBlock, error) {
	idx := a.state.CurrentIndex
	buf := a.buffers[idx]
	a.state.HasOpen = false
	if buf == nil || buf.closed {
		return models.ContentBlock{}, nil
	}
	buf.closed = true
	buf.signature = signature

	switch buf.blockType {
	case models.ContentBlockText:
		return models.NewTextBlock(buf.text.String()), nil
	case models.ContentBlockThinking:
		return models.NewThinkingBlock(buf.text.String(), signature), nil
	case models.ContentBlockToolUse:
		if buf.parsedInput == nil && buf.text.Len() > 0 {
			var v any
			if err := json.Unmarshal(buf.text.Bytes(), &v); err == nil {
				buf.parsedInput = append(json.RawMessage(nil), buf.text.Bytes()...)
			}
		}
		if buf.parsedInput == nil {
			// Malformed tool input: surfaced to the executor as a protocol
			// error; the block itself is still returned so
			// the caller can decide whether to discard it.
			block := models.NewToolUseBlock(buf.toolUseID, buf.toolName, json.RawMessage(buf.text.Bytes()))
			return block, fmt.Errorf("broadcast: tool_use %q input failed to parse as JSON: %q", buf.toolName, buf.text.String())
		}
		return models.NewToolUseBlock(buf.toolUseID, buf.toolName, buf.parsedInput), nil
	default:
		return models.ContentBlock{Type: buf.blockType, Text: buf.text.String()}, nil
	}
}

// EmitBlock is an atomic start+stop for non-streaming cases such as
// tool_result, returning the index assigned to the block.
func (a *ContentAccumulator) EmitBlock(blockType models.ContentBlockType, complete models.ContentBlock) int {
	idx := a.StartBlock(blockType, complete.ToolUseID, complete.ToolName)
	buf := a.buffers[idx]
	buf.text.WriteString(complete.Text)
	buf.parsedInput = complete.ToolInput
	_, _ = a.closeCurrent("")
	return idx
}

// Blocks returns the finalized blocks accumulated so far, in open order.
// Blocks that never closed are omitted.
func (a *ContentAccumulator) Blocks() []models.ContentBlock {
	out := make([]models.ContentBlock, 0, len(a.order))
	for _, idx := range a.order {
		buf := a.buffers[idx]
		if buf == nil || !buf.closed {
			continue
		}
		block, err := a.renderClosed(buf)
		if err != nil {
			continue
		}
		out = append(out, block)
	}
	return out
}

func (a *ContentAccumulator) renderClosed(buf *blockBuffer) (models.ContentBlock, error) {
	switch buf.blockType {
	case models.ContentBlockText:
		return models.NewTextBlock(buf.text.String()), nil
	case models.ContentBlockThinking:
		return models.NewThinkingBlock(buf.text.String(), buf.signature), nil
	case models.ContentBlockToolUse:
		if buf.parsedInput == nil {
			return models.ContentBlock{}, fmt.Errorf("unparsed tool_use input")
		}
		return models.NewToolUseBlock(buf.toolUseID, buf.toolName, buf.parsedInput), nil
	default:
		return models.ContentBlock{Type: buf.blockType, Text: buf.text.String()}, nil
	}
}

// DiscardOpen discards the currently open block without emitting it, used
// when the LLM stream errors mid-block.
func (a *ContentAccumulator) DiscardOpen() {
	if !a.state.HasOpen {
		return
	}
	idx := a.state.CurrentIndex
	delete(a.buffers, idx)
	for i, v := range a.order {
		if v == idx {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.state.HasOpen = false
}

// State returns a copy of the current BlockState, for diagnostics/tests.
func (a *ContentAccumulator) State() BlockState {
	return a.state
}
