package models

import "encoding/json"

// ContentBlockType discriminates the four ContentBlock variants the executor
// streams between the LLM, the ContentAccumulator, and the EventBroadcaster.
type ContentBlockType string

const (
	ContentBlockText       ContentBlockType = "text"
	ContentBlockThinking   ContentBlockType = "thinking"
	ContentBlockToolUse    ContentBlockType = "tool_use"
	ContentBlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is a tagged variant over the four content-block cases defined
// by the agent wire protocol. Exactly one of the per-case fields is
// meaningful for a given Type; the others are zero.
//
// ToolResult.Content may hold either plain text or a list of nested blocks
// (to support multimodal tool results: text plus images). When Content is
// set, ResultBlocks is nil and vice versa.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// Text / Thinking
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// ToolUse
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// ToolResult
	ToolResultForID string         `json:"tool_use_id,omitempty"`
	Content         string         `json:"content,omitempty"`
	ResultBlocks    []ContentBlock `json:"result_blocks,omitempty"`
	IsError         bool           `json:"is_error,omitempty"`
}

// NewTextBlock constructs a Text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentBlockText, Text: text}
}

// NewThinkingBlock constructs a Thinking content block.
func NewThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Type: ContentBlockThinking, Text: text, Signature: signature}
}

// NewToolUseBlock constructs a ToolUse content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentBlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// NewToolResultBlock constructs a text ToolResult content block.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: ContentBlockToolResult, ToolResultForID: toolUseID, Content: content, IsError: isError}
}

// NewMultimodalToolResultBlock constructs a ToolResult whose content is a
// list of nested blocks (e.g. text followed by an image), per B3.
func NewMultimodalToolResultBlock(toolUseID string, blocks []ContentBlock, isError bool) ContentBlock {
	return ContentBlock{Type: ContentBlockToolResult, ToolResultForID: toolUseID, ResultBlocks: blocks, IsError: isError}
}

// IsImage reports whether a ContentBlock represents an inline image, that is,
// whether its Type is "image" (a value outside the four ContentBlockType
// constants above). The core only needs to recognize and strip these; it
// never decodes image bytes.
func (b ContentBlock) IsImage() bool {
	return b.Type == "image"
}

// BlockMessage is a Message whose content is a structured list of
// ContentBlocks rather than a single string: {role, content: string | list
// of ContentBlock}. BlockMessage is used wherever the executor must preserve
// tool_use/tool_result pairing and multimodal tool results.
type BlockMessage struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	CreatedAt int64          `json:"created_at,omitempty"`
}

// ToolUseBlocks returns the ToolUse blocks contained in the message, in
// order.
func (m *BlockMessage) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == ContentBlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultBlocks returns the ToolResult blocks contained in the message,
// in order.
func (m *BlockMessage) ToolResultBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == ContentBlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// IsToolResultOnly reports whether every block in the message is a
// ToolResult, as required of the user message following a tool_use turn.
func (m *BlockMessage) IsToolResultOnly() bool {
	if len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != ContentBlockToolResult {
			return false
		}
	}
	return true
}
