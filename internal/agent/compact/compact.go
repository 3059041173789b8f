// Package compact implements the ContextCompactor: keeps a prompt
// under the LLM's safe token threshold across turns without breaking the
// tool_use/tool_result pairing invariant. Grounded on
// internal/agent/context/pruning.go's settings-struct-plus-Default
// convention and internal/agent/compaction.go's message-slice trimming
// idiom, generalized to token-budget-driven trimming with an injected
// estimator (the real estimator, backed by tiktoken-go, lives in the LLM
// adapter package; a deterministic character-based estimator here serves as
// the fallback/test default).
package compact

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// imagePlaceholderText replaces stripped image blocks.
const imagePlaceholderText = "[image omitted to conserve context]"

// TokenEstimator estimates the token count of a string. Implementations
// must be deterministic and O(n) over input length.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// CharEstimator is a fallback TokenEstimator approximating 4 characters per
// token, the common rough ratio for English prose in most tokenizers. Used
// when no provider-specific estimator (e.g. tiktoken-backed) is wired.
type CharEstimator struct{}

func (CharEstimator) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Config configures the Compactor.
type Config struct {
	TokenBudget           int
	SafetyMargin          int // subtracted from TokenBudget to get safe_threshold; default 10000
	PreserveLastImages    int // N-th newest messages kept with images intact; default 2
	PreserveFirstMessages int // default 4
	PreserveLastMessages  int // default 10
	PreserveToolResults   bool
	PerMessageCharCap     int // fast-prefilter truncation cap; default 200000
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig(tokenBudget int) Config {
	return Config{
		TokenBudget:           tokenBudget,
		SafetyMargin:          10000,
		PreserveLastImages:    2,
		PreserveFirstMessages: 4,
		PreserveLastMessages:  10,
		PreserveToolResults:   true,
		PerMessageCharCap:     200000,
	}
}

func (c Config) safeThreshold() int {
	t := c.TokenBudget - c.SafetyMargin
	if t < 0 {
		return 0
	}
	return t
}

// Compactor is the ContextCompactor.
type Compactor struct {
	estimator TokenEstimator
}

// New constructs a Compactor. If estimator is nil, CharEstimator is used.
func New(estimator TokenEstimator) *Compactor {
	if estimator == nil {
		estimator = CharEstimator{}
	}
	return &Compactor{estimator: estimator}
}

// Compact runs the full pipeline: prefilter, image stripping, threshold
// check, and (if needed) budget trimming with an aggressive second pass.
func (c *Compactor) Compact(messages []models.BlockMessage, systemPrompt string, toolDefs []string, cfg Config) []models.BlockMessage {
	messages = c.prefilter(messages, cfg)
	messages = c.stripOldImages(messages, cfg.PreserveLastImages)

	estimated := c.estimateTotal(messages, systemPrompt, toolDefs)
	if estimated <= cfg.safeThreshold() {
		return messages
	}

	trimmed := c.trimByBudget(messages, cfg.TokenBudget, cfg.PreserveFirstMessages, cfg.PreserveLastMessages, cfg.PreserveToolResults)
	if c.estimateTotal(trimmed, systemPrompt, toolDefs) <= cfg.safeThreshold() {
		return trimmed
	}

	// Aggressive trim.
	return c.trimByBudget(messages, int(float64(cfg.TokenBudget)*0.6), 2, 6, false)
}

// prefilter truncates any single message whose content vastly exceeds
// PerMessageCharCap, without inspecting block structure (≤1ms operation).
func (c *Compactor) prefilter(messages []models.BlockMessage, cfg Config) []models.BlockMessage {
	charCap := cfg.PerMessageCharCap
	if charCap <= 0 {
		return messages
	}
	out := make([]models.BlockMessage, len(messages))
	for i, m := range messages {
		total := 0
		for _, b := range m.Blocks {
			total += len(b.Text) + len(b.Content)
		}
		if total <= charCap {
			out[i] = m
			continue
		}
		out[i] = truncateMessage(m, charCap)
	}
	return out
}

func truncateMessage(m models.BlockMessage, charCap int) models.BlockMessage {
	const marker = "\n...[truncated]...\n"
	blocks := make([]models.ContentBlock, len(m.Blocks))
	remaining := charCap
	for i, b := range m.Blocks {
		if len(b.Text) > 0 && len(b.Text) > remaining {
			b.Text = b.Text[:max(0, remaining)] + marker
		}
		if len(b.Content) > 0 && len(b.Content) > remaining {
			b.Content = b.Content[:max(0, remaining)] + marker
		}
		blocks[i] = b
	}
	m.Blocks = blocks
	return m
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// stripOldImages walks messages oldest-to-newest and replaces image blocks
// in tool_result content with a text placeholder, for every message except
// the last preserveLastImages.
func (c *Compactor) stripOldImages(messages []models.BlockMessage, preserveLastImages int) []models.BlockMessage {
	if preserveLastImages < 0 {
		preserveLastImages = 0
	}
	cutoff := len(messages) - preserveLastImages
	out := make([]models.BlockMessage, len(messages))
	for i, m := range messages {
		if i >= cutoff {
			out[i] = m
			continue
		}
		out[i] = stripImagesFromMessage(m)
	}
	return out
}

func stripImagesFromMessage(m models.BlockMessage) models.BlockMessage {
	changed := false
	blocks := make([]models.ContentBlock, len(m.Blocks))
	for i, b := range m.Blocks {
		if b.Type == models.ContentBlockToolResult && len(b.ResultBlocks) > 0 {
			nested := make([]models.ContentBlock, 0, len(b.ResultBlocks))
			for _, rb := range b.ResultBlocks {
				if rb.IsImage() {
					nested = append(nested, models.NewTextBlock(imagePlaceholderText))
					changed = true
					continue
				}
				nested = append(nested, rb)
			}
			b.ResultBlocks = nested
		}
		blocks[i] = b
	}
	if !changed {
		return m
	}
	m.Blocks = blocks
	return m
}

func (c *Compactor) estimateTotal(messages []models.BlockMessage, systemPrompt string, toolDefs []string) int {
	total := c.estimator.EstimateTokens(systemPrompt)
	for _, def := range toolDefs {
		total += c.estimator.EstimateTokens(def)
	}
	for _, m := range messages {
		total += c.estimateMessage(m)
	}
	return total
}

func (c *Compactor) estimateMessage(m models.BlockMessage) int {
	var sb strings.Builder
	for _, b := range m.Blocks {
		sb.WriteString(b.Text)
		sb.WriteString(b.Content)
	}
	return c.estimator.EstimateTokens(sb.String())
}

// trimByBudget preserves the first preserveFirst and last preserveLast
// messages, and drops from the middle; tool_use/tool_result pairs are
// dropped as a single unit so the conversation stays a legal sequence.
func (c *Compactor) trimByBudget(messages []models.BlockMessage, budget, preserveFirst, preserveLast int, preserveToolResults bool) []models.BlockMessage {
	if len(messages) <= preserveFirst+preserveLast {
		return messages
	}

	head := messages[:preserveFirst]
	tail := messages[len(messages)-preserveLast:]
	middle := messages[preserveFirst : len(messages)-preserveLast]

	units := groupIntoPairUnits(middle)

	// Walk units from the end of the middle backward, keeping each unit
	// that still fits in the budget left after head+tail are accounted for
	// and skipping any that does not.
	headTailTokens := 0
	for _, m := range head {
		headTailTokens += c.estimateMessage(m)
	}
	for _, m := range tail {
		headTailTokens += c.estimateMessage(m)
	}
	remaining := budget - headTailTokens

	var kept []models.BlockMessage
	usedTokens := 0
	for i := len(units) - 1; i >= 0; i-- {
		unit := units[i]
		if preserveToolResults && unitHasToolResult(unit) {
			kept = append(unit, kept...)
			continue
		}
		unitTokens := 0
		for _, m := range unit {
			unitTokens += c.estimateMessage(m)
		}
		if usedTokens+unitTokens > remaining {
			continue
		}
		usedTokens += unitTokens
		kept = append(unit, kept...)
	}

	result := make([]models.BlockMessage, 0, len(head)+len(kept)+len(tail))
	result = append(result, head...)
	result = append(result, kept...)
	result = append(result, tail...)
	return result
}

// groupIntoPairUnits groups messages so an assistant message containing a
// tool_use block stays with the following user message containing the
// matching tool_result (the "drop as a unit" rule).
func groupIntoPairUnits(messages []models.BlockMessage) [][]models.BlockMessage {
	var units [][]models.BlockMessage
	i := 0
	for i < len(messages) {
		m := messages[i]
		if len(m.ToolUseBlocks()) > 0 && i+1 < len(messages) && messages[i+1].IsToolResultOnly() {
			units = append(units, []models.BlockMessage{m, messages[i+1]})
			i += 2
			continue
		}
		units = append(units, []models.BlockMessage{m})
		i++
	}
	return units
}

func unitHasToolResult(unit []models.BlockMessage) bool {
	for _, m := range unit {
		if len(m.ToolResultBlocks()) > 0 {
			return true
		}
	}
	return false
}
