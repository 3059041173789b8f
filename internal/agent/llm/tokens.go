package llm

import (
	"sync"

	"github.com/haasonsaas/nexus/internal/agent/compact"
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenEstimator implements compact.TokenEstimator using the real
// cl100k_base BPE encoding (github.com/pkoukk/tiktoken-go), the accurate,
// provider-backed estimator a compaction pass should prefer over a naive
// character-count heuristic. internal/agent/compact's CharEstimator remains
// the deterministic fallback used in that package's own unit tests and
// whenever no tokenizer is available (e.g. this encoding fails to load,
// which only happens if the bundled BPE ranks are missing).
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding once and reuses it.
// Falls back to compact.CharEstimator, wrapped transparently, if the
// encoding cannot be loaded so callers never need a nil check.
func NewTiktokenEstimator() compact.TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return compact.CharEstimator{}
	}
	return &TiktokenEstimator{enc: enc}
}

// EstimateTokens implements compact.TokenEstimator.
func (t *TiktokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}
