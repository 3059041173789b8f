package complexity

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func toolUse(name string) models.BlockMessage {
	return models.BlockMessage{
		Role:   models.RoleAssistant,
		Blocks: []models.ContentBlock{models.NewToolUseBlock("t", name, json.RawMessage(`{}`))},
	}
}

func TestDetectTrivialIsSimpleWithSkipHint(t *testing.T) {
	d := NewDetector()
	res := d.Detect("thanks!", nil)
	if res.Complexity != Simple || !res.SkipHint {
		t.Fatalf("expected simple+skip_hint, got %+v", res)
	}
}

func TestDetectReasoningIsComplex(t *testing.T) {
	d := NewDetector()
	res := d.Detect("Can you analyze the tradeoffs of this architecture and why it's slow?", nil)
	if res.Complexity != Complex {
		t.Fatalf("expected complex, got %+v", res)
	}
}

func TestDetectManyDistinctToolsIsComplex(t *testing.T) {
	d := NewDetector()
	history := []models.BlockMessage{toolUse("search"), toolUse("read_file"), toolUse("write_file")}
	res := d.Detect("ok next", history)
	if res.Complexity != Complex {
		t.Fatalf("expected complex from tool density, got %+v", res)
	}
}

func TestDetectLongHistoryPromotesToMedium(t *testing.T) {
	d := &Detector{ManyToolsThreshold: 3, LongHistoryTurns: 2}
	history := []models.BlockMessage{toolUse("search"), {Role: models.RoleUser}}
	res := d.Detect("what's next", history)
	if res.Complexity != Medium {
		t.Fatalf("expected medium from long history, got %+v", res)
	}
}

func TestUseBacktrackingMatchesComplexity(t *testing.T) {
	if (Result{Complexity: Simple}).UseBacktracking() {
		t.Fatal("simple should not use backtracking")
	}
	if !(Result{Complexity: Medium}).UseBacktracking() {
		t.Fatal("medium should use backtracking")
	}
	if !(Result{Complexity: Complex}).UseBacktracking() {
		t.Fatal("complex should use backtracking")
	}
}
