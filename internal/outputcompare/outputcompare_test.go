package outputcompare

import (
	"strings"
	"testing"
	"time"

	"github.com/gradeforge/gradeforge/internal/model"
)

func cell(text string) model.CodeCell {
	return model.CodeCell{Outputs: []model.CellOutput{{Text: text}}}
}

func TestCompareIdenticalOutputsMatch(t *testing.T) {
	student := []model.CodeCell{cell("total is 42"), cell("mean: 3.14")}
	solution := []model.CodeCell{cell("total is 42"), cell("mean: 3.14")}

	result := Compare(DefaultConfig(), student, solution)
	if result.MatchRate == nil || *result.MatchRate != 1.0 {
		t.Fatalf("expected match rate 1.0, got %v", result.MatchRate)
	}
}

func TestCompareNumericWithinTolerance(t *testing.T) {
	student := []model.CodeCell{cell("result: 100.0")}
	solution := []model.CodeCell{cell("result: 104.0")} // within 5% relative tolerance

	result := Compare(DefaultConfig(), student, solution)
	if result.MatchRate == nil || *result.MatchRate != 1.0 {
		t.Fatalf("expected full match within numeric tolerance, got %v", result.MatchRate)
	}
}

func TestCompareNumericOutsideTolerance(t *testing.T) {
	student := []model.CodeCell{cell("result: 100.0")}
	solution := []model.CodeCell{cell("result: 200.0")}

	result := Compare(DefaultConfig(), student, solution)
	if result.MatchRate == nil {
		t.Fatal("expected non-nil match rate")
	}
	if *result.MatchRate != 0.0 {
		t.Errorf("expected mismatch, got match rate %v", *result.MatchRate)
	}
}

func TestCompareTextMismatch(t *testing.T) {
	student := []model.CodeCell{cell("completely different text entirely")}
	solution := []model.CodeCell{cell("the quick brown fox jumps")}

	result := Compare(DefaultConfig(), student, solution)
	if result.MatchRate == nil {
		t.Fatal("expected non-nil match rate")
	}
	if *result.MatchRate != 0.0 {
		t.Errorf("expected no match, got %v", *result.MatchRate)
	}
}

func TestCompareAbortsOnOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", 300*1024)
	student := []model.CodeCell{cell(big)}
	solution := []model.CodeCell{cell(big)}

	result := Compare(DefaultConfig(), student, solution)
	if !result.Aborted {
		t.Error("expected Aborted true for oversized payload")
	}
	if result.MatchRate != nil {
		t.Error("expected nil match rate on abort")
	}
}

func TestCompareAbortsOnExpiredBudget(t *testing.T) {
	student := []model.CodeCell{cell("a"), cell("b")}
	solution := []model.CodeCell{cell("a"), cell("b")}

	cfg := Config{MaxPayloadBytes: maxPayloadBytes, Budget: 1}
	time.Sleep(2 * time.Millisecond)
	result := Compare(cfg, student, solution)
	if !result.Aborted {
		t.Error("expected Aborted true when budget already expired")
	}
}

func TestCompareNoCellsYieldsNoMatchRate(t *testing.T) {
	result := Compare(DefaultConfig(), nil, nil)
	if result.MatchRate != nil {
		t.Errorf("expected nil match rate for zero cells, got %v", *result.MatchRate)
	}
	if result.Aborted {
		t.Error("zero cells should not be treated as aborted")
	}
}

func TestAdjustmentForTable(t *testing.T) {
	cases := []struct {
		rate    float64
		wantCap bool
		wantVal float64
	}{
		{0.95, false, 0},
		{0.90, false, 0},
		{0.80, false, -5},
		{0.65, false, -10},
		{0.45, false, -15},
		{0.20, true, 0},
	}
	for _, c := range cases {
		got := AdjustmentFor(c.rate)
		if got.CapAt50 != c.wantCap {
			t.Errorf("rate %v: CapAt50 = %v, want %v", c.rate, got.CapAt50, c.wantCap)
		}
		if !c.wantCap && got.Delta != c.wantVal {
			t.Errorf("rate %v: Delta = %v, want %v", c.rate, got.Delta, c.wantVal)
		}
	}
}
