// Package outputcompare implements C5, the OutputComparator: compares a
// student's notebook cell outputs against a solution's, cell by cell, and
// produces a match rate the grading pipeline uses as a (bounded, downward
// or zero) score adjustment. Grounded on the teacher's pure-function
// scoring style, generalised to text+numeric similarity.
package outputcompare

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gradeforge/gradeforge/internal/model"
)

const (
	// SimilarityThreshold is the minimum blended similarity for a cell to
	// count as matched (spec §4.5).
	SimilarityThreshold = 0.80

	epsNumRelative = 0.05
	epsAbsolute    = 1e-9

	maxPayloadBytes = 200 * 1024
)

// Config configures size/time guards (spec §4.5's abort conditions).
type Config struct {
	MaxPayloadBytes int
	Budget          time.Duration
}

// DefaultConfig returns the spec-mandated guard values.
func DefaultConfig() Config {
	return Config{MaxPayloadBytes: maxPayloadBytes, Budget: 30 * time.Second}
}

// Compare compares student and solution cell outputs pairwise by index.
// If the combined payload exceeds the size guard or the comparison runs
// past its time budget, it aborts with MatchRate == nil (spec §4.5): the
// pipeline must proceed without an output-comparison adjustment, not treat
// the abort as a zero match rate.
func Compare(cfg Config, studentCells, solutionCells []model.CodeCell) model.OutputCompareResult {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = maxPayloadBytes
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}

	if payloadBytes(studentCells)+payloadBytes(solutionCells) > cfg.MaxPayloadBytes {
		return model.OutputCompareResult{Aborted: true}
	}

	deadline := time.Now().Add(cfg.Budget)
	n := len(studentCells)
	if len(solutionCells) < n {
		n = len(solutionCells)
	}

	comparisons := make([]model.OutputCellComparison, 0, n)
	matched := 0
	for i := 0; i < n; i++ {
		if time.Now().After(deadline) {
			return model.OutputCompareResult{Aborted: true}
		}
		studentText := joinOutputs(studentCells[i])
		solutionText := joinOutputs(solutionCells[i])
		sim := similarity(studentText, solutionText)
		isMatch := sim >= SimilarityThreshold
		if isMatch {
			matched++
		}
		comparisons = append(comparisons, model.OutputCellComparison{
			CellIndex:      i,
			StudentOutput:  studentText,
			SolutionOutput: solutionText,
			Similarity:     sim,
			Matched:        isMatch,
		})
	}

	if n == 0 {
		return model.OutputCompareResult{Comparisons: comparisons}
	}
	rate := float64(matched) / float64(n)
	return model.OutputCompareResult{MatchRate: &rate, Comparisons: comparisons}
}

func payloadBytes(cells []model.CodeCell) int {
	total := 0
	for _, c := range cells {
		total += len(c.Source)
		for _, o := range c.Outputs {
			total += len(o.Text)
		}
	}
	return total
}

func joinOutputs(cell model.CodeCell) string {
	parts := make([]string, 0, len(cell.Outputs))
	for _, o := range cell.Outputs {
		parts = append(parts, o.Text)
	}
	return strings.Join(parts, "\n")
}

// normalize collapses internal whitespace runs to single spaces and drops
// blank lines, per spec §4.5.
func normalize(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return out
}

// similarity blends numeric-token agreement and non-numeric text
// similarity 50/50, clamped to [0,1] (spec §4.5).
func similarity(a, b string) float64 {
	linesA := normalize(a)
	linesB := normalize(b)
	// Row order is ignored: both sides are compared as multisets of lines.
	sort.Strings(linesA)
	sort.Strings(linesB)

	numA, textA := splitTokens(linesA)
	numB, textB := splitTokens(linesB)

	numericAgreement := compareNumericMultisets(numA, numB)
	textSim := lcsRatio(textA, textB)

	s := 0.5*numericAgreement + 0.5*textSim
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// splitTokens tokenizes all lines (as a multiset, order-insensitive per
// spec default) and separates numeric tokens from text tokens.
func splitTokens(lines []string) (numeric []float64, text []string) {
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			if f, ok := parseNumeric(tok); ok {
				numeric = append(numeric, f)
			} else {
				text = append(text, tok)
			}
		}
	}
	return numeric, text
}

func parseNumeric(tok string) (float64, bool) {
	trimmed := strings.Trim(tok, ",;:")
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// compareNumericMultisets matches numeric tokens within tolerance
// (eps_num=5% relative or eps_abs=1e-9 absolute, whichever is looser) as an
// unordered multiset and returns the match fraction. Two empty sets agree
// trivially (agreement 1.0); one empty and one non-empty disagree fully.
func compareNumericMultisets(a, b []float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	used := make([]bool, len(b))
	matched := 0
	for _, x := range a {
		for j, y := range b {
			if used[j] {
				continue
			}
			if numericClose(x, y) {
				used[j] = true
				matched++
				break
			}
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(matched) / float64(denom)
}

func numericClose(a, b float64) bool {
	diff := abs(a - b)
	if diff <= epsAbsolute {
		return true
	}
	scale := abs(a)
	if abs(b) > scale {
		scale = abs(b)
	}
	if scale == 0 {
		return false
	}
	return diff/scale <= epsNumRelative
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// lcsRatio is the longest-common-subsequence length over the two text
// token sequences, normalized by the longer sequence's length.
func lcsRatio(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcsLen := prev[len(b)]

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return float64(lcsLen) / float64(longest)
}

// Adjustment maps a match rate to the score adjustment table in spec §4.5.
// A rate below 0.40 does not return a negative delta; it signals the
// pipeline to cap the final score at 50 instead, so callers must check
// CapAt50 before applying Delta.
type Adjustment struct {
	Delta   float64
	CapAt50 bool
}

// AdjustmentFor implements the match-rate -> adjustment table verbatim.
func AdjustmentFor(matchRate float64) Adjustment {
	switch {
	case matchRate >= 0.90:
		return Adjustment{Delta: 0}
	case matchRate >= 0.75:
		return Adjustment{Delta: -5}
	case matchRate >= 0.60:
		return Adjustment{Delta: -10}
	case matchRate >= 0.40:
		return Adjustment{Delta: -15}
	default:
		return Adjustment{CapAt50: true}
	}
}
