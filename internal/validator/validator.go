// Package validator implements C4, the DeterministicValidator: a pure,
// side-effect-free scoring function over a rubric and a parsed submission.
// It never calls an LLM and must be byte-identical for identical inputs
// (spec §4.4). Grounded on the teacher's stateless scoring-helper style —
// small pure functions composed by one entry point, no hidden state.
package validator

import (
	"sort"

	"github.com/gradeforge/gradeforge/internal/ierr"
	"github.com/gradeforge/gradeforge/internal/model"
)

const defaultMinWords int = 50

// Validate computes the deterministic base score and findings for one
// submission against one rubric. It never returns an error for a
// well-formed rubric; a rubric with no sections is the only fatal case
// (ierr.ErrDeterministicUnavailable), since a section-less rubric cannot
// produce a meaningful base_score.
func Validate(rubric model.Rubric, sub model.ParsedSubmission) (model.DeterministicResult, error) {
	if len(rubric.Sections) == 0 {
		return model.DeterministicResult{}, ierr.ErrDeterministicUnavailable
	}

	rulesBySection := make(map[string][]model.Rule)
	for _, r := range rubric.PartialCreditRules {
		rulesBySection[r.SectionID] = append(rulesBySection[r.SectionID], r)
	}
	for sid := range rulesBySection {
		sortRules(rulesBySection[sid])
	}

	var findings []model.Finding
	var totalAwarded, totalPoints float64

	for _, section := range rubric.Sections {
		var credit float64
		var kind model.FindingKind
		var note string

		switch section.Kind {
		case model.SectionKindReflection:
			credit, kind, note = scoreReflection(section, sub)
		default:
			fraction := completionFraction(section, sub)
			credit, kind, note = scoreCode(section, fraction, rulesBySection[section.ID])
		}

		awarded := credit * section.Points
		totalAwarded += awarded
		totalPoints += section.Points

		findings = append(findings, model.Finding{
			SectionID:     section.ID,
			Kind:          kind,
			PointsAwarded: awarded,
			MaxPoints:     section.Points,
			Note:          note,
		})
	}

	baseScore := 0.0
	if totalPoints > 0 {
		baseScore = totalAwarded / totalPoints * 100
	}

	return model.DeterministicResult{BaseScore: baseScore, Findings: findings}, nil
}

// completionFraction computes the weighted mean of variable, function, and
// column coverage ratios for a code section, skipping any empty required
// set entirely (spec §4.4).
func completionFraction(section model.RubricSection, sub model.ParsedSubmission) float64 {
	var sum float64
	var n int

	if ratio, ok := coverageRatio(section.RequiredVariables, sub.RequiredVariablesPresent); ok {
		sum += ratio
		n++
	}
	if ratio, ok := coverageRatio(section.RequiredFunctions, sub.FunctionsReferenced); ok {
		sum += ratio
		n++
	}
	if ratio, ok := coverageRatio(section.RequiredColumns, sub.ColumnsReferenced); ok {
		sum += ratio
		n++
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// coverageRatio returns the fraction of required keys present in observed,
// and false if required is empty (meaning this dimension should be skipped).
func coverageRatio(required, observed map[string]bool) (float64, bool) {
	if len(required) == 0 {
		return 0, false
	}
	var present int
	for k := range required {
		if observed[k] {
			present++
		}
	}
	return float64(present) / float64(len(required)), true
}

// scoreCode applies the first matching partial-credit rule (ascending
// priority, tie-break: higher multiplier then lexicographically smaller
// rule id) and awards max(multiplier, completionFraction).
func scoreCode(section model.RubricSection, fraction float64, rules []model.Rule) (float64, model.FindingKind, string) {
	for _, rule := range rules {
		if rule.Condition.Matches(fraction) {
			credit := rule.Multiplier
			if fraction > credit {
				credit = fraction
			}
			kind := model.FindingPartialCredit
			if credit >= 1.0 {
				kind = model.FindingPass
			} else if credit <= 0 {
				kind = model.FindingMissing
			}
			return credit, kind, rule.Explanation
		}
	}

	// No rule matched: credit equals raw completion fraction.
	switch {
	case fraction >= 1.0:
		return fraction, model.FindingPass, ""
	case fraction <= 0:
		return fraction, model.FindingMissing, "no required identifiers found"
	default:
		return fraction, model.FindingPartialCredit, ""
	}
}

// scoreReflection awards full credit only when every expected reflection
// has an answer at least MinWords long; otherwise credit is the fraction
// of expected reflections whose answer reaches MinWords (a shorter answer
// counts the same as a missing one).
func scoreReflection(section model.RubricSection, sub model.ParsedSubmission) (float64, model.FindingKind, string) {
	expected := section.ExpectedReflections
	if len(expected) == 0 {
		return 1.0, model.FindingPass, ""
	}

	minWords := section.MinWords
	if minWords <= 0 {
		minWords = defaultMinWords
	}

	complete := true
	sufficient := 0
	for _, id := range expected {
		answer, ok := sub.ReflectionAnswers[id]
		if !ok || answer == "" || wordCount(answer) < minWords {
			complete = false
			continue
		}
		sufficient++
	}

	if complete {
		return 1.0, model.FindingPass, ""
	}
	fraction := float64(sufficient) / float64(len(expected))
	if fraction <= 0 {
		return 0, model.FindingMissing, "no reflection answers present"
	}
	return fraction, model.FindingPartialCredit, "one or more reflections below minimum word count"
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// sortRules orders rules by ascending priority; ties break by descending
// multiplier, then ascending (lexicographic) rule id.
func sortRules(rules []model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Multiplier != b.Multiplier {
			return a.Multiplier > b.Multiplier
		}
		return a.ID < b.ID
	})
}
