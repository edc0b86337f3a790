// Package rubric loads and validates rubric documents from disk. Grounded
// on the teacher's config.Load file-read-then-validate pattern, adapted
// to the grading-rubric document shape.
package rubric

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/gradeforge/gradeforge/internal/model"
)

const weightSumTolerance = 1e-9

// Load reads and validates a rubric document at path.
func Load(path string) (model.Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Rubric{}, fmt.Errorf("read rubric file: %w", err)
	}
	var r model.Rubric
	if err := json.Unmarshal(data, &r); err != nil {
		return model.Rubric{}, fmt.Errorf("parse rubric file: %w", err)
	}
	if err := Validate(r); err != nil {
		return model.Rubric{}, fmt.Errorf("invalid rubric: %w", err)
	}
	return r, nil
}

// Validate checks the structural invariants a rubric must hold (spec §3):
// section weights sum to 1.0 within tolerance, and section/rule ids are
// unique.
func Validate(r model.Rubric) error {
	if len(r.Sections) == 0 {
		return fmt.Errorf("rubric has no sections")
	}

	seenSections := make(map[string]bool, len(r.Sections))
	var weightSum float64
	for _, s := range r.Sections {
		if seenSections[s.ID] {
			return fmt.Errorf("duplicate section id %q", s.ID)
		}
		seenSections[s.ID] = true
		weightSum += s.WeightFraction
	}
	if math.Abs(weightSum-1.0) > weightSumTolerance {
		return fmt.Errorf("section weight_fraction values sum to %v, want 1.0", weightSum)
	}

	seenRules := make(map[string]bool, len(r.PartialCreditRules))
	for _, rule := range r.PartialCreditRules {
		if seenRules[rule.ID] {
			return fmt.Errorf("duplicate partial credit rule id %q", rule.ID)
		}
		seenRules[rule.ID] = true
		if !seenSections[rule.SectionID] {
			return fmt.Errorf("rule %q references unknown section %q", rule.ID, rule.SectionID)
		}
	}
	return nil
}
