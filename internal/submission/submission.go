// Package submission loads a pre-parsed submission document from disk.
// The actual notebook parser (source extraction, cell execution) is
// explicitly out of scope (spec Non-goals); this package is the loader
// boundary a real parser would populate, modeled on the teacher's
// config.Load file-read pattern.
package submission

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gradeforge/gradeforge/internal/model"
)

// Load reads a ParsedSubmission document at path.
func Load(path string) (model.ParsedSubmission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ParsedSubmission{}, fmt.Errorf("read submission file: %w", err)
	}
	var s model.ParsedSubmission
	if err := json.Unmarshal(data, &s); err != nil {
		return model.ParsedSubmission{}, fmt.Errorf("parse submission file: %w", err)
	}
	return s, nil
}

// LoadSolutionCells reads the solution notebook's code cells (the
// reference outputs the comparator diffs the student's cells against).
func LoadSolutionCells(path string) ([]model.CodeCell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read solution file: %w", err)
	}
	var cells []model.CodeCell
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("parse solution file: %w", err)
	}
	return cells, nil
}
