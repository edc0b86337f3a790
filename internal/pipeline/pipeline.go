// Package pipeline implements C6, the four-layer grading pipeline: the
// synchronous deterministic validator (C4), followed by the output
// comparator (C5) and two LLM generate() calls (C3, one per model kind)
// running concurrently. A C5/C3 failure degrades that layer's
// contribution but never aborts the other two; only a C4 failure is
// fatal. Grounded on the teacher's fan-out/join goroutine style using
// golang.org/x/sync/errgroup, generalised so no single failing branch
// cancels its siblings.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gradeforge/gradeforge/internal/ierr"
	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
	"github.com/gradeforge/gradeforge/internal/outputcompare"
	"github.com/gradeforge/gradeforge/internal/validator"
)

// Generator is the narrow surface the pipeline needs from the
// orchestrator; satisfied by *orchestrator.Orchestrator.
type Generator interface {
	Generate(ctx context.Context, req model.GenerationRequest) (model.GenerationResponse, error)
}

// minBaseScoreForAdjustment is the spec §3/§4.6 threshold below which the
// output-comparison adjustment is never applied.
const minBaseScoreForAdjustment = 30.0

// Input bundles everything one grading run needs.
type Input struct {
	Rubric        model.Rubric
	Submission    model.ParsedSubmission
	SolutionCells []model.CodeCell
	MaxTokens     int
	Temperature   float64
}

// Pipeline runs the four-layer grading algorithm.
type Pipeline struct {
	Generator   Generator
	Metrics     *metrics.Registry
	Budget      time.Duration
	CompareCfg  outputcompare.Config
}

// New builds a Pipeline with spec default timeouts.
func New(gen Generator, m *metrics.Registry, pipelineBudgetMs int) *Pipeline {
	budget := 300 * time.Second
	if pipelineBudgetMs > 0 {
		budget = time.Duration(pipelineBudgetMs) * time.Millisecond
	}
	return &Pipeline{Generator: gen, Metrics: m, Budget: budget, CompareCfg: outputcompare.DefaultConfig()}
}

// Run executes the full pipeline and returns the blended GradingResult.
func (p *Pipeline) Run(ctx context.Context, in Input) (model.GradingResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.Budget)
	defer cancel()

	detResult, err := validator.Validate(in.Rubric, in.Submission)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.GradingResultsTotal.WithLabelValues("error").Inc()
		}
		return model.GradingResult{}, fmt.Errorf("deterministic validation: %w", err)
	}

	var (
		compareResult model.OutputCompareResult
		codeResp      model.GenerationResponse
		codeErr       error
		feedbackResp  model.GenerationResponse
		feedbackErr   error
	)

	var g errgroup.Group

	g.Go(func() error {
		compareResult = outputcompare.Compare(p.CompareCfg, studentCells(in.Submission), in.SolutionCells)
		return nil
	})

	g.Go(func() error {
		codeResp, codeErr = p.Generator.Generate(ctx, model.GenerationRequest{
			Prompt:      codeAnalysisPrompt(in.Rubric, in.Submission, detResult),
			MaxTokens:   in.MaxTokens,
			Temperature: in.Temperature,
			ModelKind:   model.ModelKindCodeAnalysis,
		})
		return nil
	})

	g.Go(func() error {
		feedbackResp, feedbackErr = p.Generator.Generate(ctx, model.GenerationRequest{
			Prompt:      feedbackPrompt(in.Rubric, in.Submission, detResult),
			MaxTokens:   in.MaxTokens,
			Temperature: in.Temperature,
			ModelKind:   model.ModelKindFeedback,
		})
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait() // every goroutine above always returns nil; errors are captured locally
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if ctx.Err() != nil {
		return model.GradingResult{}, ierr.ErrCancelled
	}

	findings := append([]model.Finding{}, detResult.Findings...)

	codeText := codeResp.Text
	if codeErr != nil {
		codeText = ""
		findings = append(findings, model.Finding{
			SectionID: model.GlobalSectionID,
			Kind:      model.FindingError,
			Note:      "code analysis generation failed: " + codeErr.Error(),
		})
	}

	feedbackText := feedbackResp.Text
	if feedbackErr != nil {
		feedbackText = ""
		findings = append(findings, model.Finding{
			SectionID: model.GlobalSectionID,
			Kind:      model.FindingError,
			Note:      "feedback generation failed: " + feedbackErr.Error(),
		})
	}

	if compareResult.Aborted {
		findings = append(findings, model.Finding{
			SectionID: model.GlobalSectionID,
			Kind:      model.FindingError,
			Note:      "output comparison aborted (size or time guard)",
		})
	} else {
		for _, c := range compareResult.Comparisons {
			if !c.Matched {
				findings = append(findings, model.Finding{
					SectionID: model.GlobalSectionID,
					Kind:      model.FindingOutputMismatch,
					Note:      fmt.Sprintf("cell %d similarity %.2f below threshold", c.CellIndex, c.Similarity),
				})
			}
		}
	}

	finalScore, adjustment, notice := blend(detResult.BaseScore, compareResult)

	result := model.GradingResult{
		RunID:            uuid.New().String(),
		FinalScore0To100: finalScore,
		BaseScore:        detResult.BaseScore,
		Adjustment:       adjustment,
		LayerResults: model.LayerResults{
			Deterministic: detResult,
			OutputCompare: compareResult,
			CodeAnalysis:  codeText,
			Feedback:      feedbackText,
		},
		Findings: findings,
		Metrics: model.GradingMetrics{
			CodeModel:     codeResp.Metrics,
			FeedbackModel: feedbackResp.Metrics,
			TotalWallMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		},
		Notice: notice,
	}

	if p.Metrics != nil {
		outcome := "ok"
		if codeErr != nil || feedbackErr != nil || compareResult.Aborted {
			outcome = "partial"
		}
		p.Metrics.GradingResultsTotal.WithLabelValues(outcome).Inc()
	}

	return result, nil
}

// blend applies the output-comparison adjustment to the deterministic base
// score, honoring every invariant in spec §3: no adjustment below
// base_score 30, a negative adjustment never exceeds half the base score
// in magnitude, and a match rate below 0.40 caps (not floors) the final
// score at 50 instead of subtracting a delta.
func blend(baseScore float64, cmp model.OutputCompareResult) (finalScore, adjustment float64, notice string) {
	finalScore = baseScore
	if cmp.MatchRate == nil || baseScore < minBaseScoreForAdjustment {
		return clamp(finalScore), 0, ""
	}

	adj := outputcompare.AdjustmentFor(*cmp.MatchRate)
	if adj.CapAt50 {
		if baseScore > 50 {
			finalScore = 50
			notice = "final score capped at 50 due to low output-comparison match rate"
		}
		return clamp(finalScore), 0, notice
	}

	delta := adj.Delta
	maxMagnitude := 0.5 * baseScore
	if -delta > maxMagnitude {
		delta = -maxMagnitude
	}
	finalScore = baseScore + delta
	return clamp(finalScore), delta, ""
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func studentCells(sub model.ParsedSubmission) []model.CodeCell {
	return sub.CodeCells
}

func codeAnalysisPrompt(rubric model.Rubric, sub model.ParsedSubmission, det model.DeterministicResult) string {
	var b strings.Builder
	b.WriteString("Analyze the following student submission's code quality for assignment ")
	b.WriteString(rubric.AssignmentID)
	fmt.Fprintf(&b, " (deterministic base score %.1f). ", det.BaseScore)
	b.WriteString("Code cells:\n")
	for _, c := range sub.CodeCells {
		b.WriteString(c.Source)
		b.WriteString("\n")
	}
	return b.String()
}

func feedbackPrompt(rubric model.Rubric, sub model.ParsedSubmission, det model.DeterministicResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write constructive feedback for assignment %s given a base score of %.1f. ", rubric.AssignmentID, det.BaseScore)
	b.WriteString("Findings:\n")
	for _, f := range det.Findings {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.SectionID, f.Kind, f.Note)
	}
	return b.String()
}
