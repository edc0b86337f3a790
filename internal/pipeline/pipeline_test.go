package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/gradeforge/gradeforge/internal/ierr"
	"github.com/gradeforge/gradeforge/internal/model"
)

type fakeGenerator struct {
	codeErr     error
	feedbackErr error
}

func (f *fakeGenerator) Generate(ctx context.Context, req model.GenerationRequest) (model.GenerationResponse, error) {
	if req.ModelKind == model.ModelKindCodeAnalysis {
		if f.codeErr != nil {
			return model.GenerationResponse{}, f.codeErr
		}
		return model.GenerationResponse{Text: "code analysis text"}, nil
	}
	if f.feedbackErr != nil {
		return model.GenerationResponse{}, f.feedbackErr
	}
	return model.GenerationResponse{Text: "feedback text"}, nil
}

func simpleRubric() model.Rubric {
	return model.Rubric{
		AssignmentID: "hw1",
		TotalPoints:  100,
		Sections: []model.RubricSection{
			{ID: "s1", Kind: model.SectionKindCode, Points: 100, RequiredVariables: map[string]bool{"x": true}},
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	p := New(&fakeGenerator{}, nil, 0)
	sub := model.ParsedSubmission{RequiredVariablesPresent: map[string]bool{"x": true}}

	result, err := p.Run(context.Background(), Input{Rubric: simpleRubric(), Submission: sub, MaxTokens: 16})
	if err != nil {
		t.Fatal(err)
	}
	if result.BaseScore != 100 {
		t.Errorf("expected base score 100, got %v", result.BaseScore)
	}
	if result.FinalScore0To100 != 100 {
		t.Errorf("expected final score 100, got %v", result.FinalScore0To100)
	}
	if result.LayerResults.CodeAnalysis != "code analysis text" {
		t.Errorf("unexpected code analysis text: %q", result.LayerResults.CodeAnalysis)
	}
	if result.RunID == "" {
		t.Error("expected a non-empty run id")
	}
}

func TestRunProducesDistinctRunIDs(t *testing.T) {
	p := New(&fakeGenerator{}, nil, 0)
	sub := model.ParsedSubmission{RequiredVariablesPresent: map[string]bool{"x": true}}

	r1, err := p.Run(context.Background(), Input{Rubric: simpleRubric(), Submission: sub, MaxTokens: 16})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := p.Run(context.Background(), Input{Rubric: simpleRubric(), Submission: sub, MaxTokens: 16})
	if err != nil {
		t.Fatal(err)
	}
	if r1.RunID == r2.RunID {
		t.Error("expected distinct run ids across separate pipeline runs")
	}
}

func TestRunReturnsCancelledWhenContextAlreadyCanceled(t *testing.T) {
	p := New(&fakeGenerator{}, nil, 0)
	sub := model.ParsedSubmission{RequiredVariablesPresent: map[string]bool{"x": true}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Run(ctx, Input{Rubric: simpleRubric(), Submission: sub, MaxTokens: 16})
	if !errors.Is(err, ierr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result.RunID != "" {
		t.Error("expected no partial result on cancellation")
	}
}

func TestRunDeterministicFailureAbortsPipeline(t *testing.T) {
	p := New(&fakeGenerator{}, nil, 0)
	_, err := p.Run(context.Background(), Input{Rubric: model.Rubric{}, Submission: model.ParsedSubmission{}})
	if err == nil {
		t.Fatal("expected error for rubric with no sections")
	}
}

func TestRunCodeAnalysisFailureDoesNotAbortPipeline(t *testing.T) {
	p := New(&fakeGenerator{codeErr: errors.New("prefill down")}, nil, 0)
	sub := model.ParsedSubmission{RequiredVariablesPresent: map[string]bool{"x": true}}

	result, err := p.Run(context.Background(), Input{Rubric: simpleRubric(), Submission: sub})
	if err != nil {
		t.Fatalf("pipeline should not abort on C3 failure: %v", err)
	}
	if result.LayerResults.CodeAnalysis != "" {
		t.Errorf("expected empty code analysis text on failure, got %q", result.LayerResults.CodeAnalysis)
	}
	if result.LayerResults.Feedback != "feedback text" {
		t.Errorf("expected feedback layer to still succeed, got %q", result.LayerResults.Feedback)
	}
	foundErrorFinding := false
	for _, f := range result.Findings {
		if f.Kind == model.FindingError {
			foundErrorFinding = true
		}
	}
	if !foundErrorFinding {
		t.Error("expected an error finding recorded for the failed code analysis call")
	}
}

func TestBlendNoAdjustmentBelowMinBaseScore(t *testing.T) {
	rate := 0.1
	final, adj, notice := blend(20, model.OutputCompareResult{MatchRate: &rate})
	if final != 20 || adj != 0 {
		t.Errorf("expected no adjustment below base score 30, got final=%v adj=%v", final, adj)
	}
	if notice != "" {
		t.Errorf("expected no notice, got %q", notice)
	}
}

func TestBlendAppliesTableDelta(t *testing.T) {
	rate := 0.65
	final, adj, _ := blend(80, model.OutputCompareResult{MatchRate: &rate})
	if adj != -10 {
		t.Errorf("expected -10 adjustment for rate 0.65, got %v", adj)
	}
	if final != 70 {
		t.Errorf("expected final score 70, got %v", final)
	}
}

func TestBlendBoundsAdjustmentMagnitude(t *testing.T) {
	// base_score 32: the -15 table delta already fits within half the base
	// score (16), so this exercises the non-clamped boundary case.
	rate := 0.45
	final, adj, _ := blend(32, model.OutputCompareResult{MatchRate: &rate})
	if final < 0 {
		t.Errorf("final score must never go negative, got %v", final)
	}
	if -adj > 0.5*32+1e-9 {
		t.Errorf("adjustment magnitude exceeds half of base score: %v", adj)
	}
}

func TestBlendClampsAdjustmentMagnitude(t *testing.T) {
	// base_score 30: the -15 table delta (rate 0.45) reaches exactly half
	// the base score (15), the largest magnitude the bound allows.
	rate := 0.45
	_, adj, _ := blend(30, model.OutputCompareResult{MatchRate: &rate})
	if adj != -15 {
		t.Errorf("expected adjustment bounded at -15, got %v", adj)
	}
}

func TestBlendCapsAt50OnLowMatchRate(t *testing.T) {
	rate := 0.1
	final, adj, notice := blend(90, model.OutputCompareResult{MatchRate: &rate})
	if final != 50 {
		t.Errorf("expected final score capped at 50, got %v", final)
	}
	if adj != 0 {
		t.Errorf("cap path must report adjustment 0, got %v", adj)
	}
	if notice == "" {
		t.Error("expected a notice explaining the cap")
	}
}

func TestBlendCapDoesNotRaiseScore(t *testing.T) {
	// base_score already below 50: the cap must never raise the score.
	rate := 0.1
	final, _, _ := blend(35, model.OutputCompareResult{MatchRate: &rate})
	if final != 35 {
		t.Errorf("cap must not raise a score already below 50, got %v", final)
	}
}

func TestBlendNilMatchRateNoAdjustment(t *testing.T) {
	final, adj, _ := blend(80, model.OutputCompareResult{MatchRate: nil, Aborted: true})
	if final != 80 || adj != 0 {
		t.Errorf("expected no adjustment when output comparison aborted, got final=%v adj=%v", final, adj)
	}
}
