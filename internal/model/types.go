// Package model holds the data types shared across the orchestration core:
// server/routing descriptors, the generation request/response pair, and the
// grading domain types consumed by the validator, comparator, and pipeline.
package model

import (
	"strconv"
	"time"
)

// ModelKind tags which model a request or server belongs to. It is the sole
// routing key the orchestrator uses to pick a prefill/decode pair.
type ModelKind string

const (
	ModelKindCodeAnalysis ModelKind = "code_analysis"
	ModelKindFeedback     ModelKind = "feedback"
)

// Role distinguishes the two halves of a disaggregated server pair.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

// ServerDescriptor names one prefill or decode server instance. Configured
// at startup and immutable for the life of the orchestrator.
type ServerDescriptor struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	ModelKind   ModelKind `json:"model_kind"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
}

// ID returns the stable identity used to key health/metrics state: the
// display name if set, otherwise host:port.
func (s ServerDescriptor) ID() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// BaseURL returns the server's HTTP base URL, e.g. "http://host:port".
func (s ServerDescriptor) BaseURL() string {
	return "http://" + s.Host + ":" + strconv.Itoa(s.Port)
}

// HealthEndpoint satisfies health.Probeable.
func (s ServerDescriptor) HealthEndpoint() string {
	return s.BaseURL() + "/health"
}

// HealthState enumerates the orchestrator's per-server health-state machine.
// Degraded is reserved for a future partial-health signal; the current
// implementation never transitions a server into it automatically.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// HealthStatus is a point-in-time snapshot of one server's health.
type HealthStatus struct {
	State       HealthState `json:"state"`
	LastChecked time.Time   `json:"last_checked"`
	ModelLoaded bool        `json:"model_loaded"`
}

// GenerationMethod records which code path produced a GenerationResponse.
type GenerationMethod string

const (
	MethodDisaggregated  GenerationMethod = "disaggregated"
	MethodDirectFallback GenerationMethod = "direct_fallback"
)

// GenerationRequest is the orchestrator's public input to generate().
type GenerationRequest struct {
	Prompt      string    `json:"prompt"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	ModelKind   ModelKind `json:"model_kind"`
}

// GenerationMetrics carries the timing/throughput facts about one generate() call.
type GenerationMetrics struct {
	PrefillMs        float64          `json:"prefill_ms"`
	DecodeMs         float64          `json:"decode_ms"`
	TotalMs          float64          `json:"total_ms"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	PrefillTokPerS   float64          `json:"prefill_tok_per_s"`
	DecodeTokPerS    float64          `json:"decode_tok_per_s"`
	PrefillServer    string           `json:"prefill_server"`
	DecodeServer     string           `json:"decode_server"`
	Method           GenerationMethod `json:"method"`
}

// GenerationResponse is the orchestrator's public output from generate().
type GenerationResponse struct {
	Text    string            `json:"text"`
	Metrics GenerationMetrics `json:"metrics"`
}

// CellOutput is one executed output artefact of a notebook code cell, as
// supplied by the (external, black-box) submission parser.
type CellOutput struct {
	Text string `json:"text"`
}

// CodeCell is one code cell of a parsed submission.
type CodeCell struct {
	Source  string       `json:"source"`
	Outputs []CellOutput `json:"outputs"`
}

// ParsedSubmission is the black-box output of the (out-of-scope) notebook
// parser: everything the deterministic validator and output comparator need.
type ParsedSubmission struct {
	CodeCells                []CodeCell        `json:"code_cells"`
	MarkdownCells            []string          `json:"markdown_cells"`
	RequiredVariablesPresent map[string]bool   `json:"required_variables_present"`
	FunctionsReferenced      map[string]bool   `json:"functions_referenced"`
	ColumnsReferenced        map[string]bool   `json:"columns_referenced"`
	ReflectionAnswers        map[string]string `json:"reflection_answers"` // prompt id -> answer text
	ErrorsPresent            []string          `json:"errors_present"`
}

// SectionKind distinguishes a code-grading section from a free-text
// reflection section.
type SectionKind string

const (
	SectionKindCode       SectionKind = "code"
	SectionKindReflection SectionKind = "reflection"
)

// Rule is one partial-credit rule attached to a rubric section. Lower
// Priority wins; among equal priorities the higher Multiplier wins; among
// still-equal entries the lexicographically smaller ID wins.
type Rule struct {
	ID          string    `json:"id"`
	SectionID   string    `json:"section_id"`
	Condition   Condition `json:"condition"`
	Multiplier  float64   `json:"multiplier"`
	Priority    int       `json:"priority"`
	Explanation string    `json:"explanation"`
}

// Condition is a minimal predicate language for partial-credit rules: a rule
// matches a section when the section's completion_fraction compares against
// Threshold using Op.
type Condition struct {
	Op        string  `json:"op"` // "gte", "lte", "eq"
	Threshold float64 `json:"threshold"`
}

// Matches reports whether the given completion fraction satisfies the condition.
func (c Condition) Matches(completionFraction float64) bool {
	switch c.Op {
	case "gte":
		return completionFraction >= c.Threshold
	case "lte":
		return completionFraction <= c.Threshold
	case "eq":
		return completionFraction == c.Threshold
	default:
		return false
	}
}

// RubricSection is one scored section of a rubric.
type RubricSection struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	WeightFraction      float64         `json:"weight_fraction"`
	RequiredVariables   map[string]bool `json:"required_variables"`
	RequiredFunctions   map[string]bool `json:"required_functions"`
	RequiredColumns     map[string]bool `json:"required_columns"`
	Kind                SectionKind     `json:"kind"`
	Points              float64         `json:"points"`
	MinWords            int             `json:"min_words"`            // reflection only, default 50
	ExpectedReflections []string        `json:"expected_reflections"` // reflection only: prompt ids
}

// Rubric is the full grading document for one assignment. Loaded once at
// startup and treated as immutable.
type Rubric struct {
	AssignmentID       string          `json:"assignment_id"`
	TotalPoints        float64         `json:"total_points"`
	Sections           []RubricSection `json:"sections"`
	PartialCreditRules []Rule          `json:"partial_credit_rules"`
}

// FindingKind enumerates the kinds of structured remarks a layer can attach
// to a GradingResult.
type FindingKind string

const (
	FindingPass           FindingKind = "pass"
	FindingPartialCredit  FindingKind = "partial_credit"
	FindingMissing        FindingKind = "missing"
	FindingError          FindingKind = "error"
	FindingOutputMismatch FindingKind = "output_mismatch"
)

// GlobalSectionID is the distinguished section id used by findings that are
// not attached to any particular rubric section.
const GlobalSectionID = "__global__"

// Finding is a structured remark about one rubric section.
type Finding struct {
	SectionID     string      `json:"section_id"`
	Kind          FindingKind `json:"kind"`
	PointsAwarded float64     `json:"points_awarded"`
	MaxPoints     float64     `json:"max_points"`
	Note          string      `json:"note"`
}

// OutputCellComparison records the comparator's verdict for one notebook cell.
type OutputCellComparison struct {
	CellIndex      int     `json:"cell_index"`
	StudentOutput  string  `json:"student_output"`
	SolutionOutput string  `json:"solution_output"`
	Similarity     float64 `json:"similarity"`
	Matched        bool    `json:"matched"`
}

// DeterministicResult is C4's output.
type DeterministicResult struct {
	BaseScore float64   `json:"base_score"`
	Findings  []Finding `json:"findings"`
}

// OutputCompareResult is C5's output. MatchRate is nil when C5 aborted
// (size/time guard) and the pipeline must proceed without an adjustment.
type OutputCompareResult struct {
	MatchRate   *float64               `json:"match_rate"`
	Comparisons []OutputCellComparison `json:"comparisons"`
	Aborted     bool                   `json:"aborted"`
}

// GradingMetrics bundles the two generate() timing records plus the overall
// pipeline wall-clock time.
type GradingMetrics struct {
	CodeModel     GenerationMetrics `json:"code_model"`
	FeedbackModel GenerationMetrics `json:"feedback_model"`
	TotalWallMs   float64           `json:"total_wall_ms"`
}

// LayerResults carries the raw per-layer outputs alongside the blended score.
type LayerResults struct {
	Deterministic DeterministicResult `json:"deterministic"`
	OutputCompare OutputCompareResult `json:"output_compare"`
	CodeAnalysis  string              `json:"code_analysis"`
	Feedback      string              `json:"feedback"`
}

// GradingResult is the final output of the grading pipeline (C6).
type GradingResult struct {
	RunID            string         `json:"run_id"`
	FinalScore0To100 float64        `json:"final_score_0_100"`
	BaseScore        float64        `json:"base_score"`
	Adjustment       float64        `json:"adjustment"`
	LayerResults     LayerResults   `json:"layer_results"`
	Findings         []Finding      `json:"findings"`
	Metrics          GradingMetrics `json:"metrics"`
	Notice           string         `json:"notice,omitempty"`
}
