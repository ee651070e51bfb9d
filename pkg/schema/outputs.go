package schema

import (
	"encoding/json"
	"fmt"
)

// StageOutput is the closed set of structured results a stage can produce.
// Exactly one concrete type exists per Stage.
type StageOutput interface {
	Stage() Stage
	isStageOutput()
}

// ArchitectOutput is the design produced by the architect stage.
type ArchitectOutput struct {
	TechStack           map[string]string   `json:"tech_stack"`
	ModuleBreakdown     []map[string]string `json:"module_breakdown"`
	ArchitectureDiagram string              `json:"architecture_diagram"`
	DesignDecisions     []string            `json:"design_decisions"`
	DataModels          []map[string]any    `json:"data_models"`
	APIEndpoints        []map[string]string `json:"api_endpoints"`
	Dependencies        []string            `json:"dependencies"`
}

// CodeFile is one generated source file.
type CodeFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Language    string `json:"language"`
	Description string `json:"description"`
}

// ImplementOutput is the code produced by the implement stage.
type ImplementOutput struct {
	ImplementationPlan []string   `json:"implementation_plan"`
	Files              []CodeFile `json:"files"`
	Dependencies       []string   `json:"dependencies"`
	SetupInstructions  []string   `json:"setup_instructions"`
	Notes              []string   `json:"notes"`
}

// ReviewIssue is a single finding of the reviewer stage.
type ReviewIssue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	File        string `json:"file"`
	Line        *int   `json:"line,omitempty"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// ReviewerOutput is the review produced by the reviewer stage.
type ReviewerOutput struct {
	OverallAssessment string        `json:"overall_assessment"`
	Issues            []ReviewIssue `json:"issues"`
	Strengths         []string      `json:"strengths"`
	SecurityConcerns  []string      `json:"security_concerns"`
	PerformanceIssues []string      `json:"performance_issues"`
	CodeQualityScore  int           `json:"code_quality_score"`
	Recommendations   []string      `json:"recommendations"`
}

// TestCase is one generated test.
type TestCase struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	File        string `json:"file"`
	Content     string `json:"content"`
	EdgeCase    bool   `json:"edge_case"`
}

// TestSuite describes how the generated tests are organised.
type TestSuite struct {
	Framework         string   `json:"framework"`
	TestFiles         []string `json:"test_files"`
	SetupRequired     bool     `json:"setup_required"`
	SetupInstructions []string `json:"setup_instructions"`
}

// TesterOutput is the test plan produced by the tester stage.
type TesterOutput struct {
	TestPlan                []string            `json:"test_plan"`
	TestCases               []TestCase          `json:"test_cases"`
	EdgeCases               []string            `json:"edge_cases"`
	IntegrationTests        []string            `json:"integration_tests"`
	TestSuite               TestSuite           `json:"test_suite"`
	CoverageRecommendations []string            `json:"coverage_recommendations"`
	MockRequirements        []map[string]string `json:"mock_requirements"`
}

func (*ArchitectOutput) Stage() Stage { return StageArchitect }
func (*ImplementOutput) Stage() Stage { return StageImplement }
func (*ReviewerOutput) Stage() Stage  { return StageReviewer }
func (*TesterOutput) Stage() Stage    { return StageTester }

func (*ArchitectOutput) isStageOutput() {}
func (*ImplementOutput) isStageOutput() {}
func (*ReviewerOutput) isStageOutput()  {}
func (*TesterOutput) isStageOutput()    {}

// NewStageOutput returns an empty output value of the variant owned by stage.
func NewStageOutput(stage Stage) (StageOutput, error) {
	switch stage {
	case StageArchitect:
		return &ArchitectOutput{}, nil
	case StageImplement:
		return &ImplementOutput{}, nil
	case StageReviewer:
		return &ReviewerOutput{}, nil
	case StageTester:
		return &TesterOutput{}, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown stage %q", stage)
	}
}

// DecodeStageOutput decodes raw JSON into the variant owned by stage.
func DecodeStageOutput(stage Stage, raw []byte) (StageOutput, error) {
	out, err := NewStageOutput(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, NewErrorf(ErrCodeAdapter, "decode %s output: %s", stage, err.Error()).
			WithStage(stage).
			WithCause(err)
	}
	return out, nil
}

// MustJSON marshals a stage output for display in prompts and conversation logs.
func MustJSON(out StageOutput) string {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", out)
	}
	return string(data)
}
