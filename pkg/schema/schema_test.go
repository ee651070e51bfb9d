package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeNotFound, "workflow \"x\" not found")
	assert.Equal(t, `[NOT_FOUND] workflow "x" not found`, err.Error())

	staged := NewErrorf(ErrCodeAdapter, "bad output: %d fields", 3).WithStage(StageReviewer)
	assert.Equal(t, "[ADAPTER_ERROR] stage reviewer: bad output: 3 fields", staged.Error())
}

func TestErrorUnwrapAndCode(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrCodeStore, "update workflow").WithCause(cause)
	wrapped := fmt.Errorf("persist: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeStore, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeStore))
	assert.False(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(nil, ErrCodeStore))
	assert.Equal(t, "", CodeOf(cause))
}

func TestStageProperties(t *testing.T) {
	assert.True(t, StageArchitect.Fatal())
	assert.True(t, StageImplement.Fatal())
	assert.False(t, StageReviewer.Fatal())
	assert.False(t, StageTester.Fatal())

	assert.Equal(t, []Stage{StageArchitect, StageImplement, StageReviewer, StageTester}, Stages)
	assert.False(t, StageSystem.Valid())

	s, err := ParseStage("tester")
	require.NoError(t, err)
	assert.Equal(t, StageTester, s)

	_, err = ParseStage("deployer")
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, WorkflowStatusPending.Terminal())
	assert.False(t, WorkflowStatusRunning.Terminal())
	assert.True(t, WorkflowStatusCompleted.Terminal())
	assert.True(t, WorkflowStatusFailed.Terminal())
	assert.False(t, WorkflowStatus("paused").Valid())

	assert.True(t, StepStatusSkipped.Terminal())
	assert.False(t, StepStatusInProgress.Terminal())
}

func TestDecodeStageOutput(t *testing.T) {
	out, err := DecodeStageOutput(StageReviewer, []byte(`{
		"overall_assessment": "solid",
		"issues": [{"type":"bug","severity":"high","file":"main.go","line":12,"description":"nil deref","suggestion":"check"}],
		"strengths": ["small"],
		"security_concerns": [],
		"performance_issues": [],
		"code_quality_score": 7,
		"recommendations": []
	}`))
	require.NoError(t, err)

	review, ok := out.(*ReviewerOutput)
	require.True(t, ok)
	assert.Equal(t, StageReviewer, review.Stage())
	assert.Equal(t, 7, review.CodeQualityScore)
	require.Len(t, review.Issues, 1)
	require.NotNil(t, review.Issues[0].Line)
	assert.Equal(t, 12, *review.Issues[0].Line)
}

func TestDecodeStageOutput_Errors(t *testing.T) {
	_, err := DecodeStageOutput(StageSystem, []byte(`{}`))
	assert.True(t, IsCode(err, ErrCodeValidation))

	_, err = DecodeStageOutput(StageTester, []byte(`not json`))
	assert.True(t, IsCode(err, ErrCodeAdapter))
}
