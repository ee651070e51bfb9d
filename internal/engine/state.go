package engine

import (
	"time"

	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/pkg/schema"
)

// StepState is the in-memory view of one stage of a running workflow.
type StepState struct {
	Stage       schema.Stage
	Status      schema.StepStatus
	Result      schema.StageOutput
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WorkflowState is the in-memory view of a workflow while it executes.
// It is not safe for concurrent use; the orchestrator guards it.
type WorkflowState struct {
	ID           string
	Status       schema.WorkflowStatus
	Requirements string
	Context      string
	Provider     string
	Options      generation.Options
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Steps        []*StepState
}

func newWorkflowState(wf *store.Workflow) *WorkflowState {
	st := &WorkflowState{
		ID:           wf.ID,
		Status:       schema.WorkflowStatusPending,
		Requirements: wf.Requirements,
		Context:      wf.Context,
		Provider:     wf.Provider,
		Options:      generation.Options{Temperature: wf.Temperature, MaxTokens: wf.MaxTokens},
		CreatedAt:    wf.CreatedAt,
	}
	for _, stage := range schema.Stages {
		st.Steps = append(st.Steps, &StepState{Stage: stage, Status: schema.StepStatusPending})
	}
	return st
}

// Transition moves the workflow to status to, stamping started_at on entry
// to running and completed_at on entry to a terminal state. errMsg is
// recorded for failed.
func (w *WorkflowState) Transition(to schema.WorkflowStatus, now time.Time, errMsg string) error {
	if err := checkWorkflowTransition(w.ID, w.Status, to); err != nil {
		return err
	}
	w.Status = to
	switch {
	case to == schema.WorkflowStatusRunning && w.StartedAt == nil:
		w.StartedAt = &now
	case to.Terminal() && w.CompletedAt == nil:
		w.CompletedAt = &now
	}
	if to == schema.WorkflowStatusFailed {
		w.Error = errMsg
	}
	return nil
}

// TransitionStep moves a step to status to and returns a copy of it.
func (w *WorkflowState) TransitionStep(stage schema.Stage, to schema.StepStatus, now time.Time) (StepState, error) {
	step := w.Step(stage)
	if step == nil {
		return StepState{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}
	if err := checkStepTransition(w.ID, stage, step.Status, to); err != nil {
		return StepState{}, err
	}
	step.Status = to
	switch {
	case to == schema.StepStatusInProgress && step.StartedAt == nil:
		step.StartedAt = &now
	case to.Terminal() && to != schema.StepStatusSkipped && step.CompletedAt == nil:
		step.CompletedAt = &now
	}
	return *step, nil
}

// Step returns the state for stage, or nil.
func (w *WorkflowState) Step(stage schema.Stage) *StepState {
	for _, s := range w.Steps {
		if s.Stage == stage {
			return s
		}
	}
	return nil
}

// CurrentStep returns the stage in progress, or nil.
func (w *WorkflowState) CurrentStep() *schema.Stage {
	for _, s := range w.Steps {
		if s.Status == schema.StepStatusInProgress {
			stage := s.Stage
			return &stage
		}
	}
	return nil
}

// SkippableSteps returns the stages that were never attempted.
func (w *WorkflowState) SkippableSteps() []schema.Stage {
	var out []schema.Stage
	for _, s := range w.Steps {
		if canSkip(s.Status) {
			out = append(out, s.Stage)
		}
	}
	return out
}

// Snapshot returns a deep copy safe to hand outside the lock.
func (w *WorkflowState) Snapshot() *WorkflowState {
	cp := *w
	cp.Steps = make([]*StepState, len(w.Steps))
	for i, s := range w.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	return &cp
}
