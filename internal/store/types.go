package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentchain/pkg/schema"
)

// Workflow is the persisted record of one pipeline run.
type Workflow struct {
	ID           string                `json:"id"`
	Status       schema.WorkflowStatus `json:"status"`
	Requirements string                `json:"requirements"`
	Context      string                `json:"context,omitempty"`
	Provider     string                `json:"provider"`
	Temperature  *float64              `json:"temperature,omitempty"`
	MaxTokens    *int                  `json:"max_tokens,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Steps        []*Step               `json:"steps"`
}

// Step returns the sub-record for stage, or nil.
func (w *Workflow) Step(stage schema.Stage) *Step {
	for _, s := range w.Steps {
		if s.Stage == stage {
			return s
		}
	}
	return nil
}

// CurrentStep returns the stage currently in progress, or "" if none is.
func (w *Workflow) CurrentStep() schema.Stage {
	for _, s := range w.Steps {
		if s.Status == schema.StepStatusInProgress {
			return s.Stage
		}
	}
	return ""
}

// Step is the persisted sub-record of one stage of a workflow.
type Step struct {
	Stage       schema.Stage      `json:"stage"`
	Status      schema.StepStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowUpdate holds the mutable workflow fields. Nil fields are left unchanged.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StepUpdate holds the mutable step fields. Status is always written.
type StepUpdate struct {
	Status      schema.StepStatus
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WorkflowFilter selects a page of workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
	Limit  int
	Offset int
}

// WorkflowSummary is the list-view projection of a workflow.
type WorkflowSummary struct {
	ID           string                             `json:"id"`
	Status       schema.WorkflowStatus              `json:"status"`
	Requirements string                             `json:"requirements"`
	Provider     string                             `json:"provider"`
	CurrentStep  *schema.Stage                      `json:"current_step"`
	Steps        map[schema.Stage]schema.StepStatus `json:"steps"`
	Error        string                             `json:"error,omitempty"`
	CreatedAt    time.Time                          `json:"created_at"`
	StartedAt    *time.Time                         `json:"started_at,omitempty"`
	CompletedAt  *time.Time                         `json:"completed_at,omitempty"`
}

// Message is one entry of a workflow's conversation log.
type Message struct {
	ID         int64        `json:"id"`
	WorkflowID string       `json:"workflow_id"`
	Stage      schema.Stage `json:"stage"`
	Role       schema.Role  `json:"role"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Stats counts workflows per status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// add accumulates n workflows of the given status.
func (s *Stats) add(status schema.WorkflowStatus, n int) {
	s.Total += n
	switch status {
	case schema.WorkflowStatusPending:
		s.Pending += n
	case schema.WorkflowStatusRunning:
		s.Running += n
	case schema.WorkflowStatusCompleted:
		s.Completed += n
	case schema.WorkflowStatusFailed:
		s.Failed += n
	}
}

// summarize builds the list-view projection of wf.
func summarize(wf *Workflow) *WorkflowSummary {
	sum := &WorkflowSummary{
		ID:           wf.ID,
		Status:       wf.Status,
		Requirements: wf.Requirements,
		Provider:     wf.Provider,
		Error:        wf.Error,
		CreatedAt:    wf.CreatedAt,
		StartedAt:    wf.StartedAt,
		CompletedAt:  wf.CompletedAt,
		Steps:        make(map[schema.Stage]schema.StepStatus, len(wf.Steps)),
	}
	for _, s := range wf.Steps {
		sum.Steps[s.Stage] = s.Status
	}
	if cur := wf.CurrentStep(); cur != "" {
		sum.CurrentStep = &cur
	}
	return sum
}

// newSteps returns the four pending sub-records of a fresh workflow.
func newSteps() []*Step {
	steps := make([]*Step, 0, len(schema.Stages))
	for _, st := range schema.Stages {
		steps = append(steps, &Step{Stage: st, Status: schema.StepStatusPending})
	}
	return steps
}

// stageIndex orders steps in pipeline order.
func stageIndex(stage schema.Stage) int {
	for i, s := range schema.Stages {
		if s == stage {
			return i
		}
	}
	return len(schema.Stages)
}
