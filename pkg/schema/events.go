package schema

// Push channel message types.
const (
	EventWorkflowUpdate = "workflow_update"
	EventConnected      = "connected"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a pipeline step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Stage names one step of the fixed pipeline.
type Stage string

const (
	StageArchitect Stage = "architect"
	StageImplement Stage = "implement"
	StageReviewer  Stage = "reviewer"
	StageTester    Stage = "tester"
)

// StageSystem labels conversation messages that belong to no stage.
const StageSystem Stage = "system"

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageArchitect, StageImplement, StageReviewer, StageTester}

// Fatal reports whether a failure of this stage aborts the workflow.
func (s Stage) Fatal() bool {
	return s == StageArchitect || s == StageImplement
}

// Valid reports whether s is one of the four pipeline stages.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// ParseStage converts a name into a Stage.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown stage %q", name)
	}
	return s, nil
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)
