package engine

import "github.com/rendis/agentchain/pkg/schema"

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
// pending -> failed is only taken by the restart recovery sweep and when a
// workflow cannot be scheduled.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusInProgress, schema.StepStatusSkipped},
	schema.StepStatusInProgress: {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted:  {},
	schema.StepStatusFailed:     {},
	schema.StepStatusSkipped:    {},
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func checkWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if isValidWorkflowTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
}

func checkStepTransition(workflowID string, stage schema.Stage, from, to schema.StepStatus) error {
	if isValidStepTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStage(stage).
		WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
}

func canSkip(s schema.StepStatus) bool {
	return isValidStepTransition(s, schema.StepStatusSkipped)
}
