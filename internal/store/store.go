package store

import (
	"context"
	"strings"

	"github.com/rendis/agentchain/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// UpdateWorkflow and UpdateStep never modify a row in a terminal status;
	// they return INVALID_TRANSITION instead.
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowSummary, error)
	DeleteWorkflow(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*Stats, error)

	// Steps
	UpdateStep(ctx context.Context, id string, stage schema.Stage, update StepUpdate) error

	// Conversation log (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, workflowID string) ([]*Message, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Statuses after which a row is final.
var (
	terminalWorkflowStatuses = sqlList(
		string(schema.WorkflowStatusCompleted),
		string(schema.WorkflowStatusFailed),
	)
	terminalStepStatuses = sqlList(
		string(schema.StepStatusCompleted),
		string(schema.StepStatusFailed),
		string(schema.StepStatusSkipped),
	)
)

// sqlList renders constant values as a quoted SQL list for NOT IN clauses.
func sqlList(values ...string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func storeFinal(resource, id, status string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s %q is already %s", resource, id, status).
		WithDetails(map[string]any{"status": status})
}
