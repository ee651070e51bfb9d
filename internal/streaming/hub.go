package streaming

import (
	"context"

	"github.com/rendis/agentchain/pkg/schema"
)

// Event is a workflow state change pushed to live observers.
type Event struct {
	Type        string                `json:"type"`
	WorkflowID  string                `json:"workflow_id"`
	Status      schema.WorkflowStatus `json:"status"`
	CurrentStep *schema.Stage         `json:"current_step"`
	Data        map[string]any        `json:"data,omitempty"`
}

// NewWorkflowUpdate builds a workflow_update event.
func NewWorkflowUpdate(workflowID string, status schema.WorkflowStatus, current *schema.Stage, data map[string]any) Event {
	return Event{
		Type:        schema.EventWorkflowUpdate,
		WorkflowID:  workflowID,
		Status:      status,
		CurrentStep: current,
		Data:        data,
	}
}

// Listener receives broadcast events. A non-nil error from Send removes the
// listener from the hub.
type Listener interface {
	Send(ctx context.Context, ev Event) error
}

// Subscription identifies a registered listener.
type Subscription uint64

// Hub fans events out to registered listeners.
type Hub interface {
	Register(l Listener) Subscription
	Unregister(sub Subscription)
	Broadcast(ctx context.Context, ev Event)
}
