package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentchain/internal/diagram"
	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type statusResult struct {
	WorkflowID  string                             `json:"workflow_id"`
	Status      schema.WorkflowStatus              `json:"status"`
	Provider    string                             `json:"provider"`
	CurrentStep *schema.Stage                      `json:"current_step"`
	Steps       map[schema.Stage]schema.StepStatus `json:"steps"`
	Error       string                             `json:"error,omitempty"`
	CreatedAt   time.Time                          `json:"created_at"`
	CompletedAt *time.Time                         `json:"completed_at,omitempty"`
}

type resultsDocument struct {
	WorkflowID  string                           `json:"workflow_id"`
	Status      schema.WorkflowStatus            `json:"status"`
	Results     map[schema.Stage]json.RawMessage `json:"results"`
	CompletedAt *time.Time                       `json:"completed_at"`
}

// handleStart launches a workflow and returns its ID without waiting.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requirements, err := req.RequireString("requirements")
	if err != nil {
		return mcp.NewToolResultError("requirements is required"), nil
	}

	start := engine.StartRequest{
		Requirements: requirements,
		Context:      req.GetString("context", ""),
		Provider:     req.GetString("provider", ""),
	}
	args := req.GetArguments()
	if _, ok := args["temperature"]; ok {
		t := req.GetFloat("temperature", 0)
		start.Temperature = &t
	}
	if _, ok := args["max_tokens"]; ok {
		n := req.GetInt("max_tokens", 0)
		start.MaxTokens = &n
	}

	// Route this workflow's updates back to the caller's session. The
	// mapping must exist before the first event is published.
	if session := server.ClientSessionFromContext(ctx); session != nil {
		sessionID := session.SessionID()
		start.OnCreated = func(id string) { s.sessions.Register(id, sessionID) }
	}

	id, startErr := s.orch.StartWorkflow(ctx, start)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": id,
		"status":      schema.WorkflowStatusPending,
	})
}

// handleStatus returns the persisted state of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, getErr := s.store.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}

	res := statusResult{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Provider:    wf.Provider,
		Steps:       make(map[schema.Stage]schema.StepStatus, len(wf.Steps)),
		Error:       wf.Error,
		CreatedAt:   wf.CreatedAt,
		CompletedAt: wf.CompletedAt,
	}
	for _, step := range wf.Steps {
		res.Steps[step.Stage] = step.Status
	}
	if cur := wf.CurrentStep(); cur != "" {
		res.CurrentStep = &cur
	}
	return marshalResult(res)
}

// handleResults returns the stage documents of a completed workflow,
// optionally projected through a jq expression.
func (s *Server) handleResults(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, getErr := s.store.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		return toolError("results query failed", getErr), nil
	}
	if wf.Status != schema.WorkflowStatusCompleted {
		return mcp.NewToolResultError(fmt.Sprintf("Workflow %s is not completed. Current status: %s", wf.ID, wf.Status)), nil
	}

	doc := resultsDocument{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Results:     make(map[schema.Stage]json.RawMessage, len(wf.Steps)),
		CompletedAt: wf.CompletedAt,
	}
	for _, step := range wf.Steps {
		if len(step.Result) > 0 {
			doc.Results[step.Stage] = step.Result
		} else {
			doc.Results[step.Stage] = json.RawMessage("null")
		}
	}

	query := req.GetString("query", "")
	if query == "" {
		return marshalResult(doc)
	}
	projected, qErr := s.jq.Project(ctx, query, doc)
	if qErr != nil {
		return toolError("query failed", qErr), nil
	}
	return marshalResult(projected)
}

// handleList returns one page of workflow summaries.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		Limit:  req.GetInt("limit", defaultListLimit),
		Offset: req.GetInt("offset", 0),
	}
	if filter.Limit < 1 || filter.Limit > maxListLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be between 1 and %d", maxListLimit)), nil
	}
	if filter.Offset < 0 {
		return mcp.NewToolResultError("offset must be non-negative"), nil
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.WorkflowStatus(v)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", v)), nil
		}
		filter.Status = &status
	}

	list, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return toolError("list failed", err), nil
	}
	if list == nil {
		list = []*store.WorkflowSummary{}
	}
	return marshalResult(map[string]any{
		"workflows": list,
		"count":     len(list),
	})
}

// handleHistory returns the conversation log of a workflow.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if _, getErr := s.store.GetWorkflow(ctx, workflowID); getErr != nil {
		return toolError("history query failed", getErr), nil
	}
	msgs, listErr := s.store.ListMessages(ctx, workflowID)
	if listErr != nil {
		return toolError("history query failed", listErr), nil
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"messages":    msgs,
	})
}

// handleDiagram draws the pipeline, overlaid with a workflow's step
// statuses when workflow_id is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	var wf *store.Workflow
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		got, getErr := s.store.GetWorkflow(ctx, workflowID)
		if getErr != nil {
			return toolError("workflow lookup failed", getErr), nil
		}
		wf = got
	}

	out, renderErr := diagram.Render(wf, diagram.Format(format))
	if renderErr != nil {
		return toolError("diagram failed", renderErr), nil
	}
	if diagram.Format(format) == diagram.FormatImage {
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError renders err as a tool-level error. Typed errors keep their
// code so agents can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var sErr *schema.Error
	if errors.As(err, &sErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, sErr.Code, sErr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
