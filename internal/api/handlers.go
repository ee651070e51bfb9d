package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentchain/internal/diagram"
	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type startResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     schema.WorkflowStatus `json:"status"`
	Message    string                `json:"message"`
}

type statusResponse struct {
	WorkflowID  string                             `json:"workflow_id"`
	Status      schema.WorkflowStatus              `json:"status"`
	Provider    string                             `json:"provider"`
	CreatedAt   time.Time                          `json:"created_at"`
	StartedAt   *time.Time                         `json:"started_at"`
	CompletedAt *time.Time                         `json:"completed_at"`
	CurrentStep *schema.Stage                      `json:"current_step"`
	Steps       map[schema.Stage]schema.StepStatus `json:"steps"`
	Error       *string                            `json:"error"`
}

type resultsResponse struct {
	WorkflowID  string                           `json:"workflow_id"`
	Status      schema.WorkflowStatus            `json:"status"`
	Results     map[schema.Stage]json.RawMessage `json:"results"`
	CompletedAt *time.Time                       `json:"completed_at"`
}

type healthResponse struct {
	Status          string             `json:"status"`
	ActiveWorkflows int                `json:"active_workflows"`
	Executions      engine.PoolMetrics `json:"executions"`
	Providers       []string           `json:"providers"`
}

// handleStartWorkflow accepts a workflow and returns before it runs.
func (s *Server) handleStartWorkflow(c echo.Context) error {
	var req engine.StartRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest(c, "invalid JSON: %v", err)
	}

	id, err := s.deps.Orchestrator.StartWorkflow(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, startResponse{
		WorkflowID: id,
		Status:     schema.WorkflowStatusPending,
		Message:    "Workflow started successfully",
	})
}

func (s *Server) handleWorkflowStatus(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	resp := statusResponse{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Provider:    wf.Provider,
		CreatedAt:   wf.CreatedAt,
		StartedAt:   wf.StartedAt,
		CompletedAt: wf.CompletedAt,
		Steps:       make(map[schema.Stage]schema.StepStatus, len(wf.Steps)),
	}
	for _, step := range wf.Steps {
		resp.Steps[step.Stage] = step.Status
	}
	if cur := wf.CurrentStep(); cur != "" {
		resp.CurrentStep = &cur
	}
	if wf.Error != "" {
		resp.Error = &wf.Error
	}
	return c.JSON(http.StatusOK, resp)
}

// handleWorkflowResults returns the stage documents of a completed
// workflow. ?query=<jq> projects the response instead.
func (s *Server) handleWorkflowResults(c echo.Context) error {
	ctx := c.Request().Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if wf.Status != schema.WorkflowStatusCompleted {
		return writeError(c, schema.NewErrorf(schema.ErrCodeNotCompleted,
			"Workflow %s is not completed. Current status: %s", wf.ID, wf.Status))
	}

	resp := resultsResponse{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Results:     make(map[schema.Stage]json.RawMessage, len(wf.Steps)),
		CompletedAt: wf.CompletedAt,
	}
	for _, step := range wf.Steps {
		if len(step.Result) > 0 {
			resp.Results[step.Stage] = step.Result
		} else {
			resp.Results[step.Stage] = json.RawMessage("null")
		}
	}

	query := c.QueryParam("query")
	if query == "" {
		return c.JSON(http.StatusOK, resp)
	}
	projected, err := s.jq.Project(ctx, query, resp)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, projected)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	filter := store.WorkflowFilter{Limit: defaultListLimit}

	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return badRequest(c, "limit must be an integer between 1 and %d", maxListLimit)
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if v := c.QueryParam("status"); v != "" {
		status := schema.WorkflowStatus(v)
		if !status.Valid() {
			return badRequest(c, "unknown status %q", v)
		}
		filter.Status = &status
	}

	list, err := s.deps.Store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []*store.WorkflowSummary{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Store.Stats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleWorkflowDetail(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.deps.Store.GetWorkflow(ctx, id); err != nil {
		return writeError(c, err)
	}
	msgs, err := s.deps.Store.ListMessages(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// handleDiagram renders the pipeline with the workflow's step statuses.
// ?format= is mermaid (default), ascii or image.
func (s *Server) handleDiagram(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	format := diagram.Format(c.QueryParam("format"))
	out, err := diagram.Render(wf, format)
	if err != nil {
		return writeError(c, err)
	}
	if format == diagram.FormatImage {
		return c.Blob(http.StatusOK, "image/png", out)
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, out)
}

func (s *Server) handleDeleteWorkflow(c echo.Context) error {
	id := c.Param("id")
	deleted, err := s.deps.Store.DeleteWorkflow(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if !deleted {
		return writeError(c, schema.NewErrorf(schema.ErrCodeNotFound, "Workflow %s not found", id))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:          "healthy",
		ActiveWorkflows: s.deps.Orchestrator.ActiveCount(),
		Executions:      s.deps.Orchestrator.Executions(),
		Providers:       []string{},
	}
	if s.deps.Providers != nil {
		resp.Providers = s.deps.Providers.Providers()
	}
	return c.JSON(http.StatusOK, resp)
}
