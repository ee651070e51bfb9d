package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentchain/internal/agents"
	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// agentRequest is the body of a single-stage call. Which fields are
// required depends on the stage.
type agentRequest struct {
	Requirements   string   `json:"requirements,omitempty"`
	Context        string   `json:"context,omitempty"`
	Architecture   any      `json:"architecture,omitempty"`
	Implementation any      `json:"implementation,omitempty"`
	Review         any      `json:"review,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
}

type agentResponse struct {
	Agent  schema.Stage       `json:"agent"`
	Result schema.StageOutput `json:"result"`
}

// handleRunAgent runs one stage synchronously. Nothing is persisted.
func (s *Server) handleRunAgent(c echo.Context) error {
	stage, err := schema.ParseStage(c.Param("stage"))
	if err != nil {
		return writeError(c, schema.NewErrorf(schema.ErrCodeNotFound, "unknown agent %q", c.Param("stage")))
	}

	var req agentRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest(c, "invalid JSON: %v", err)
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateRequest(validation.StageRequestKind(stage), req); err != nil {
			return writeError(c, err)
		}
	}

	in := agents.Input{
		Requirements:   req.Requirements,
		Context:        req.Context,
		Architecture:   req.Architecture,
		Implementation: req.Implementation,
		Review:         req.Review,
	}
	opts := generation.Options{Temperature: req.Temperature, MaxTokens: req.MaxTokens}

	out, err := s.deps.Orchestrator.RunStage(c.Request().Context(), stage, in, req.Provider, opts)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, agentResponse{Agent: stage, Result: out})
}
