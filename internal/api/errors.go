package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/agentchain/pkg/schema"
)

// errorBody is the shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeUnknownProvider, schema.ErrCodeNotCompleted:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": msg} with the status of its code.
func writeError(c echo.Context, err error) error {
	var sErr *schema.Error
	if errors.As(err, &sErr) {
		return c.JSON(statusFor(sErr.Code), errorBody{Error: sErr.Message})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func badRequest(c echo.Context, format string, args ...any) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

// handleHTTPError renders errors returned by handlers and by echo itself
// (unknown routes, bad methods) in the same shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		err = c.JSON(he.Code, errorBody{Error: msg})
	} else {
		err = writeError(c, err)
	}
	if err != nil {
		s.deps.Logger.Error("write error response", slog.String("error", err.Error()))
	}
}
