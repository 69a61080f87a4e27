package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/internal/policy"
	"github.com/reportlens/reportlens/pkg/session"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, policy.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Validation and lookup failures carry their
// own message; anything else uses summary, with the cause as details for
// upstream failures.
func (s *Server) fail(c echo.Context, err error, summary string) error {
	status := statusFor(err)
	body := errorBody{Error: summary}

	switch status {
	case http.StatusBadRequest:
		body.Error = clientMessage(err)
	case http.StatusNotFound:
		body.Error = "Session not found"
	case http.StatusForbidden:
		body.Error = "You do not have access to this session"
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		body.Details = err.Error()
	}

	if status >= 500 {
		s.logger.Error(summary, "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, body)
}

// clientMessage returns the innermost message of a validation error.
func clientMessage(err error) string {
	var se *session.Error
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
