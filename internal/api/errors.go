package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string                       `json:"error"`
	Fields []deployment.ValidationError `json:"fields,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, deployment.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, deployment.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTerminal),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, escalation.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case remote.KindOf(err) != remote.ErrUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var ves deployment.ValidationErrors
	if errors.As(err, &ves) {
		resp.Error = deployment.ErrValidation.Error()
		resp.Fields = ves
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
