package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aescanero/plugflow/internal/application/orchestrator"
	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecuteRequest is the body of an execution request
type ExecuteRequest struct {
	Input map[string]interface{} `json:"input"`
}

// ExecuteResponse is returned when an execution is accepted
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
}

// ExecutionResponse combines the execution record with live progress
type ExecutionResponse struct {
	Execution *domain.Execution `json:"execution"`
	Progress  *tracker.Snapshot `json:"progress,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	checks := gin.H{"orchestrator": "ok"}

	if !s.manager.Accepting() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
		checks["orchestrator"] = "shutting_down"
	}

	if s.pool != nil {
		health := s.pool.Health().GetStatus()
		checks["workers"] = health
		if !health.Healthy && code == http.StatusOK {
			status = "degraded"
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) handleRegisterWorkflow(c *gin.Context) {
	var def domain.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		s.writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := s.manager.RegisterWorkflow(c.Request.Context(), &def); err != nil {
		s.respondError(c, err)
		return
	}

	stored, err := s.manager.GetWorkflow(c.Request.Context(), def.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	defs, err := s.manager.ListWorkflows(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": defs,
		"total":     len(defs),
	})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	def, err := s.manager.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	workflowID := c.Param("id")

	var req ExecuteRequest
	// An empty body runs the workflow with no input
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	executionID, err := s.manager.ExecuteWorkflow(c.Request.Context(), workflowID, req.Input)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, ExecuteResponse{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      string(domain.ExecutionStatusPending),
	})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	executionID := c.Param("id")

	exec, err := s.manager.GetExecutionStatus(c.Request.Context(), executionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := ExecutionResponse{Execution: exec}
	if snap, err := s.manager.GetProgress(executionID); err == nil {
		resp.Progress = &snap
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSteps(c *gin.Context) {
	executionID := c.Param("id")

	steps, err := s.manager.GetStepResults(c.Request.Context(), executionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"steps":        steps,
	})
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	executionID := c.Param("id")

	if err := s.manager.CancelExecution(c.Request.Context(), executionID); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"status":       domain.ExecutionStatusCancelled,
		"cancelled_at": time.Now().UTC(),
	})
}

func (s *Server) handleRollbackExecution(c *gin.Context) {
	executionID := c.Param("id")
	ctx := c.Request.Context()

	rollbackErr := s.manager.RollbackExecution(ctx, executionID)
	// ErrRollbackIncomplete means the pass ran but left work undone
	if rollbackErr != nil && !errors.Is(rollbackErr, domain.ErrRollbackIncomplete) {
		s.respondError(c, rollbackErr)
		return
	}

	exec, err := s.manager.GetExecutionStatus(ctx, executionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if rollbackErr != nil {
		s.logger.Warn("rollback incomplete",
			zap.String("execution_id", executionID),
			zap.Error(rollbackErr))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "ROLLBACK_INCOMPLETE",
				Message: rollbackErr.Error(),
				Details: exec.RollbackErrors,
			},
		})
		return
	}

	c.JSON(http.StatusOK, exec)
}

// respondError maps orchestrator errors to HTTP responses
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	s.writeError(c, status, code, err.Error())
}

func (s *Server) writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidDefinition):
		return http.StatusBadRequest, "INVALID_WORKFLOW"
	case errors.Is(err, domain.ErrWorkflowConflict):
		return http.StatusConflict, "WORKFLOW_CONFLICT"
	case errors.Is(err, domain.ErrWorkflowNotFound):
		return http.StatusNotFound, "WORKFLOW_NOT_FOUND"
	case errors.Is(err, domain.ErrExecutionNotFound):
		return http.StatusNotFound, "EXECUTION_NOT_FOUND"
	case errors.Is(err, domain.ErrExecutionTerminal):
		return http.StatusConflict, "EXECUTION_TERMINAL"
	case errors.Is(err, orchestrator.ErrRollbackNotAllowed):
		return http.StatusConflict, "ROLLBACK_NOT_ALLOWED"
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
