package http

import (
	"net/http"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateExecutionRequest represents an execution creation request. Empty
// fields fall back to the configured defaults.
type CreateExecutionRequest struct {
	ExperimentID string `json:"experiment_id" binding:"required"`
	Name         string `json:"name"`
	RAM          string `json:"ram"`
	CPU          string `json:"cpu"`
	// BookedTime is a Go duration such as "90m"
	BookedTime string `json:"booked_time"`
}

// DeleteResultsRequest represents a batch result deletion
type DeleteResultsRequest struct {
	ExecutionIDs []string `json:"execution_ids" binding:"required"`
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

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := http.StatusOK

	if s.health != nil {
		pool := s.health.GetStatus()
		checks["workers"] = pool
		if !pool.Healthy {
			status = http.StatusServiceUnavailable
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleCreateExecution handles execution creation
func (s *Server) handleCreateExecution(c *gin.Context) {
	var req CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeInvalid(c, err.Error())
		return
	}

	var booked time.Duration
	if req.BookedTime != "" {
		d, err := time.ParseDuration(req.BookedTime)
		if err != nil {
			s.writeInvalid(c, "booked_time must be a duration such as 90m")
			return
		}
		booked = d
	}

	execution, err := s.orchestrator.CreateExecution(c.Request.Context(), domain.CreateRequest{
		ExperimentID: req.ExperimentID,
		Name:         req.Name,
		RAM:          req.RAM,
		CPU:          req.CPU,
		BookedTime:   booked,
	})
	if err != nil {
		s.writeError(c, "failed to create execution", err)
		return
	}

	c.JSON(http.StatusCreated, execution)
}

// handleGetExecution handles getting one execution
func (s *Server) handleGetExecution(c *gin.Context) {
	execution, err := s.orchestrator.FindExecutionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to get execution", err)
		return
	}

	c.JSON(http.StatusOK, execution)
}

// handleCancelExecution handles user cancellation
func (s *Server) handleCancelExecution(c *gin.Context) {
	execution, err := s.orchestrator.CancelExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to cancel execution", err)
		return
	}

	c.JSON(http.StatusOK, execution)
}

// handleAbortExecution handles system aborts
func (s *Server) handleAbortExecution(c *gin.Context) {
	execution, err := s.orchestrator.AbortExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to abort execution", err)
		return
	}

	c.JSON(http.StatusOK, execution)
}

// handleListForExperiment lists the executions of an experiment
func (s *Server) handleListForExperiment(c *gin.Context) {
	executions, err := s.orchestrator.ListExecutionsForExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to list executions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      len(executions),
	})
}

// handleListForOwner lists the executions of an owner
func (s *Server) handleListForOwner(c *gin.Context) {
	executions, err := s.orchestrator.ListExecutionsForOwner(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to list executions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      len(executions),
	})
}

// handleUsage returns the usage of every running execution
func (s *Server) handleUsage(c *gin.Context) {
	snapshots, err := s.orchestrator.UsageSnapshot(c.Request.Context())
	if err != nil {
		s.writeError(c, "failed to read usage", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage": snapshots,
		"total": len(snapshots),
	})
}

// handleExecutionUsage returns the usage of one execution
func (s *Server) handleExecutionUsage(c *gin.Context) {
	snapshot, err := s.orchestrator.ExecutionUsage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to read execution usage", err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// handleDeleteResults removes delivered results
func (s *Server) handleDeleteResults(c *gin.Context) {
	var req DeleteResultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeInvalid(c, err.Error())
		return
	}

	if err := s.orchestrator.DeleteResults(c.Request.Context(), req.ExecutionIDs); err != nil {
		s.writeError(c, "failed to delete results", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) writeInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: message,
		},
	})
}

// writeError maps domain error kinds onto HTTP statuses
func (s *Server) writeError(c *gin.Context, msg string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
