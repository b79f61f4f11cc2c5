package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/models"
)

const (
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

// StartExecutionRequest is the body for POST /api/v1/executions.
type StartExecutionRequest struct {
	Path     string          `json:"path" binding:"required"`
	Version  int             `json:"version,omitempty"`
	Workload json.RawMessage `json:"workload,omitempty"`

	// Wait blocks the request until the execution reaches a terminal state
	// and returns its summary instead of just the id.
	Wait           bool `json:"wait,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

// startExecution handles POST /api/v1/executions.
func (s *Server) startExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := engine.StartRequest{
		Path:     req.Path,
		Version:  req.Version,
		Workload: req.Workload,
	}

	if !req.Wait {
		exec, err := s.engine.StartExecution(c.Request.Context(), start)
		if err != nil {
			mapServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"execution_id": exec.ID,
			"status":       exec.Status,
		})
		return
	}

	// Synchronous mode: subscribe to the callback before starting so the
	// terminal summary cannot slip past between start and wait.
	timeout := defaultWaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}
	requestID := uuid.NewString()
	start.CallbackRequestID = requestID

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	type callbackResult struct {
		payload []byte
		err     error
	}
	resultCh := make(chan callbackResult, 1)
	go func() {
		payload, err := s.broker.WaitCallback(waitCtx, requestID)
		resultCh <- callbackResult{payload: payload, err: err}
	}()

	exec, err := s.engine.StartExecution(c.Request.Context(), start)
	if err != nil {
		cancel()
		<-resultCh
		mapServiceError(c, err)
		return
	}

	res := <-resultCh
	if res.err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":        "execution did not finish within the wait timeout",
			"execution_id": exec.ID,
		})
		return
	}
	c.Data(http.StatusOK, "application/json", res.payload)
}

// getExecution handles GET /api/v1/executions/:id.
func (s *Server) getExecution(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	exec, err := s.execs.Get(c.Request.Context(), id)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// getExecutionEvents handles GET /api/v1/executions/:id/events.
func (s *Server) getExecutionEvents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var fromID int64
	if v := c.Query("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from event id"})
			return
		}
		fromID = n
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events, err := s.events.Read(c.Request.Context(), id, fromID, limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if len(events) == 0 {
		if _, err := s.execs.Get(c.Request.Context(), id); err != nil {
			mapServiceError(c, err)
			return
		}
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "events": events})
}

// cancelExecution handles POST /api/v1/executions/:id/cancel.
func (s *Server) cancelExecution(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.engine.CancelExecution(c.Request.Context(), id); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": "cancel_requested"})
}

// listExecutions handles GET /api/v1/executions.
func (s *Server) listExecutions(c *gin.Context) {
	status := models.ExecutionStatus(c.Query("status"))
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	execs, err := s.execs.List(c.Request.Context(), status, limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// getResult handles GET /api/v1/results?uri=noetl://...
func (s *Server) getResult(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uri is required"})
		return
	}
	payload, _, err := s.results.Get(c.Request.Context(), uri)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// pathID parses the :id route parameter, writing the error response itself
// when the value is not a valid id.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return 0, false
	}
	return id, true
}
