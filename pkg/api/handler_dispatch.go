package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
)

// GetTaskRequest exchanges a claimed broker notification for its task spec.
type GetTaskRequest struct {
	ExecutionID int64  `json:"execution_id" binding:"required"`
	NodeID      string `json:"node_id" binding:"required"`
	WorkerID    string `json:"worker_id" binding:"required"`
}

// dispatchGetTask handles POST /api/v1/dispatch/task. A 404 tells the worker
// the task is gone and the notification should be acked away.
func (s *Server) dispatchGetTask(c *gin.Context) {
	var req GetTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := s.dispatcher.GetTask(c.Request.Context(), req.ExecutionID, req.NodeID, req.WorkerID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// dispatchEmitEvent handles POST /api/v1/dispatch/events. Duplicate appends
// on the idempotence key succeed with the original event id.
func (s *Server) dispatchEmitEvent(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eventID, err := s.dispatcher.EmitEvent(c.Request.Context(), &ev)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

// HeartbeatRequest extends one task lease.
type HeartbeatRequest struct {
	ExecutionID int64  `json:"execution_id" binding:"required"`
	NodeID      string `json:"node_id" binding:"required"`
	WorkerID    string `json:"worker_id" binding:"required"`
}

// dispatchHeartbeat handles POST /api/v1/dispatch/heartbeat. A 404 means the
// lease is gone and the worker must abandon the task.
func (s *Server) dispatchHeartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deadline, err := s.dispatcher.Heartbeat(c.Request.Context(), req.ExecutionID, req.NodeID, req.WorkerID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadline": deadline})
}

// PutResultRequest stores a payload in the result store on a worker's behalf.
type PutResultRequest struct {
	ExecutionID    int64              `json:"execution_id" binding:"required"`
	Name           string             `json:"name" binding:"required"`
	Scope          models.ResultScope `json:"scope,omitempty"`
	Payload        []byte             `json:"payload" binding:"required"`
	IterationIndex *int               `json:"iteration_index,omitempty"`
	Page           *int               `json:"page,omitempty"`
	Cursor         string             `json:"cursor,omitempty"`
	Batch          string             `json:"batch,omitempty"`
	Fields         json.RawMessage    `json:"fields,omitempty"`
}

// dispatchPutResult handles POST /api/v1/dispatch/results.
func (s *Server) dispatchPutResult(c *gin.Context) {
	var req PutResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = models.ScopeStep
	}
	ref, uri, err := s.dispatcher.PutResult(c.Request.Context(), resultstore.PutRequest{
		ExecutionID:    req.ExecutionID,
		Name:           req.Name,
		Scope:          scope,
		Payload:        req.Payload,
		IterationIndex: req.IterationIndex,
		Page:           req.Page,
		Cursor:         req.Cursor,
		Batch:          req.Batch,
		Fields:         req.Fields,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ref":  ref,
		"uri":  uri,
		"tier": ref.Tier,
	})
}
