package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/models"
)

// RegisterRuntimeRequest announces a server or worker pool.
type RegisterRuntimeRequest struct {
	Kind         models.RuntimeKind `json:"kind" binding:"required"`
	Name         string             `json:"name" binding:"required"`
	Pool         string             `json:"pool,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Capacity     int                `json:"capacity"`
}

// registerRuntime handles POST /api/v1/runtimes/register.
func (s *Server) registerRuntime(c *gin.Context) {
	var req RegisterRuntimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind != models.RuntimeServer && req.Kind != models.RuntimeWorker {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be server or worker"})
		return
	}

	id, err := s.runtimes.Register(c.Request.Context(), &models.RuntimeRegistration{
		Kind:         req.Kind,
		Name:         req.Name,
		Pool:         req.Pool,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"runtime_id": id})
}

// runtimeHeartbeat handles POST /api/v1/runtimes/heartbeat.
func (s *Server) runtimeHeartbeat(c *gin.Context) {
	var req struct {
		RuntimeID int64 `json:"runtime_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runtimes.Heartbeat(c.Request.Context(), req.RuntimeID); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listRuntimes handles GET /api/v1/runtimes.
func (s *Server) listRuntimes(c *gin.Context) {
	regs, err := s.runtimes.List(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runtimes": regs})
}
