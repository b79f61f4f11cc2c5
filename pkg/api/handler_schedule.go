package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/models"
)

// CreateScheduleRequest is the body for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	PlaybookPath    string             `json:"playbook_path" binding:"required"`
	Kind            models.TriggerKind `json:"kind" binding:"required"`
	CronExpr        string             `json:"cron_expr,omitempty"`
	IntervalSeconds int                `json:"interval_seconds,omitempty"`
	Timezone        string             `json:"timezone,omitempty"`
	Workload        json.RawMessage    `json:"workload,omitempty"`
}

// createSchedule handles POST /api/v1/schedules.
func (s *Server) createSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Kind {
	case models.TriggerCron:
		if req.CronExpr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cron schedules need a cron_expr"})
			return
		}
	case models.TriggerInterval:
		if req.IntervalSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval schedules need a positive interval_seconds"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be cron or interval"})
		return
	}

	// The schedule fires against the latest playbook version; reject paths
	// never registered so typos surface at create time.
	if _, err := s.catalog.Fetch(c.Request.Context(), req.PlaybookPath, 0); err != nil {
		mapServiceError(c, err)
		return
	}

	sched := &models.Schedule{
		PlaybookPath: req.PlaybookPath,
		Kind:         req.Kind,
		CronExpr:     req.CronExpr,
		Interval:     time.Duration(req.IntervalSeconds) * time.Second,
		Timezone:     req.Timezone,
		Workload:     req.Workload,
	}
	if err := s.scheduler.Create(c.Request.Context(), sched); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sched)
}

// listSchedules handles GET /api/v1/schedules.
func (s *Server) listSchedules(c *gin.Context) {
	scheds, err := s.scheduler.List(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": scheds})
}

// pauseSchedule handles POST /api/v1/schedules/:id/pause.
func (s *Server) pauseSchedule(c *gin.Context) {
	s.setScheduleEnabled(c, false)
}

// resumeSchedule handles POST /api/v1/schedules/:id/resume.
func (s *Server) resumeSchedule(c *gin.Context) {
	s.setScheduleEnabled(c, true)
}

func (s *Server) setScheduleEnabled(c *gin.Context, enabled bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	if err := s.scheduler.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "enabled": enabled})
}

// deleteSchedule handles DELETE /api/v1/schedules/:id.
func (s *Server) deleteSchedule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	if err := s.scheduler.Delete(c.Request.Context(), id); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "deleted": true})
}
