// Package api exposes the control plane over HTTP: the operator surface
// (catalog, executions, schedules) and the worker-facing dispatcher RPCs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/scheduler"
)

// Server is the HTTP API server.
type Server struct {
	db         *database.Client
	broker     *broker.Broker
	catalog    *catalog.Service
	engine     *engine.Engine
	execs      *engine.ExecStore
	events     *eventlog.Store
	dispatcher *dispatch.Service
	runtimes   *runtime.Registry
	scheduler  *scheduler.Scheduler
	results    *resultstore.Store

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	DB         *database.Client
	Broker     *broker.Broker
	Catalog    *catalog.Service
	Engine     *engine.Engine
	Execs      *engine.ExecStore
	Events     *eventlog.Store
	Dispatcher *dispatch.Service
	Runtimes   *runtime.Registry
	Scheduler  *scheduler.Scheduler
	Results    *resultstore.Store
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		db:         deps.DB,
		broker:     deps.Broker,
		catalog:    deps.Catalog,
		engine:     deps.Engine,
		execs:      deps.Execs,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		runtimes:   deps.Runtimes,
		scheduler:  deps.Scheduler,
		results:    deps.Results,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/catalog", s.registerPlaybook)
		v1.GET("/catalog", s.listCatalog)
		v1.GET("/catalog/*path", s.fetchPlaybook)

		v1.POST("/executions", s.startExecution)
		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
		v1.GET("/executions/:id/events", s.getExecutionEvents)
		v1.POST("/executions/:id/cancel", s.cancelExecution)

		v1.GET("/results", s.getResult)

		v1.POST("/dispatch/task", s.dispatchGetTask)
		v1.POST("/dispatch/events", s.dispatchEmitEvent)
		v1.POST("/dispatch/heartbeat", s.dispatchHeartbeat)
		v1.POST("/dispatch/results", s.dispatchPutResult)

		v1.POST("/runtimes/register", s.registerRuntime)
		v1.POST("/runtimes/heartbeat", s.runtimeHeartbeat)
		v1.GET("/runtimes", s.listRuntimes)

		v1.POST("/schedules", s.createSchedule)
		v1.GET("/schedules", s.listSchedules)
		v1.POST("/schedules/:id/pause", s.pauseSchedule)
		v1.POST("/schedules/:id/resume", s.resumeSchedule)
		v1.DELETE("/schedules/:id", s.deleteSchedule)
	}
	return router
}

// Start serves HTTP on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := s.db.Health(ctx)
	brokerHealthy := s.broker.Healthy()

	status := http.StatusOK
	overall := "healthy"
	if !dbHealth.Reachable || !brokerHealthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbHealth,
		"broker":   gin.H{"connected": brokerHealthy},
	})
}
