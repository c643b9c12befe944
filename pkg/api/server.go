// Package api provides the HTTP surface over pkg/engine.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptforge/evalengine/pkg/engine"
)

// Server is the HTTP API server.
type Server struct {
	engine     *engine.Engine
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds a Server wired against eng and registers every route.
func NewServer(eng *engine.Engine) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{engine: eng, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	v1 := s.router.Group("/api/v1")
	v1.POST("/results", s.createResultHandler)
	v1.GET("/results/:id/progress", s.getProgressHandler)
	v1.POST("/results/:id/row-batches", s.executeRowBatchHandler)
	v1.POST("/results/:id/columns", s.appendColumnHandler)
	v1.POST("/results/:id/dataset", s.swapDatasetHandler)

	v1.POST("/tasks/:id/run", s.startColumnEvaluationHandler)
	v1.GET("/tasks/:id/progress", s.getTaskProgressHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
	v1.POST("/tasks/:id/retry", s.retryTaskHandler)

	v1.POST("/scheduler/pause", s.pauseSchedulerHandler)
	v1.POST("/scheduler/resume", s.resumeSchedulerHandler)
	v1.GET("/scheduler/status", s.schedulerStatusHandler)
}

// Start serves the API on addr, blocking until the server stops or errors.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	status, err := s.engine.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
