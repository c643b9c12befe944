package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

// writeError maps the engine's typed error taxonomy to an HTTP status.
func writeError(c *gin.Context, err error) {
	var notFound *enginerr.NotFoundError
	var validation *enginerr.ValidationError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, enginerr.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// createResultRequest is the body for POST /api/v1/results.
type createResultRequest struct {
	PipelineID      int64                `json:"pipeline_id" binding:"required"`
	DatasetID       int64                `json:"dataset_id" binding:"required"`
	RunType         models.RunType       `json:"run_type" binding:"required"`
	Mode            models.ExecutionMode `json:"mode" binding:"required"`
	IncludeDisabled bool                 `json:"include_disabled"`
}

func (s *Server) createResultHandler(c *gin.Context) {
	var req createResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.CreateResult(c.Request.Context(), req.PipelineID, req.DatasetID, req.RunType, req.Mode, req.IncludeDisabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getProgressHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	progress, err := s.engine.GetProgress(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

type executeRowBatchRequest struct {
	BatchSize int `json:"batch_size"`
}

func (s *Server) executeRowBatchHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req executeRowBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 50
	}

	remaining, err := s.engine.ExecuteRowBatch(c.Request.Context(), id, req.BatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}

type appendColumnRequest struct {
	Name     string            `json:"name" binding:"required"`
	Type     models.ColumnType `json:"type" binding:"required"`
	Position int               `json:"position"`
	Config   json.RawMessage   `json:"config"`
}

func (s *Server) appendColumnHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req appendColumnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	column := models.Column{Name: req.Name, Type: req.Type, Position: req.Position, Config: req.Config}
	if err := s.engine.AppendColumn(c.Request.Context(), id, column); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "appended"})
}

type swapDatasetRequest struct {
	NewDatasetID    int64   `json:"new_dataset_id" binding:"required"`
	ExistingItemIDs []int64 `json:"existing_item_ids"`
}

func (s *Server) swapDatasetHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req swapDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing := make(map[int64]bool, len(req.ExistingItemIDs))
	for _, itemID := range req.ExistingItemIDs {
		existing[itemID] = true
	}
	if err := s.engine.SwapDataset(c.Request.Context(), id, req.NewDatasetID, existing); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

func (s *Server) startColumnEvaluationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.engine.StartColumnEvaluation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) getTaskProgressHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	progress, err := s.engine.ColumnTaskProgress(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) cancelTaskHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.engine.CancelTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) retryTaskHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.engine.RetryTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retrying"})
}

func (s *Server) pauseSchedulerHandler(c *gin.Context) {
	s.engine.PauseScheduler()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeSchedulerHandler(c *gin.Context) {
	s.engine.ResumeScheduler()
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) schedulerStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.SchedulerStatus())
}
