// Package engine is the facade that wires the lifecycle, executor, task
// manager and scheduler packages into the API the rest of the system
// consumes: create a Result, drive its execution, inspect progress, and
// cancel or retry individual tasks.
package engine

import (
	"context"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptforge/evalengine/pkg/columnexec"
	"github.com/promptforge/evalengine/pkg/config"
	"github.com/promptforge/evalengine/pkg/database"
	"github.com/promptforge/evalengine/pkg/lifecycle"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
	"github.com/promptforge/evalengine/pkg/predicates"
	"github.com/promptforge/evalengine/pkg/promptinvoke"
	"github.com/promptforge/evalengine/pkg/ratelimit"
	"github.com/promptforge/evalengine/pkg/rowexec"
	"github.com/promptforge/evalengine/pkg/scheduler"
	"github.com/promptforge/evalengine/pkg/store"
	"github.com/promptforge/evalengine/pkg/taskmanager"
)

// Engine bundles every package the facade operations dispatch to.
type Engine struct {
	Pool        *pgxpool.Pool
	Store       *store.Store
	Lifecycle   *lifecycle.Lifecycle
	TaskManager *taskmanager.Manager
	Columns     *columnexec.Executor
	Rows        *rowexec.Executor
	Scheduler   *scheduler.Scheduler
	Limiter     *ratelimit.Limiter
	Logger      *slog.Logger
}

// Dependencies are the externally supplied capabilities the engine cannot
// construct itself: the LLM invoker, request auditing, and prompt
// rendering/resolution. FeatureModel may be left nil to fall back to
// ports.DefaultFeatureModelResolver.
type Dependencies struct {
	LLM          ports.LLMInvoker
	Recorder     promptinvoke.RequestRecorder
	Renderer     ports.PromptRenderer
	FeatureModel ports.FeatureModelResolver
}

// New builds a fully wired Engine over an already-migrated database client
// and a loaded Config. It does not start the scheduler; call Start for that.
func New(client *database.Client, cfg config.Config, deps Dependencies, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	featureModel := deps.FeatureModel
	if featureModel == nil {
		featureModel = ports.DefaultFeatureModelResolver{}
	}

	s := store.New(client.Pool)

	recorder := deps.Recorder
	if recorder == nil {
		recorder = s
	}

	lib := predicates.NewLibrary(deps.LLM, featureModel)
	invoker := promptinvoke.New(deps.Renderer, deps.LLM, recorder, logger)
	tm := taskmanager.New(s, cfg.Scheduler.RetryDelays, logger)

	limiter := ratelimit.New(rateLimitInt(cfg.RateLimit.QPS), cfg.RateLimit.QPM)

	columns := columnexec.New(s, tm, lib, invoker, featureModel, cfg.Scheduler.MaxConcurrentItemsPerTask, logger)
	rows := rowexec.New(s, tm, lib, invoker, featureModel, limiter, logger)

	sched := scheduler.New(s, columns, rows, cfg.Scheduler, cfg.Retention, logger)

	lc := lifecycle.New(s, deps.Renderer, sched, defaultColumnRetries(cfg))

	return &Engine{
		Pool:        client.Pool,
		Store:       s,
		Lifecycle:   lc,
		TaskManager: tm,
		Columns:     columns,
		Rows:        rows,
		Scheduler:   sched,
		Limiter:     limiter,
		Logger:      logger,
	}
}

// rateLimitInt rounds a fractional QPS config value to the nearest integer
// the dual sliding-window Limiter accepts; fractional request rates below
// 1/sec have no meaning for a per-second window anyway.
func rateLimitInt(qps float64) int {
	return int(math.Round(qps))
}

func defaultColumnRetries(cfg config.Config) int {
	if len(cfg.Scheduler.RetryDelays) > 0 {
		return len(cfg.Scheduler.RetryDelays)
	}
	return 3
}

// Start launches the background scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Stop halts the background scheduler loop.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
}

// CreateResult materialises a new Result for pipelineID/datasetID in the
// requested mode and, for row mode, hands the freshly created Result to the
// scheduler for immediate first-batch dispatch.
func (e *Engine) CreateResult(ctx context.Context, pipelineID, datasetID int64, runType models.RunType, mode models.ExecutionMode, includeDisabled bool) (models.Result, error) {
	return e.Lifecycle.CreateResult(ctx, lifecycle.CreateResultInput{
		PipelineID:      pipelineID,
		DatasetID:       datasetID,
		RunType:         runType,
		Mode:            mode,
		IncludeDisabled: includeDisabled,
	})
}

// ExecuteRowBatch runs up to batchSize pending row tasks for resultID to
// completion, synchronously. Returns the count of row tasks still pending
// after the batch (0 means the result's row work is fully dispatched).
func (e *Engine) ExecuteRowBatch(ctx context.Context, resultID int64, batchSize int) (int, error) {
	if _, err := e.Rows.RunBatch(ctx, resultID, batchSize); err != nil {
		return 0, err
	}
	return e.Store.CountPendingRowTasks(ctx, resultID)
}

// StartColumnEvaluation runs a single claimed column task to completion,
// synchronously. Most callers let the scheduler dispatch column tasks
// itself; this exists for tests and for manual re-dispatch of a specific task.
func (e *Engine) StartColumnEvaluation(ctx context.Context, taskID int64) error {
	return e.Columns.Run(ctx, taskID)
}

// ColumnTaskProgress reports one column task's completion percentage.
func (e *Engine) ColumnTaskProgress(ctx context.Context, taskID int64) (taskmanager.ColumnTaskProgress, error) {
	return e.TaskManager.ColumnTaskProgress(ctx, taskID)
}

// GetProgress reports a result's overall pending/completed/failed counts.
func (e *Engine) GetProgress(ctx context.Context, resultID int64) (taskmanager.ResultProgress, error) {
	return e.TaskManager.ResultProgress(ctx, resultID)
}

// CancelTask cancels a column task that is pending, running, or retrying.
func (e *Engine) CancelTask(ctx context.Context, taskID int64) error {
	return e.TaskManager.CancelColumnTask(ctx, taskID)
}

// RetryTask resets a failed or cancelled column task's unfinished TaskItems
// back to pending and the task itself back to pending so the scheduler's
// dispatch loop picks it up again.
func (e *Engine) RetryTask(ctx context.Context, taskID int64) error {
	return e.TaskManager.RetryColumnTask(ctx, taskID)
}

// PauseScheduler stops new task dispatch without interrupting in-flight work.
func (e *Engine) PauseScheduler() {
	e.Scheduler.Pause()
}

// ResumeScheduler re-enables task dispatch.
func (e *Engine) ResumeScheduler() {
	e.Scheduler.Resume()
}

// SchedulerStatus reports the scheduler's current operating state.
func (e *Engine) SchedulerStatus() scheduler.Status {
	return e.Scheduler.StatusSnapshot()
}

// AppendColumn adds column to a staging result's pipeline output.
func (e *Engine) AppendColumn(ctx context.Context, resultID int64, column models.Column) error {
	return e.Lifecycle.AppendColumn(ctx, resultID, column)
}

// SwapDataset re-syncs a staging result's dataset selection, materialising
// work for every item not already represented in the result.
func (e *Engine) SwapDataset(ctx context.Context, resultID, newDatasetID int64, existingItemIDs map[int64]bool) error {
	return e.Lifecycle.SwapDataset(ctx, resultID, newDatasetID, existingItemIDs)
}

// Health reports database connectivity and pool statistics.
func (e *Engine) Health(ctx context.Context) (*database.HealthStatus, error) {
	return database.Health(ctx, e.Pool)
}
