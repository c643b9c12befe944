// Package rowexec implements the row-task executor: it advances a batch of
// RowTasks, each running every Column of a Pipeline in position order for
// one DatasetItem, stopping a row at its first failing Column.
package rowexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
	"github.com/promptforge/evalengine/pkg/predicates"
	"github.com/promptforge/evalengine/pkg/promptinvoke"
	"github.com/promptforge/evalengine/pkg/ratelimit"
	"github.com/promptforge/evalengine/pkg/taskmanager"
)

// Store is the subset of pkg/store.Store the executor needs.
type Store interface {
	ClaimRowTaskBatch(ctx context.Context, resultID int64, limit int) ([]models.RowTask, error)
	UpdateRowTaskProgress(ctx context.Context, id int64, position int, variables map[string]any) error
	CompleteRowTask(ctx context.Context, id int64, status models.RowTaskStatus, result *models.RowResult, variables map[string]any, execMs int64, errMsg string) error
	GetOrCreateCell(ctx context.Context, resultID, datasetItemID, columnID int64) (int64, error)
	UpdateCell(ctx context.Context, id int64, status models.CellStatus, value []byte, displayValue, errMsg string) error
	GetDatasetItem(ctx context.Context, id int64) (models.DatasetItem, error)
	ListColumnsByPipeline(ctx context.Context, pipelineID int64) ([]models.Column, error)
	GetPipeline(ctx context.Context, id int64) (models.Pipeline, error)
	GetResult(ctx context.Context, id int64) (models.Result, error)
}

// llmBearingColumns rate-limit through Limiter.Acquire before dispatch.
var llmBearingColumns = map[models.ColumnType]bool{
	models.ColumnPromptTemplate: true,
	models.ColumnLLMAssertion:   true,
}

// Executor wires the row-task executor's dependencies.
type Executor struct {
	Store         Store
	TaskManager   *taskmanager.Manager
	Predicates    *predicates.Library
	PromptInvoker *promptinvoke.Invoker
	FeatureModel  ports.FeatureModelResolver
	Limiter       *ratelimit.Limiter
	Logger        *slog.Logger
}

// New builds an Executor. Limiter, PromptInvoker and FeatureModel may be nil
// for pipelines that never dispatch an LLM-bearing column.
func New(store Store, tm *taskmanager.Manager, lib *predicates.Library, inv *promptinvoke.Invoker, featureModel ports.FeatureModelResolver, limiter *ratelimit.Limiter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Store:         store,
		TaskManager:   tm,
		Predicates:    lib,
		PromptInvoker: inv,
		FeatureModel:  featureModel,
		Limiter:       limiter,
		Logger:        logger,
	}
}

// RunBatch claims up to batchSize pending row tasks of resultID and runs
// each to completion. A Result whose prompt_versions_snapshot is non-empty
// runs its batch serially — repeated prompt-version calls against the same
// snapshot are assumed to share rate-limited resources better one at a
// time — everything else fans the batch out concurrently.
func (e *Executor) RunBatch(ctx context.Context, resultID int64, batchSize int) (int, error) {
	result, err := e.Store.GetResult(ctx, resultID)
	if err != nil {
		return 0, err
	}

	tasks, err := e.Store.ClaimRowTaskBatch(ctx, resultID, batchSize)
	if err != nil {
		if err == enginerr.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}

	pipeline, err := e.Store.GetPipeline(ctx, result.PipelineID)
	if err != nil {
		return 0, err
	}
	columns, err := e.Store.ListColumnsByPipeline(ctx, pipeline.ID)
	if err != nil {
		return 0, err
	}

	if len(result.PromptVersionsSnapshot) > 0 {
		for _, task := range tasks {
			e.runRowTask(ctx, task, pipeline, columns)
		}
	} else {
		var wg sync.WaitGroup
		for _, task := range tasks {
			wg.Add(1)
			go func(task models.RowTask) {
				defer wg.Done()
				e.runRowTask(ctx, task, pipeline, columns)
			}(task)
		}
		wg.Wait()
	}

	return len(tasks), nil
}

func (e *Executor) runRowTask(ctx context.Context, task models.RowTask, pipeline models.Pipeline, columns []models.Column) {
	start := time.Now()

	item, err := e.Store.GetDatasetItem(ctx, task.DatasetItemID)
	if err != nil {
		e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, task.ExecutionVariables, start, err.Error())
		return
	}

	variables := make(map[string]any, len(item.Variables))
	for k, v := range item.Variables {
		variables[k] = v
	}

	var lastValue any
	var lastColumn models.Column
	ranAny := false

	for _, column := range columns {
		if models.StaticColumnTypes[column.Type] {
			continue
		}

		if err := e.Store.UpdateRowTaskProgress(ctx, task.ID, column.Position, variables); err != nil {
			e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, variables, start, err.Error())
			return
		}

		cellID, err := e.Store.GetOrCreateCell(ctx, task.ResultID, task.DatasetItemID, column.ID)
		if err != nil {
			e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, variables, start, err.Error())
			return
		}

		if llmBearingColumns[column.Type] && e.Limiter != nil {
			if err := e.Limiter.Acquire(ctx); err != nil {
				e.failCell(ctx, cellID, err.Error())
				e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, variables, start, err.Error())
				return
			}
		}

		value, display, err := e.evaluate(ctx, column, pipeline, variables)
		if err != nil {
			e.failCell(ctx, cellID, err.Error())
			e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, variables, start, err.Error())
			return
		}

		if err := e.Store.UpdateCell(ctx, cellID, models.CellStatusCompleted, models.MarshalCellValue(value), display, ""); err != nil {
			e.finishRow(ctx, task, models.RowTaskStatusFailed, nil, variables, start, err.Error())
			return
		}

		mergeRowValue(variables, column, value)
		lastValue = value
		lastColumn = column
		ranAny = true
	}

	rowResult := models.RowResultPassed
	if ranAny && models.BooleanColumnTypes[lastColumn.Type] {
		if passed, ok := lastValue.(bool); ok && !passed {
			rowResult = models.RowResultUnpassed
		}
	}
	e.finishRow(ctx, task, models.RowTaskStatusCompleted, &rowResult, variables, start, "")
}

func (e *Executor) finishRow(ctx context.Context, task models.RowTask, status models.RowTaskStatus, result *models.RowResult, variables map[string]any, start time.Time, errMsg string) {
	execMs := time.Since(start).Milliseconds()
	if err := e.Store.CompleteRowTask(ctx, task.ID, status, result, variables, execMs, errMsg); err != nil {
		e.Logger.Error("rowexec: completing row task", "error", err, "row_task_id", task.ID)
	}
	if err := e.TaskManager.MaybeFinishResult(ctx, task.ResultID, 0); err != nil {
		e.Logger.Error("rowexec: checking result completion", "error", err, "result_id", task.ResultID)
	}
}

func (e *Executor) failCell(ctx context.Context, cellID int64, errMsg string) {
	if err := e.Store.UpdateCell(ctx, cellID, models.CellStatusFailed, nil, "", errMsg); err != nil {
		e.Logger.Error("rowexec: updating cell to failed", "error", err, "cell_id", cellID)
	}
}

func (e *Executor) evaluate(ctx context.Context, column models.Column, pipeline models.Pipeline, variables map[string]any) (any, string, error) {
	if column.Type == models.ColumnPromptTemplate {
		return e.invokePrompt(ctx, column, pipeline, variables)
	}

	cfg, err := models.ParseColumnConfig(column.Type, column.Config)
	if err != nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("rowexec: parsing config for column %q: %w", column.Name, err))
	}
	verdict, err := e.Predicates.Evaluate(ctx, cfg, variables)
	if err != nil {
		return nil, "", err
	}
	return cellValueFromVerdict(column.Type, verdict)
}

func (e *Executor) invokePrompt(ctx context.Context, column models.Column, pipeline models.Pipeline, variables map[string]any) (any, string, error) {
	if e.PromptInvoker == nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("rowexec: column %q needs a configured prompt invoker", column.Name))
	}
	cfg, err := models.ParseColumnConfig(column.Type, column.Config)
	if err != nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("rowexec: parsing prompt_template config for column %q: %w", column.Name, err))
	}

	provider := "openai"
	if e.FeatureModel != nil {
		if p, _, err := e.FeatureModel.FeatureModelResolve(ctx, pipeline.ProjectID, ports.FeatureKeyEvaluationLLM); err == nil && p != "" {
			provider = p
		}
	}

	out, err := e.PromptInvoker.Invoke(ctx, provider, promptinvoke.Input{
		PromptID:       cfg.PromptTemplate.PromptID,
		ProjectID:      pipeline.ProjectID,
		InputVariables: variables,
		ModelOverride:  cfg.PromptTemplate.ModelOverride,
		Source:         "row_task",
	})
	if err != nil {
		return nil, "", err
	}
	return out.Text, out.Text, nil
}

// mergeRowValue folds one column's produced value into the row's running
// execution_variables: a dataset_variable cell would merge its whole map,
// but that column type is filtered out of the loop above, so every call
// here sets a single {column.name: value} entry.
func mergeRowValue(variables map[string]any, column models.Column, value any) {
	variables[column.Name] = value
}

func cellValueFromVerdict(colType models.ColumnType, v predicates.Verdict) (any, string, error) {
	switch colType {
	case models.ColumnJSONExtraction:
		return detailValue(v, "extracted_value")
	case models.ColumnParseValue:
		return detailValue(v, "parsed_value")
	case models.ColumnStaticValue, models.ColumnCoalesce:
		return detailValue(v, "value")
	case models.ColumnCount:
		return detailValue(v, "count")
	default:
		return v.Passed, fmt.Sprintf("%t", v.Passed), nil
	}
}

func detailValue(v predicates.Verdict, key string) (any, string, error) {
	val, ok := v.Details[key]
	if !ok {
		if msg, ok := v.Details["error"].(string); ok {
			return nil, "", fmt.Errorf("rowexec: %s", msg)
		}
		return nil, "", fmt.Errorf("rowexec: strategy produced no %s", key)
	}
	return val, fmt.Sprintf("%v", val), nil
}
