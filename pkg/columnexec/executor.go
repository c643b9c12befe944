// Package columnexec implements the column-task executor: it advances one
// ColumnTask to a terminal state by running its pending TaskItems under a
// bounded-concurrency semaphore.
package columnexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
	"github.com/promptforge/evalengine/pkg/predicates"
	"github.com/promptforge/evalengine/pkg/promptinvoke"
	"github.com/promptforge/evalengine/pkg/taskmanager"
)

// Store is the subset of pkg/store.Store the executor needs.
type Store interface {
	GetColumnTask(ctx context.Context, id int64) (models.ColumnTask, error)
	UpdateColumnTaskStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error
	ListPendingTaskItems(ctx context.Context, taskID int64) ([]models.TaskItem, error)
	UpdateTaskItem(ctx context.Context, id int64, status models.TaskItemStatus, outputData []byte, errMsg string, execMs int64) error
	GetCell(ctx context.Context, id int64) (models.Cell, error)
	UpdateCell(ctx context.Context, id int64, status models.CellStatus, value []byte, displayValue, errMsg string) error
	GetColumn(ctx context.Context, id int64) (models.Column, error)
	ListColumnsByPipeline(ctx context.Context, pipelineID int64) ([]models.Column, error)
	PreviousData(ctx context.Context, resultID, datasetItemID int64, position int) ([]models.Cell, []models.Column, error)
	GetPipeline(ctx context.Context, id int64) (models.Pipeline, error)
}

// Executor wires the column-task executor's dependencies.
type Executor struct {
	Store         Store
	TaskManager   *taskmanager.Manager
	Predicates    *predicates.Library
	PromptInvoker *promptinvoke.Invoker
	FeatureModel  ports.FeatureModelResolver
	Logger        *slog.Logger

	// DefaultConcurrency is the item-fanout cap used when a task's Config
	// doesn't override max_concurrent_items_per_task.
	DefaultConcurrency int
}

// New builds an Executor. FeatureModel and PromptInvoker may be nil if the
// pipeline never uses a prompt_template or llm_assertion column.
func New(store Store, tm *taskmanager.Manager, lib *predicates.Library, inv *promptinvoke.Invoker, featureModel ports.FeatureModelResolver, defaultConcurrency int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultConcurrency <= 0 {
		defaultConcurrency = 10
	}
	return &Executor{
		Store:              store,
		TaskManager:        tm,
		Predicates:         lib,
		PromptInvoker:      inv,
		FeatureModel:       featureModel,
		Logger:             logger,
		DefaultConcurrency: defaultConcurrency,
	}
}

type taskConfigOverride struct {
	MaxConcurrentItemsPerTask int `json:"max_concurrent_items_per_task"`
}

func (e *Executor) concurrencyFor(task models.ColumnTask) int {
	if len(task.Config) > 0 {
		var o taskConfigOverride
		if err := json.Unmarshal(task.Config, &o); err == nil && o.MaxConcurrentItemsPerTask > 0 {
			return o.MaxConcurrentItemsPerTask
		}
	}
	return e.DefaultConcurrency
}

// Run advances taskID to a terminal state: claims it as running, executes
// every pending TaskItem under a bounded semaphore, classifies the outcome
// through the task manager, and — if this is the pipeline's last column and
// nothing else is in flight for the Result — triggers result aggregation.
func (e *Executor) Run(ctx context.Context, taskID int64) error {
	task, err := e.Store.GetColumnTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := e.Store.UpdateColumnTaskStatus(ctx, taskID, models.TaskStatusRunning, ""); err != nil {
		return err
	}

	column, err := e.Store.GetColumn(ctx, task.ColumnID)
	if err != nil {
		return err
	}

	pipeline, err := e.Store.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return err
	}

	items, err := e.Store.ListPendingTaskItems(ctx, taskID)
	if err != nil {
		return err
	}

	completed, failed, anyRetryable, lastErrMsg := e.runItems(ctx, task, column, pipeline, items)

	status, err := e.TaskManager.FinishColumnTask(ctx, task, completed, failed, anyRetryable, lastErrMsg)
	if err != nil {
		return err
	}

	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		return nil
	}

	columns, err := e.Store.ListColumnsByPipeline(ctx, task.PipelineID)
	if err != nil {
		return err
	}
	if len(columns) == 0 || columns[len(columns)-1].ID != task.ColumnID {
		return nil
	}
	return e.TaskManager.MaybeFinishResult(ctx, task.ResultID, columns[len(columns)-1].ID)
}

// runItems dispatches items under a concurrency-bounded semaphore. It checks
// the task's live status between dispatches so a scheduler-driven cancel or
// pause between items stops further dispatch without aborting in-flight work.
func (e *Executor) runItems(ctx context.Context, task models.ColumnTask, column models.Column, pipeline models.Pipeline, items []models.TaskItem) (completed, failed int, anyRetryable bool, lastErrMsg string) {
	sem := make(chan struct{}, e.concurrencyFor(task))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, item := range items {
		current, err := e.Store.GetColumnTask(ctx, task.ID)
		if err != nil {
			e.Logger.Error("columnexec: checking task status between items", "error", err, "task_id", task.ID)
			break
		}
		if current.Status == models.TaskStatusCancelled || current.Status == models.TaskStatusPaused {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(item models.TaskItem) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, retryable, err := e.runItem(ctx, task, column, pipeline, item)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				completed++
				return
			}
			failed++
			if retryable {
				anyRetryable = true
			}
			if err != nil {
				lastErrMsg = err.Error()
			}
		}(item)
	}
	wg.Wait()
	return completed, failed, anyRetryable, lastErrMsg
}

func (e *Executor) runItem(ctx context.Context, task models.ColumnTask, column models.Column, pipeline models.Pipeline, item models.TaskItem) (bool, bool, error) {
	start := time.Now()

	cell, err := e.Store.GetCell(ctx, item.CellID)
	if err != nil {
		return false, false, err
	}

	prevCells, prevColumns, err := e.Store.PreviousData(ctx, task.ResultID, item.DatasetItemID, column.Position)
	if err != nil {
		return false, false, err
	}
	variables := mergePreviousData(prevCells, prevColumns)

	value, display, evalErr := e.evaluate(ctx, column, pipeline, variables)
	execMs := time.Since(start).Milliseconds()

	if evalErr != nil {
		e.failItem(ctx, item.ID, cell.ID, evalErr.Error(), execMs)
		return false, enginerr.Retryable(evalErr), evalErr
	}

	valueJSON := models.MarshalCellValue(value)
	if err := e.Store.UpdateCell(ctx, cell.ID, models.CellStatusCompleted, valueJSON, display, ""); err != nil {
		return false, false, err
	}
	if err := e.Store.UpdateTaskItem(ctx, item.ID, models.TaskItemStatusCompleted, valueJSON, "", execMs); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (e *Executor) failItem(ctx context.Context, itemID, cellID int64, errMsg string, execMs int64) {
	if err := e.Store.UpdateCell(ctx, cellID, models.CellStatusFailed, nil, "", errMsg); err != nil {
		e.Logger.Error("columnexec: updating cell to failed", "error", err, "cell_id", cellID)
	}
	if err := e.Store.UpdateTaskItem(ctx, itemID, models.TaskItemStatusFailed, nil, errMsg, execMs); err != nil {
		e.Logger.Error("columnexec: updating task item to failed", "error", err, "task_item_id", itemID)
	}
}

// evaluate dispatches a column's type to its handler: prompt_template goes
// through the invoker (never rate-limited here — only row-task execution
// rate-limits LLM calls), everything else through the predicate library.
func (e *Executor) evaluate(ctx context.Context, column models.Column, pipeline models.Pipeline, variables map[string]any) (any, string, error) {
	if column.Type == models.ColumnPromptTemplate {
		return e.invokePrompt(ctx, column, pipeline, variables)
	}

	cfg, err := models.ParseColumnConfig(column.Type, column.Config)
	if err != nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("columnexec: parsing config for column %q: %w", column.Name, err))
	}

	verdict, err := e.Predicates.Evaluate(ctx, cfg, variables)
	if err != nil {
		return nil, "", err
	}
	return cellValueFromVerdict(column.Type, verdict)
}

func (e *Executor) invokePrompt(ctx context.Context, column models.Column, pipeline models.Pipeline, variables map[string]any) (any, string, error) {
	if e.PromptInvoker == nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("columnexec: column %q needs a configured prompt invoker", column.Name))
	}
	cfg, err := models.ParseColumnConfig(column.Type, column.Config)
	if err != nil {
		return nil, "", enginerr.NewNonRetryable(fmt.Errorf("columnexec: parsing prompt_template config for column %q: %w", column.Name, err))
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
		Source:         "column_task",
	})
	if err != nil {
		return nil, "", err
	}
	return out.Text, out.Text, nil
}

// mergePreviousData implements the previous_data merge rule: a
// dataset_variable cell's whole variables map is merged; every other cell
// contributes a single {column.name: value} entry.
func mergePreviousData(cells []models.Cell, columns []models.Column) map[string]any {
	variables := make(map[string]any, len(cells))
	for i, cell := range cells {
		col := columns[i]
		raw, err := models.UnmarshalCellValue(cell.Value)
		if err != nil {
			continue
		}
		if col.Type == models.ColumnDatasetVariable {
			if m, ok := raw.(map[string]any); ok {
				for k, v := range m {
					variables[k] = v
				}
			}
			continue
		}
		variables[col.Name] = raw
	}
	return variables
}

// cellValueFromVerdict maps a predicate Verdict onto the value a Cell
// persists. The helper strategies (json_extraction, parse_value,
// static_value, coalesce, count) produce a value rather than a pass/fail
// judgement; everything else is a straight boolean predicate whose Cell
// value is the verdict itself.
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

// detailValue looks up a helper strategy's produced value in its Details.
// Its absence means the strategy couldn't produce one (e.g. an unresolved
// JSON path), which is a failed TaskItem rather than a zero-value Cell.
func detailValue(v predicates.Verdict, key string) (any, string, error) {
	val, ok := v.Details[key]
	if !ok {
		if msg, ok := v.Details["error"].(string); ok {
			return nil, "", fmt.Errorf("columnexec: %s", msg)
		}
		return nil, "", fmt.Errorf("columnexec: strategy produced no %s", key)
	}
	return val, fmt.Sprintf("%v", val), nil
}
