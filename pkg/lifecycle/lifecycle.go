// Package lifecycle implements Result creation and the staging-Result
// mutation operations: materialising a Pipeline's Columns and a Dataset's
// items into RowTasks or ColumnTasks/Cells/TaskItems, and re-syncing a
// staging Result after its dataset or column set changes.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
	"github.com/promptforge/evalengine/pkg/store"
)

// TxStore is the transaction-scoped subset of pkg/store.TxStore used to
// build a Result's RowTasks or ColumnTasks/Cells/TaskItems atomically.
// It is an alias, not a narrower interface: Store.WithTx's callback
// signature is fixed by pkg/store and must match exactly.
type TxStore = *store.TxStore

// Store is the subset of pkg/store.Store the lifecycle layer needs.
type Store interface {
	GetPipeline(ctx context.Context, id int64) (models.Pipeline, error)
	ListColumnsByPipeline(ctx context.Context, pipelineID int64) ([]models.Column, error)
	ListDatasetItems(ctx context.Context, datasetID int64, includeDisabled bool) ([]models.DatasetItem, error)
	GetResult(ctx context.Context, id int64) (models.Result, error)

	WithTx(ctx context.Context, fn func(ctx context.Context, tx *store.TxStore) error) error
}

// RowBatchScheduler is notified after a row-mode Result gets new RowTasks,
// so the scheduler can dispatch the first batch without waiting a tick.
type RowBatchScheduler interface {
	ScheduleRowBatch(resultID int64)
}

// Lifecycle wires Result creation and staging mutation.
type Lifecycle struct {
	Store    Store
	Renderer ports.PromptRenderer
	Rows     RowBatchScheduler

	// DefaultRetriesMax seeds every created ColumnTask's retry budget.
	DefaultRetriesMax int
}

// New builds a Lifecycle. Renderer may be nil for pipelines that never use
// a prompt_template column (the Result's prompt_versions_snapshot is then
// left empty). Rows may be nil if nothing schedules row batches eagerly.
func New(store Store, renderer ports.PromptRenderer, rows RowBatchScheduler, defaultRetriesMax int) *Lifecycle {
	if defaultRetriesMax <= 0 {
		defaultRetriesMax = 3
	}
	return &Lifecycle{Store: store, Renderer: renderer, Rows: rows, DefaultRetriesMax: defaultRetriesMax}
}

// CreateResultInput is what CreateResult needs to materialise a new Result.
type CreateResultInput struct {
	PipelineID      int64
	RunType         models.RunType
	Mode            models.ExecutionMode
	DatasetID       int64
	IncludeDisabled bool
}

// CreateResult loads the Pipeline's Columns and the Dataset's items, then
// materialises either RowTasks (row mode) or ColumnTasks/Cells/TaskItems
// (column mode) for every non-static Column, all inside one transaction. It
// returns the created Result.
func (l *Lifecycle) CreateResult(ctx context.Context, in CreateResultInput) (models.Result, error) {
	pipeline, err := l.Store.GetPipeline(ctx, in.PipelineID)
	if err != nil {
		return models.Result{}, err
	}
	columns, err := l.Store.ListColumnsByPipeline(ctx, pipeline.ID)
	if err != nil {
		return models.Result{}, err
	}
	items, err := l.Store.ListDatasetItems(ctx, in.DatasetID, in.IncludeDisabled)
	if err != nil {
		return models.Result{}, err
	}

	if len(items) == 0 {
		return models.Result{}, enginerr.NewValidationError("dataset", "dataset empty")
	}
	if err := validateColumnsForCreation(columns); err != nil {
		return models.Result{}, err
	}

	snapshot, err := l.snapshotPromptVersions(ctx, columns)
	if err != nil {
		return models.Result{}, err
	}

	var resultID int64
	err = l.Store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		id, err := tx.CreateResult(ctx, models.Result{
			PipelineID:             in.PipelineID,
			RunType:                in.RunType,
			Mode:                   in.Mode,
			Status:                 models.ResultStatusRunning,
			Total:                  len(items),
			PromptVersionsSnapshot: snapshot,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: creating result: %w", err)
		}
		resultID = id

		if err := materializeStaticCells(ctx, tx, id, items, columns); err != nil {
			return err
		}

		switch in.Mode {
		case models.ModeRow:
			return createRowTasks(ctx, tx, id, items)
		default:
			return createColumnTasks(ctx, tx, id, items, columns, l.DefaultRetriesMax)
		}
	})
	if err != nil {
		return models.Result{}, err
	}

	if in.Mode == models.ModeRow && l.Rows != nil {
		l.Rows.ScheduleRowBatch(resultID)
	}

	return l.Store.GetResult(ctx, resultID)
}

// validateColumnsForCreation enforces the two Result-creation invariants
// that depend only on the pipeline's column set: at least one non-static
// column (otherwise nothing ever produces a verdict), and a boolean-
// producing last column by position (it defines the row verdict).
func validateColumnsForCreation(columns []models.Column) error {
	nonStatic := 0
	for _, col := range columns {
		if !models.StaticColumnTypes[col.Type] {
			nonStatic++
		}
	}
	if nonStatic == 0 {
		return enginerr.NewValidationError("columns", "no evaluation columns")
	}
	last := columns[len(columns)-1]
	if !models.BooleanColumnTypes[last.Type] {
		return enginerr.NewValidationError("columns", fmt.Sprintf("last column %q must be a boolean-producing predicate", last.Name))
	}
	return nil
}

func (l *Lifecycle) snapshotPromptVersions(ctx context.Context, columns []models.Column) (map[string]models.PromptVersionRef, error) {
	snapshot := map[string]models.PromptVersionRef{}
	if l.Renderer == nil {
		return snapshot, nil
	}
	for _, col := range columns {
		if col.Type != models.ColumnPromptTemplate {
			continue
		}
		cfg, err := models.ParseColumnConfig(col.Type, col.Config)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: parsing prompt_template config for column %q: %w", col.Name, err)
		}
		key := fmt.Sprintf("%d", cfg.PromptTemplate.PromptID)
		if _, ok := snapshot[key]; ok {
			continue
		}
		version, err := l.Renderer.RenderPromptVersion(ctx, cfg.PromptTemplate.PromptID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: resolving prompt version for prompt %d: %w", cfg.PromptTemplate.PromptID, err)
		}
		snapshot[key] = models.PromptVersionRef{VersionID: version.VersionID, VersionNumber: version.VersionNumber}
	}
	return snapshot, nil
}

// materializeStaticCells writes the dataset_variable and human_input cells
// directly at creation time: they never get a ColumnTask of their own.
func materializeStaticCells(ctx context.Context, tx TxStore, resultID int64, items []models.DatasetItem, columns []models.Column) error {
	for _, col := range columns {
		if !models.StaticColumnTypes[col.Type] {
			continue
		}
		for _, item := range items {
			switch col.Type {
			case models.ColumnDatasetVariable:
				value := models.MarshalCellValue(item.Variables)
				if _, err := tx.CreateCell(ctx, models.Cell{
					ResultID: resultID, DatasetItemID: item.ID, ColumnID: col.ID,
					Status: models.CellStatusCompleted, Value: value, DisplayValue: "",
				}); err != nil {
					return fmt.Errorf("lifecycle: materialising dataset_variable cell: %w", err)
				}
			case models.ColumnHumanInput:
				if _, err := tx.CreateCell(ctx, models.Cell{
					ResultID: resultID, DatasetItemID: item.ID, ColumnID: col.ID,
					Status: models.CellStatusNew,
				}); err != nil {
					return fmt.Errorf("lifecycle: materialising human_input cell: %w", err)
				}
			}
		}
	}
	return nil
}

func createRowTasks(ctx context.Context, tx TxStore, resultID int64, items []models.DatasetItem) error {
	for _, item := range items {
		if _, err := tx.CreateRowTask(ctx, models.RowTask{ResultID: resultID, DatasetItemID: item.ID}); err != nil {
			return fmt.Errorf("lifecycle: creating row task: %w", err)
		}
	}
	return nil
}

func createColumnTasks(ctx context.Context, tx TxStore, resultID int64, items []models.DatasetItem, columns []models.Column, retriesMax int) error {
	for _, col := range columns {
		if models.StaticColumnTypes[col.Type] {
			continue
		}
		taskID, err := tx.CreateColumnTask(ctx, models.ColumnTask{
			PipelineID: col.PipelineID,
			ResultID:   resultID,
			ColumnID:   col.ID,
			RetriesMax: retriesMax,
			TotalItems: len(items),
		})
		if err != nil {
			return fmt.Errorf("lifecycle: creating column task for column %q: %w", col.Name, err)
		}

		for _, item := range items {
			cellID, err := tx.CreateCell(ctx, models.Cell{
				ResultID: resultID, DatasetItemID: item.ID, ColumnID: col.ID, Status: models.CellStatusPending,
			})
			if err != nil {
				return fmt.Errorf("lifecycle: creating cell for column %q: %w", col.Name, err)
			}
			if _, err := tx.CreateTaskItem(ctx, models.TaskItem{
				TaskID: taskID, CellID: cellID, DatasetItemID: item.ID,
			}); err != nil {
				return fmt.Errorf("lifecycle: creating task item for column %q: %w", col.Name, err)
			}
		}
	}
	return nil
}

// AppendColumn adds a new Column to a staging Result's pipeline: it
// materialises the Column's Cells (and ColumnTask, if non-static) against
// every DatasetItem the Result already covers, without touching existing
// Columns. A Result that is not in RunTypeStaging, or that runs in row
// mode, is rejected with a ValidationError.
func (l *Lifecycle) AppendColumn(ctx context.Context, resultID int64, column models.Column) error {
	result, err := l.Store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}
	if result.RunType != models.RunTypeStaging {
		return enginerr.NewValidationError("result", fmt.Sprintf("AppendColumn requires a staging result, got %q", result.RunType))
	}
	if result.Mode == models.ModeRow {
		return enginerr.NewValidationError("result", "AppendColumn does not support row-mode results")
	}

	pipeline, err := l.Store.GetPipeline(ctx, result.PipelineID)
	if err != nil {
		return err
	}
	items, err := l.Store.ListDatasetItems(ctx, pipeline.DatasetID, false)
	if err != nil {
		return err
	}

	return l.Store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if models.StaticColumnTypes[column.Type] {
			return materializeStaticCells(ctx, tx, resultID, items, []models.Column{column})
		}
		return createColumnTasks(ctx, tx, resultID, items, []models.Column{column}, l.DefaultRetriesMax)
	})
}

// SwapDataset re-syncs a staging Result after its pipeline's dataset
// selection changes: every DatasetItem not yet represented in the Result
// gets its Cells/RowTasks/ColumnTasks created, following the same
// materialisation rules as CreateResult. Existing items are left untouched;
// items removed from the dataset keep their already-computed Cells, since
// pkg/store exposes no cascading delete for partially-executed work.
func (l *Lifecycle) SwapDataset(ctx context.Context, resultID, newDatasetID int64, existingItemIDs map[int64]bool) error {
	result, err := l.Store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}
	if result.RunType != models.RunTypeStaging {
		return fmt.Errorf("lifecycle: SwapDataset requires a staging result, got %q", result.RunType)
	}

	pipeline, err := l.Store.GetPipeline(ctx, result.PipelineID)
	if err != nil {
		return err
	}
	columns, err := l.Store.ListColumnsByPipeline(ctx, pipeline.ID)
	if err != nil {
		return err
	}
	allItems, err := l.Store.ListDatasetItems(ctx, newDatasetID, false)
	if err != nil {
		return err
	}

	var fresh []models.DatasetItem
	for _, item := range allItems {
		if !existingItemIDs[item.ID] {
			fresh = append(fresh, item)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	return l.Store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := materializeStaticCells(ctx, tx, resultID, fresh, columns); err != nil {
			return err
		}
		if result.Mode == models.ModeRow {
			if err := createRowTasks(ctx, tx, resultID, fresh); err != nil {
				return err
			}
			if l.Rows != nil {
				l.Rows.ScheduleRowBatch(resultID)
			}
			return nil
		}
		return createColumnTasks(ctx, tx, resultID, fresh, columns, l.DefaultRetriesMax)
	})
}
