package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

const taskItemColumns = `id, task_id, cell_id, dataset_item_id, status, retry_count, input_data, output_data, error_message, execution_time_ms`

func scanTaskItem(row pgx.Row) (models.TaskItem, error) {
	var ti models.TaskItem
	var status string
	err := row.Scan(&ti.ID, &ti.TaskID, &ti.CellID, &ti.DatasetItemID, &status, &ti.RetryCount,
		&ti.InputData, &ti.OutputData, &ti.ErrorMessage, &ti.ExecutionTimeMs)
	ti.Status = models.TaskItemStatus(status)
	return ti, err
}

func createTaskItem(ctx context.Context, db querier, ti models.TaskItem) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO task_items (task_id, cell_id, dataset_item_id, status)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ti.TaskID, ti.CellID, ti.DatasetItemID, string(orDefaultItem(ti.Status)),
	).Scan(&id)
	return id, err
}

func orDefaultItem(s models.TaskItemStatus) models.TaskItemStatus {
	if s == "" {
		return models.TaskItemStatusPending
	}
	return s
}

func listPendingTaskItems(ctx context.Context, db querier, taskID int64) ([]models.TaskItem, error) {
	rows, err := db.Query(ctx,
		`SELECT `+taskItemColumns+` FROM task_items WHERE task_id = $1 AND status = 'pending' ORDER BY id ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskItem
	for rows.Next() {
		ti, err := scanTaskItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func updateTaskItem(ctx context.Context, db querier, id int64, status models.TaskItemStatus, outputData []byte, errMsg string, execMs int64) error {
	_, err := db.Exec(ctx,
		`UPDATE task_items SET status = $2, output_data = $3::jsonb, error_message = $4, execution_time_ms = $5 WHERE id = $1`,
		id, string(status), nonEmptyJSONOrNull(outputData), errMsg, execMs)
	return err
}

// CreateTaskItem persists a new task item.
func (s *Store) CreateTaskItem(ctx context.Context, ti models.TaskItem) (int64, error) {
	return createTaskItem(ctx, s.db(), ti)
}

// ListPendingTaskItems returns the pending task items of a column task.
func (s *Store) ListPendingTaskItems(ctx context.Context, taskID int64) ([]models.TaskItem, error) {
	return listPendingTaskItems(ctx, s.db(), taskID)
}

// UpdateTaskItem writes a task item's terminal state.
func (s *Store) UpdateTaskItem(ctx context.Context, id int64, status models.TaskItemStatus, outputData []byte, errMsg string, execMs int64) error {
	return updateTaskItem(ctx, s.db(), id, status, outputData, errMsg, execMs)
}

// CreateTaskItem on a TxStore, for composite task-creation flows.
func (t *TxStore) CreateTaskItem(ctx context.Context, ti models.TaskItem) (int64, error) {
	return createTaskItem(ctx, t.db(), ti)
}

func resetNonTerminalTaskItems(ctx context.Context, db querier, taskID int64) error {
	_, err := db.Exec(ctx,
		`UPDATE task_items SET status = 'pending', retry_count = retry_count + 1
		 WHERE task_id = $1 AND status IN ('running', 'failed')`,
		taskID)
	return err
}

// ResetNonTerminalTaskItems resets a column task's running and failed
// TaskItems back to pending and bumps their retry_count, so a retried or
// reclaimed task re-attempts the items it didn't finish instead of the
// executor finding an empty pending set.
func (s *Store) ResetNonTerminalTaskItems(ctx context.Context, taskID int64) error {
	return resetNonTerminalTaskItems(ctx, s.db(), taskID)
}
