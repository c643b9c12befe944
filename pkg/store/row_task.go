package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

const rowTaskColumns = `id, result_id, dataset_item_id, status, row_result, current_column_position,
	execution_variables, execution_time_ms, error_message, started_at, completed_at`

func scanRowTask(row pgx.Row) (models.RowTask, error) {
	var rt models.RowTask
	var status string
	var rowResult *string
	var variables []byte
	err := row.Scan(&rt.ID, &rt.ResultID, &rt.DatasetItemID, &status, &rowResult, &rt.CurrentColumnPosition,
		&variables, &rt.ExecutionTimeMs, &rt.ErrorMessage, &rt.StartedAt, &rt.CompletedAt)
	if err != nil {
		return models.RowTask{}, err
	}
	rt.Status = models.RowTaskStatus(status)
	if rowResult != nil {
		rr := models.RowResult(*rowResult)
		rt.RowResult = &rr
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &rt.ExecutionVariables); err != nil {
			return models.RowTask{}, err
		}
	}
	return rt, nil
}

func createRowTask(ctx context.Context, db querier, rt models.RowTask) (int64, error) {
	vars, err := marshalJSON(rt.ExecutionVariables)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.QueryRow(ctx,
		`INSERT INTO row_tasks (result_id, dataset_item_id, status, execution_variables)
		 VALUES ($1, $2, $3, $4::jsonb) RETURNING id`,
		rt.ResultID, rt.DatasetItemID, string(orRowDefault(rt.Status)), vars,
	).Scan(&id)
	return id, err
}

func orRowDefault(s models.RowTaskStatus) models.RowTaskStatus {
	if s == "" {
		return models.RowTaskStatusPending
	}
	return s
}

// claimRowTaskBatch marks up to limit pending RowTasks of a Result as
// running in one transaction, returning the claimed set.
func claimRowTaskBatch(ctx context.Context, tx pgx.Tx, resultID int64, limit int) ([]models.RowTask, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+rowTaskColumns+` FROM row_tasks
		 WHERE result_id = $1 AND status = 'pending'
		 ORDER BY id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		resultID, limit)
	if err != nil {
		return nil, err
	}

	var claimed []models.RowTask
	for rows.Next() {
		rt, err := scanRowTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, enginerr.ErrNotFound
	}

	now := time.Now()
	ids := make([]int64, len(claimed))
	for i, rt := range claimed {
		ids[i] = rt.ID
	}
	_, err = tx.Exec(ctx,
		`UPDATE row_tasks SET status = 'running', started_at = $2 WHERE id = ANY($1)`,
		ids, now)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Status = models.RowTaskStatusRunning
		claimed[i].StartedAt = &now
	}
	return claimed, nil
}

func updateRowTaskProgress(ctx context.Context, db querier, id int64, position int, variables map[string]any) error {
	vars, err := marshalJSON(variables)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`UPDATE row_tasks SET current_column_position = $2, execution_variables = $3::jsonb WHERE id = $1`,
		id, position, vars)
	return err
}

func completeRowTask(ctx context.Context, db querier, id int64, status models.RowTaskStatus, result *models.RowResult, variables map[string]any, execMs int64, errMsg string) error {
	vars, err := marshalJSON(variables)
	if err != nil {
		return err
	}
	var resultStr *string
	if result != nil {
		s := string(*result)
		resultStr = &s
	}
	_, err = db.Exec(ctx,
		`UPDATE row_tasks SET status = $2, row_result = $3, execution_variables = $4::jsonb,
			execution_time_ms = $5, error_message = $6, completed_at = now() WHERE id = $1`,
		id, string(status), resultStr, vars, execMs, errMsg)
	return err
}

func getOrCreateRowCell(ctx context.Context, db querier, resultID, datasetItemID, columnID int64) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO cells (result_id, dataset_item_id, column_id, status)
		 VALUES ($1, $2, $3, 'pending')
		 ON CONFLICT (result_id, dataset_item_id, column_id) DO UPDATE SET status = cells.status
		 RETURNING id`,
		resultID, datasetItemID, columnID,
	).Scan(&id)
	return id, err
}

func countPendingRowTasks(ctx context.Context, db querier, resultID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM row_tasks WHERE result_id = $1 AND status = 'pending'`, resultID).Scan(&n)
	return n, err
}

func countNonTerminalRowTasks(ctx context.Context, db querier, resultID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM row_tasks WHERE result_id = $1 AND status IN ('pending', 'running')`, resultID).Scan(&n)
	return n, err
}

// CreateRowTask persists a new row task.
func (s *Store) CreateRowTask(ctx context.Context, rt models.RowTask) (int64, error) {
	return createRowTask(ctx, s.db(), rt)
}

// ClaimRowTaskBatch atomically claims up to limit pending row tasks of a
// result and marks them running.
func (s *Store) ClaimRowTaskBatch(ctx context.Context, resultID int64, limit int) ([]models.RowTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	claimed, err := claimRowTaskBatch(ctx, tx, resultID, limit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateRowTaskProgress persists current_column_position and the
// accumulated execution_variables for an in-flight row task.
func (s *Store) UpdateRowTaskProgress(ctx context.Context, id int64, position int, variables map[string]any) error {
	return updateRowTaskProgress(ctx, s.db(), id, position, variables)
}

// CompleteRowTask writes a row task's terminal state.
func (s *Store) CompleteRowTask(ctx context.Context, id int64, status models.RowTaskStatus, result *models.RowResult, variables map[string]any, execMs int64, errMsg string) error {
	return completeRowTask(ctx, s.db(), id, status, result, variables, execMs, errMsg)
}

// GetOrCreateCell returns the ID of the (result, dataset_item, column) cell,
// creating it as pending if it doesn't exist yet.
func (s *Store) GetOrCreateCell(ctx context.Context, resultID, datasetItemID, columnID int64) (int64, error) {
	return getOrCreateRowCell(ctx, s.db(), resultID, datasetItemID, columnID)
}

// CountPendingRowTasks reports how many row tasks of a result are still pending.
func (s *Store) CountPendingRowTasks(ctx context.Context, resultID int64) (int, error) {
	return countPendingRowTasks(ctx, s.db(), resultID)
}

// CountNonTerminalRowTasks reports how many row tasks of a result are still
// pending or running — used to decide whether a Result has finished.
func (s *Store) CountNonTerminalRowTasks(ctx context.Context, resultID int64) (int, error) {
	return countNonTerminalRowTasks(ctx, s.db(), resultID)
}

// CreateRowTask on a TxStore, for composite Result-creation flows.
func (t *TxStore) CreateRowTask(ctx context.Context, rt models.RowTask) (int64, error) {
	return createRowTask(ctx, t.db(), rt)
}
