package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

const columnTaskColumns = `id, pipeline_id, result_id, column_id, status, priority, retries_done, retries_max,
	total_items, completed_items, failed_items, error_message, started_at, completed_at, next_retry_at,
	config, created_at, updated_at`

func scanColumnTask(row pgx.Row) (models.ColumnTask, error) {
	var t models.ColumnTask
	var status string
	err := row.Scan(
		&t.ID, &t.PipelineID, &t.ResultID, &t.ColumnID, &status, &t.Priority, &t.RetriesDone, &t.RetriesMax,
		&t.TotalItems, &t.CompletedItems, &t.FailedItems, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.NextRetryAt,
		&t.Config, &t.CreatedAt, &t.UpdatedAt,
	)
	t.Status = models.TaskStatus(status)
	return t, err
}

func createColumnTask(ctx context.Context, db querier, t models.ColumnTask) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO column_tasks (pipeline_id, result_id, column_id, status, priority, retries_max, total_items, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb) RETURNING id`,
		t.PipelineID, t.ResultID, t.ColumnID, string(orTaskDefault(t.Status)), t.Priority, t.RetriesMax, t.TotalItems, configOrEmpty(t.Config),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func orTaskDefault(s models.TaskStatus) models.TaskStatus {
	if s == "" {
		return models.TaskStatusPending
	}
	return s
}

func getColumnTask(ctx context.Context, db querier, id int64) (models.ColumnTask, error) {
	row := db.QueryRow(ctx, `SELECT `+columnTaskColumns+` FROM column_tasks WHERE id = $1`, id)
	t, err := scanColumnTask(row)
	if err != nil {
		return models.ColumnTask{}, wrapNotFound("column_task", id, err)
	}
	return t, nil
}

// claimNextColumnTask atomically claims the next pending-or-retry-due
// column task with FOR UPDATE SKIP LOCKED, the single-flight claim pattern
// the scheduler's dispatch loop needs. The candidate set is restricted to
// at most one in-flight task per result_id (via ROW_NUMBER partitioned by
// result_id, and excluding results with an already-running task), so
// columns of the same Result always dispatch in position order instead of
// racing: a later column's predicate may read an earlier column's cell as
// previous_data, and that data must already be complete when it runs.
func claimNextColumnTask(ctx context.Context, tx pgx.Tx) (models.ColumnTask, error) {
	row := tx.QueryRow(ctx,
		`WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (
				PARTITION BY result_id ORDER BY priority DESC, created_at ASC
			) AS rn
			FROM column_tasks ct
			WHERE (status = 'pending' OR (status = 'retrying' AND next_retry_at <= now()))
			  AND NOT EXISTS (
				SELECT 1 FROM column_tasks running
				WHERE running.result_id = ct.result_id AND running.status = 'running'
			  )
		 )
		 SELECT `+columnTaskColumns+` FROM column_tasks
		 WHERE id IN (SELECT id FROM ranked WHERE rn = 1)
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`)
	t, err := scanColumnTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.ColumnTask{}, enginerr.ErrNotFound
		}
		return models.ColumnTask{}, err
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE column_tasks SET status = 'running', started_at = $2, updated_at = $2 WHERE id = $1`,
		t.ID, now)
	if err != nil {
		return models.ColumnTask{}, err
	}
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	return t, nil
}

func updateColumnTaskStatus(ctx context.Context, db querier, id int64, status models.TaskStatus, errMsg string) error {
	_, err := db.Exec(ctx,
		`UPDATE column_tasks SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
	return err
}

func completeColumnTask(ctx context.Context, db querier, id int64, status models.TaskStatus, errMsg string) error {
	_, err := db.Exec(ctx,
		`UPDATE column_tasks SET status = $2, error_message = $3, completed_at = now(), updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
	return err
}

func scheduleColumnTaskRetry(ctx context.Context, db querier, id int64, at time.Time) error {
	_, err := db.Exec(ctx,
		`UPDATE column_tasks SET status = 'retrying', retries_done = retries_done + 1, next_retry_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
	return err
}

func incrementColumnTaskCounts(ctx context.Context, db querier, id int64, completedDelta, failedDelta int) error {
	_, err := db.Exec(ctx,
		`UPDATE column_tasks SET completed_items = completed_items + $2, failed_items = failed_items + $3, updated_at = now() WHERE id = $1`,
		id, completedDelta, failedDelta)
	return err
}

func countNonTerminalColumnTasks(ctx context.Context, db querier, resultID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM column_tasks WHERE result_id = $1 AND status IN ('pending', 'running', 'retrying', 'paused')`,
		resultID).Scan(&n)
	return n, err
}

func listStuckColumnTasks(ctx context.Context, db querier, staleSince time.Time) ([]models.ColumnTask, error) {
	rows, err := db.Query(ctx,
		`SELECT `+columnTaskColumns+` FROM column_tasks
		 WHERE status = 'running' AND started_at IS NOT NULL AND started_at < $1`,
		staleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ColumnTask
	for rows.Next() {
		t, err := scanColumnTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateColumnTask persists a new column task.
func (s *Store) CreateColumnTask(ctx context.Context, t models.ColumnTask) (int64, error) {
	return createColumnTask(ctx, s.db(), t)
}

// GetColumnTask loads a column task by ID.
func (s *Store) GetColumnTask(ctx context.Context, id int64) (models.ColumnTask, error) {
	return getColumnTask(ctx, s.db(), id)
}

// ClaimNextColumnTask atomically claims and marks running the next eligible
// column task, or returns enginerr.ErrNotFound if none are eligible.
func (s *Store) ClaimNextColumnTask(ctx context.Context) (models.ColumnTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.ColumnTask{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := claimNextColumnTask(ctx, tx)
	if err != nil {
		return models.ColumnTask{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ColumnTask{}, err
	}
	return t, nil
}

// CompleteColumnTask writes a terminal status for a column task.
func (s *Store) CompleteColumnTask(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error {
	return completeColumnTask(ctx, s.db(), id, status, errMsg)
}

// UpdateColumnTaskStatus writes a non-terminal status transition (e.g. cancelled, paused).
func (s *Store) UpdateColumnTaskStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error {
	return updateColumnTaskStatus(ctx, s.db(), id, status, errMsg)
}

// ScheduleColumnTaskRetry flips a column task to retrying with its next
// attempt timestamp and bumps retries_done.
func (s *Store) ScheduleColumnTaskRetry(ctx context.Context, id int64, at time.Time) error {
	return scheduleColumnTaskRetry(ctx, s.db(), id, at)
}

// IncrementColumnTaskCounts adds to a column task's completed/failed item counters.
func (s *Store) IncrementColumnTaskCounts(ctx context.Context, id int64, completedDelta, failedDelta int) error {
	return incrementColumnTaskCounts(ctx, s.db(), id, completedDelta, failedDelta)
}

// CountNonTerminalColumnTasks reports how many column tasks of a result are
// still pending/running/retrying/paused — used to decide whether to
// trigger result-level aggregation.
func (s *Store) CountNonTerminalColumnTasks(ctx context.Context, resultID int64) (int, error) {
	return countNonTerminalColumnTasks(ctx, s.db(), resultID)
}

// ListStuckColumnTasks returns running column tasks whose started_at
// predates staleSince — the scheduler's timeout-sweep candidate set.
func (s *Store) ListStuckColumnTasks(ctx context.Context, staleSince time.Time) ([]models.ColumnTask, error) {
	return listStuckColumnTasks(ctx, s.db(), staleSince)
}

// CreateColumnTask on a TxStore, for composite column-mode Result creation
// that inserts a Result alongside its ColumnTasks/Cells/TaskItems in one
// transaction.
func (t *TxStore) CreateColumnTask(ctx context.Context, task models.ColumnTask) (int64, error) {
	return createColumnTask(ctx, t.db(), task)
}

func purgeCompletedColumnTasks(ctx context.Context, db querier, before time.Time) (int64, error) {
	tag, err := db.Exec(ctx,
		`DELETE FROM column_tasks WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`,
		before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeCompletedColumnTasks deletes terminal column tasks that completed
// before the given time, returning the row count removed. Called by the
// scheduler's periodic maintenance sweep alongside PurgeOldLogs.
func (s *Store) PurgeCompletedColumnTasks(ctx context.Context, before time.Time) (int64, error) {
	return purgeCompletedColumnTasks(ctx, s.db(), before)
}
