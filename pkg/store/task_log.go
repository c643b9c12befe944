package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

func appendTaskLog(ctx context.Context, db querier, l models.TaskLog) (int64, error) {
	details := []byte("{}")
	if len(l.Details) > 0 {
		details = l.Details
	}
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO task_logs (task_id, task_item_id, trace_id, level, message, details)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb) RETURNING id`,
		l.TaskID, l.TaskItemID, l.TraceID, string(l.Level), l.Message, details,
	).Scan(&id)
	return id, err
}

func listRecentTaskLogs(ctx context.Context, db querier, taskID int64, limit int) ([]models.TaskLog, error) {
	rows, err := db.Query(ctx,
		`SELECT id, task_id, task_item_id, trace_id, level, message, details, timestamp
		 FROM task_logs WHERE task_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskLog
	for rows.Next() {
		var l models.TaskLog
		var level string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TaskItemID, &l.TraceID, &level, &l.Message, &l.Details, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		out = append(out, l)
	}
	return out, rows.Err()
}

// lastLogTimestamp returns the most recent log activity for a task, used by
// the scheduler's timeout sweep to distinguish a genuinely stuck task from
// one that's merely slow but still emitting progress.
func lastLogTimestamp(ctx context.Context, db querier, taskID int64) (*time.Time, error) {
	var ts *time.Time
	err := db.QueryRow(ctx,
		`SELECT max(timestamp) FROM task_logs WHERE task_id = $1`, taskID,
	).Scan(&ts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ts, err
}

func purgeOldTaskLogs(ctx context.Context, db querier, before time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM task_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendTaskLog writes a new task log line.
func (s *Store) AppendTaskLog(ctx context.Context, l models.TaskLog) (int64, error) {
	return appendTaskLog(ctx, s.db(), l)
}

// ListRecentTaskLogs returns the most recent log lines for a task.
func (s *Store) ListRecentTaskLogs(ctx context.Context, taskID int64, limit int) ([]models.TaskLog, error) {
	return listRecentTaskLogs(ctx, s.db(), taskID, limit)
}

// LastLogTimestamp returns the most recent log activity timestamp for a task.
func (s *Store) LastLogTimestamp(ctx context.Context, taskID int64) (*time.Time, error) {
	return lastLogTimestamp(ctx, s.db(), taskID)
}

// PurgeOldLogs deletes task logs older than before, returning the row count
// removed. Called by the scheduler's periodic maintenance sweep.
func (s *Store) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	return purgeOldTaskLogs(ctx, s.db(), before)
}
