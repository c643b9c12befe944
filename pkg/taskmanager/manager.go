// Package taskmanager implements the transactional state-transition and
// result-aggregation logic shared by the column-task and row-task executors.
// It owns the single-flight invariant on task creation, the retry-delay
// table, and the "has this Result finished" decision.
package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store is the subset of pkg/store.Store the manager needs.
type Store interface {
	CreateColumnTask(ctx context.Context, t models.ColumnTask) (int64, error)
	GetColumnTask(ctx context.Context, id int64) (models.ColumnTask, error)
	CompleteColumnTask(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error
	UpdateColumnTaskStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error
	ScheduleColumnTaskRetry(ctx context.Context, id int64, at time.Time) error
	IncrementColumnTaskCounts(ctx context.Context, id int64, completedDelta, failedDelta int) error
	CountNonTerminalColumnTasks(ctx context.Context, resultID int64) (int, error)
	ResetNonTerminalTaskItems(ctx context.Context, taskID int64) error

	CreateRowTask(ctx context.Context, rt models.RowTask) (int64, error)
	CompleteRowTask(ctx context.Context, id int64, status models.RowTaskStatus, result *models.RowResult, variables map[string]any, execMs int64, errMsg string) error
	CountPendingRowTasks(ctx context.Context, resultID int64) (int, error)
	CountNonTerminalRowTasks(ctx context.Context, resultID int64) (int, error)

	GetResult(ctx context.Context, id int64) (models.Result, error)
	UpdateResultStatus(ctx context.Context, id int64, status models.ResultStatus) error
	RefreshRowModeCounts(ctx context.Context, resultID int64) error
	RefreshColumnModeCounts(ctx context.Context, resultID, lastColumnID int64) error
}

// Manager wires the task-manager's one dependency (persistence) and the
// configured retry-delay table.
type Manager struct {
	Store       Store
	RetryDelays []time.Duration
	Logger      *slog.Logger
}

// New builds a Manager. A nil or empty retryDelays falls back to a single
// zero-delay entry (immediate retry), and a nil logger uses slog.Default().
func New(store Store, retryDelays []time.Duration, logger *slog.Logger) *Manager {
	if len(retryDelays) == 0 {
		retryDelays = []time.Duration{0}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: store, RetryDelays: retryDelays, Logger: logger}
}

// NextRetryDelay returns the backoff for the (retriesDone+1)th attempt,
// clamped to the table's last entry once retriesDone exceeds its length.
func (m *Manager) NextRetryDelay(retriesDone int) time.Duration {
	if retriesDone < 0 {
		retriesDone = 0
	}
	if retriesDone >= len(m.RetryDelays) {
		return m.RetryDelays[len(m.RetryDelays)-1]
	}
	return m.RetryDelays[retriesDone]
}

// CreateColumnTask persists a new column task, translating a unique-
// constraint violation on (result_id, column_id) into enginerr.ErrAlreadyExists
// — the single-flight invariant enforced by uq_column_tasks_active_per_column.
func (m *Manager) CreateColumnTask(ctx context.Context, t models.ColumnTask) (int64, error) {
	id, err := m.Store.CreateColumnTask(ctx, t)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, enginerr.ErrAlreadyExists
		}
		return 0, err
	}
	return id, nil
}

// CreateRowTasksBulk creates one RowTask per dataset item for a result. The
// (result_id, dataset_item_id) unique constraint rejects a duplicate, which
// is skipped without error; the returned IDs cover only newly created tasks.
func (m *Manager) CreateRowTasksBulk(ctx context.Context, resultID int64, items []models.DatasetItem) ([]int64, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := m.Store.CreateRowTask(ctx, models.RowTask{
			ResultID:           resultID,
			DatasetItemID:      item.ID,
			ExecutionVariables: item.Variables,
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				continue
			}
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ScheduleColumnTaskRetry resets the task's failed TaskItems back to
// pending (bumping their retry_count) and computes next_retry_at from
// retriesDone before persisting the retrying transition. Without the
// reset, the executor would re-claim the task to an empty pending set and
// finish it having re-attempted nothing.
func (m *Manager) ScheduleColumnTaskRetry(ctx context.Context, taskID int64, retriesDone int) error {
	if err := m.Store.ResetNonTerminalTaskItems(ctx, taskID); err != nil {
		return err
	}
	at := time.Now().Add(m.NextRetryDelay(retriesDone))
	return m.Store.ScheduleColumnTaskRetry(ctx, taskID, at)
}

// FinishColumnTask applies the outcome classification for one executor pass
// over a batch of TaskItems: at least one completed item makes the task
// completed even with partial failures; otherwise a retryable failure
// schedules a retry (if budget remains) and anything else is terminal
// failure. Returns the status the task transitioned to.
func (m *Manager) FinishColumnTask(ctx context.Context, task models.ColumnTask, completedThisRound, failedThisRound int, anyRetryable bool, errMsg string) (models.TaskStatus, error) {
	if err := m.Store.IncrementColumnTaskCounts(ctx, task.ID, completedThisRound, failedThisRound); err != nil {
		return "", err
	}

	totalCompleted := task.CompletedItems + completedThisRound
	if totalCompleted >= 1 {
		if err := m.Store.CompleteColumnTask(ctx, task.ID, models.TaskStatusCompleted, ""); err != nil {
			return "", err
		}
		return models.TaskStatusCompleted, nil
	}

	if anyRetryable && task.RetriesDone < task.RetriesMax {
		if err := m.ScheduleColumnTaskRetry(ctx, task.ID, task.RetriesDone); err != nil {
			return "", err
		}
		return models.TaskStatusRetrying, nil
	}

	if err := m.Store.CompleteColumnTask(ctx, task.ID, models.TaskStatusFailed, errMsg); err != nil {
		return "", err
	}
	return models.TaskStatusFailed, nil
}

// MaybeFinishResult recomputes a Result's counts and, if nothing is left in
// flight, transitions it to completed. lastColumnID is ignored in row mode.
func (m *Manager) MaybeFinishResult(ctx context.Context, resultID, lastColumnID int64) error {
	result, err := m.Store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}

	switch result.Mode {
	case models.ModeRow:
		if err := m.Store.RefreshRowModeCounts(ctx, resultID); err != nil {
			return err
		}
		remaining, err := m.Store.CountNonTerminalRowTasks(ctx, resultID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return m.Store.UpdateResultStatus(ctx, resultID, models.ResultStatusCompleted)
		}
	default:
		if err := m.Store.RefreshColumnModeCounts(ctx, resultID, lastColumnID); err != nil {
			return err
		}
		remaining, err := m.Store.CountNonTerminalColumnTasks(ctx, resultID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return m.Store.UpdateResultStatus(ctx, resultID, models.ResultStatusCompleted)
		}
	}
	return nil
}

// CancelColumnTask transitions a column task to cancelled. Cancellation is
// cooperative: the executor checks task status between items.
func (m *Manager) CancelColumnTask(ctx context.Context, taskID int64) error {
	return m.Store.UpdateColumnTaskStatus(ctx, taskID, models.TaskStatusCancelled, "cancelled")
}

// PauseColumnTask transitions a column task to paused.
func (m *Manager) PauseColumnTask(ctx context.Context, taskID int64) error {
	return m.Store.UpdateColumnTaskStatus(ctx, taskID, models.TaskStatusPaused, "")
}

// ResumeColumnTask transitions a paused column task back to pending so the
// scheduler's dispatch-pending step can pick it up again. A paused task's
// TaskItems were never touched while paused, so nothing needs resetting.
func (m *Manager) ResumeColumnTask(ctx context.Context, taskID int64) error {
	return m.Store.UpdateColumnTaskStatus(ctx, taskID, models.TaskStatusPending, "")
}

// RetryColumnTask manually retries a failed or cancelled column task: its
// non-terminal TaskItems are reset to pending (bumping retry_count), then
// the task itself transitions back to pending for the scheduler to re-claim.
func (m *Manager) RetryColumnTask(ctx context.Context, taskID int64) error {
	if err := m.Store.ResetNonTerminalTaskItems(ctx, taskID); err != nil {
		return err
	}
	return m.Store.UpdateColumnTaskStatus(ctx, taskID, models.TaskStatusPending, "")
}
