package taskmanager

import "context"

// ColumnTaskProgress reports a single column task's completion percentage.
type ColumnTaskProgress struct {
	TaskID         int64
	TotalItems     int
	CompletedItems int
	FailedItems    int
	PercentDone    float64
}

// ColumnTaskProgress computes a column task's completed/failed/total counts
// and derived percentage.
func (m *Manager) ColumnTaskProgress(ctx context.Context, taskID int64) (ColumnTaskProgress, error) {
	task, err := m.Store.GetColumnTask(ctx, taskID)
	if err != nil {
		return ColumnTaskProgress{}, err
	}
	done := task.CompletedItems + task.FailedItems
	return ColumnTaskProgress{
		TaskID:         task.ID,
		TotalItems:     task.TotalItems,
		CompletedItems: task.CompletedItems,
		FailedItems:    task.FailedItems,
		PercentDone:    percent(done, task.TotalItems),
	}, nil
}

// ResultProgress reports a result's overall terminal/pending counts, derived
// from the row/cell totals the task manager keeps in sync via
// RefreshRowModeCounts and RefreshColumnModeCounts.
type ResultProgress struct {
	ResultID    int64
	Pending     int
	Completed   int
	Failed      int
	PercentDone float64
}

// ResultProgress computes a result's pending/completed/failed counts and
// derived percentage from its cached totals.
func (m *Manager) ResultProgress(ctx context.Context, resultID int64) (ResultProgress, error) {
	result, err := m.Store.GetResult(ctx, resultID)
	if err != nil {
		return ResultProgress{}, err
	}

	total := result.Total
	terminal := result.Passed + result.Unpassed + result.Failed
	return ResultProgress{
		ResultID:    result.ID,
		Completed:   result.Passed + result.Unpassed,
		Failed:      result.Failed,
		Pending:     total - terminal,
		PercentDone: percent(terminal, total),
	}, nil
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
