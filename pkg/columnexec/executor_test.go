package columnexec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/predicates"
	"github.com/promptforge/evalengine/pkg/taskmanager"
)

type fakeStore struct {
	tasks       map[int64]*models.ColumnTask
	taskItems   map[int64]*models.TaskItem
	cells       map[int64]*models.Cell
	columns     map[int64]*models.Column
	pipelines   map[int64]*models.Pipeline
	pipelineCol map[int64][]int64 // pipelineID -> column IDs in position order

	rowTasks map[int64]*models.RowTask
	results  map[int64]*models.Result
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       map[int64]*models.ColumnTask{},
		taskItems:   map[int64]*models.TaskItem{},
		cells:       map[int64]*models.Cell{},
		columns:     map[int64]*models.Column{},
		pipelines:   map[int64]*models.Pipeline{},
		pipelineCol: map[int64][]int64{},
		rowTasks:    map[int64]*models.RowTask{},
		results:     map[int64]*models.Result{},
	}
}

func (f *fakeStore) GetColumnTask(_ context.Context, id int64) (models.ColumnTask, error) {
	return *f.tasks[id], nil
}

func (f *fakeStore) UpdateColumnTaskStatus(_ context.Context, id int64, status models.TaskStatus, errMsg string) error {
	f.tasks[id].Status = status
	f.tasks[id].ErrorMessage = errMsg
	return nil
}

func (f *fakeStore) CompleteColumnTask(_ context.Context, id int64, status models.TaskStatus, errMsg string) error {
	f.tasks[id].Status = status
	f.tasks[id].ErrorMessage = errMsg
	return nil
}

func (f *fakeStore) ScheduleColumnTaskRetry(_ context.Context, id int64, _ time.Time) error {
	f.tasks[id].Status = models.TaskStatusRetrying
	return nil
}

func (f *fakeStore) IncrementColumnTaskCounts(_ context.Context, id int64, completedDelta, failedDelta int) error {
	f.tasks[id].CompletedItems += completedDelta
	f.tasks[id].FailedItems += failedDelta
	return nil
}

func (f *fakeStore) CountNonTerminalColumnTasks(_ context.Context, resultID int64) (int, error) {
	n := 0
	for _, t := range f.tasks {
		if t.ResultID == resultID && models.ActiveTaskStatuses[t.Status] {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListPendingTaskItems(_ context.Context, taskID int64) ([]models.TaskItem, error) {
	var out []models.TaskItem
	for _, ti := range f.taskItems {
		if ti.TaskID == taskID && ti.Status == models.TaskItemStatusPending {
			out = append(out, *ti)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTaskItem(_ context.Context, id int64, status models.TaskItemStatus, outputData []byte, errMsg string, execMs int64) error {
	ti := f.taskItems[id]
	ti.Status = status
	ti.OutputData = outputData
	ti.ErrorMessage = errMsg
	ti.ExecutionTimeMs = execMs
	return nil
}

func (f *fakeStore) GetCell(_ context.Context, id int64) (models.Cell, error) {
	return *f.cells[id], nil
}

func (f *fakeStore) UpdateCell(_ context.Context, id int64, status models.CellStatus, value []byte, displayValue, errMsg string) error {
	c := f.cells[id]
	c.Status = status
	c.Value = value
	c.DisplayValue = displayValue
	c.ErrorMessage = errMsg
	return nil
}

func (f *fakeStore) GetColumn(_ context.Context, id int64) (models.Column, error) {
	return *f.columns[id], nil
}

func (f *fakeStore) ListColumnsByPipeline(_ context.Context, pipelineID int64) ([]models.Column, error) {
	var out []models.Column
	for _, id := range f.pipelineCol[pipelineID] {
		out = append(out, *f.columns[id])
	}
	return out, nil
}

func (f *fakeStore) PreviousData(_ context.Context, resultID, datasetItemID int64, position int) ([]models.Cell, []models.Column, error) {
	var cells []models.Cell
	var cols []models.Column
	for _, cell := range f.cells {
		if cell.ResultID != resultID || cell.DatasetItemID != datasetItemID {
			continue
		}
		col := f.columns[cell.ColumnID]
		if col.Position >= position {
			continue
		}
		cells = append(cells, *cell)
		cols = append(cols, *col)
	}
	return cells, cols, nil
}

func (f *fakeStore) GetPipeline(_ context.Context, id int64) (models.Pipeline, error) {
	return *f.pipelines[id], nil
}

// The remaining methods round out fakeStore's implementation of
// taskmanager.Store; row-task and result bookkeeping aren't exercised by
// these tests beyond MaybeFinishResult's final status flip.
func (f *fakeStore) CreateColumnTask(context.Context, models.ColumnTask) (int64, error) { return 0, nil }
func (f *fakeStore) CreateRowTask(context.Context, models.RowTask) (int64, error)       { return 0, nil }
func (f *fakeStore) CompleteRowTask(context.Context, int64, models.RowTaskStatus, *models.RowResult, map[string]any, int64, string) error {
	return nil
}
func (f *fakeStore) CountPendingRowTasks(context.Context, int64) (int, error)    { return 0, nil }
func (f *fakeStore) CountNonTerminalRowTasks(context.Context, int64) (int, error) { return 0, nil }
func (f *fakeStore) GetResult(_ context.Context, id int64) (models.Result, error) {
	return *f.results[id], nil
}
func (f *fakeStore) UpdateResultStatus(_ context.Context, id int64, status models.ResultStatus) error {
	f.results[id].Status = status
	return nil
}
func (f *fakeStore) RefreshRowModeCounts(context.Context, int64) error             { return nil }
func (f *fakeStore) RefreshColumnModeCounts(context.Context, int64, int64) error   { return nil }

func (f *fakeStore) ResetNonTerminalTaskItems(_ context.Context, taskID int64) error {
	for _, ti := range f.taskItems {
		if ti.TaskID != taskID {
			continue
		}
		if ti.Status == models.TaskItemStatusRunning || ti.Status == models.TaskItemStatusFailed {
			ti.Status = models.TaskItemStatusPending
			ti.RetryCount++
		}
	}
	return nil
}

func setupExactPipeline(t *testing.T) (*fakeStore, *Executor) {
	t.Helper()
	fs := newFakeStore()
	fs.pipelines[1] = &models.Pipeline{ID: 1, ProjectID: 9}

	datasetVarCol := models.Column{ID: 10, PipelineID: 1, Name: "input", Type: models.ColumnDatasetVariable, Position: 0}
	outputCol := models.Column{ID: 11, PipelineID: 1, Name: "output", Type: models.ColumnExact, Position: 1}
	fs.columns[10] = &datasetVarCol
	fs.columns[11] = &outputCol
	fs.pipelineCol[1] = []int64{10, 11}

	cfg, err := json.Marshal(map[string]any{"reference_column": "output", "expected_column": "expected"})
	require.NoError(t, err)
	fs.columns[11].Config = cfg

	fs.cells[100] = &models.Cell{ID: 100, ResultID: 1, DatasetItemID: 1, ColumnID: 10, Status: models.CellStatusCompleted,
		Value: models.MarshalCellValue(map[string]any{"output": "hello", "expected": "hello"})}
	fs.cells[101] = &models.Cell{ID: 101, ResultID: 1, DatasetItemID: 1, ColumnID: 11, Status: models.CellStatusPending}

	fs.taskItems[1000] = &models.TaskItem{ID: 1000, TaskID: 1, CellID: 101, DatasetItemID: 1, Status: models.TaskItemStatusPending}

	fs.tasks[1] = &models.ColumnTask{ID: 1, PipelineID: 1, ResultID: 1, ColumnID: 11, Status: models.TaskStatusPending, RetriesMax: 3}
	fs.results[1] = &models.Result{ID: 1, Mode: models.ModeColumn, Status: models.ResultStatusRunning}

	lib := predicates.NewLibrary(nil, nil)
	tm := taskmanager.New(fs, nil, nil)
	ex := New(fs, tm, lib, nil, nil, 4, nil)
	return fs, ex
}

func TestRunCompletesTaskOnExactMatch(t *testing.T) {
	fs, ex := setupExactPipeline(t)

	err := ex.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, fs.tasks[1].Status)
	assert.Equal(t, models.TaskItemStatusCompleted, fs.taskItems[1000].Status)
	assert.Equal(t, models.CellStatusCompleted, fs.cells[101].Status)

	value, err := models.UnmarshalCellValue(fs.cells[101].Value)
	require.NoError(t, err)
	assert.Equal(t, true, value)

	assert.Equal(t, models.ResultStatusCompleted, fs.results[1].Status)
}

func TestRunCompletesTaskWhenPredicateDoesNotMatch(t *testing.T) {
	fs, ex := setupExactPipeline(t)
	fs.cells[100].Value = models.MarshalCellValue(map[string]any{"output": "hello", "expected": "world"})

	err := ex.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, fs.tasks[1].Status)
	value, err := models.UnmarshalCellValue(fs.cells[101].Value)
	require.NoError(t, err)
	assert.Equal(t, false, value)
}

func TestRunHonoursMaxConcurrencyOverride(t *testing.T) {
	fs, ex := setupExactPipeline(t)
	fs.tasks[1].Config = []byte(`{"max_concurrent_items_per_task": 1}`)

	assert.Equal(t, 1, ex.concurrencyFor(*fs.tasks[1]))
}

func TestMergePreviousDataMergesDatasetVariableWhole(t *testing.T) {
	cells := []models.Cell{
		{ColumnID: 1, Value: models.MarshalCellValue(map[string]any{"a": "1", "b": "2"})},
		{ColumnID: 2, Value: models.MarshalCellValue("ok")},
	}
	columns := []models.Column{
		{ID: 1, Type: models.ColumnDatasetVariable},
		{ID: 2, Type: models.ColumnExact, Name: "check"},
	}

	vars := mergePreviousData(cells, columns)
	assert.Equal(t, "1", vars["a"])
	assert.Equal(t, "2", vars["b"])
	assert.Equal(t, "ok", vars["check"])
}
