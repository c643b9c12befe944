package lifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
	"github.com/promptforge/evalengine/pkg/store"
)

type fakeStore struct {
	pipelines map[int64]models.Pipeline
	columns   map[int64][]models.Column
	items     map[int64][]models.DatasetItem
	results   map[int64]models.Result

	nextResultID, nextTaskID, nextCellID, nextItemID, nextRowTaskID int64

	createdCells     []models.Cell
	createdColTasks  []models.ColumnTask
	createdTaskItems []models.TaskItem
	createdRowTasks  []models.RowTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pipelines: map[int64]models.Pipeline{},
		columns:   map[int64][]models.Column{},
		items:     map[int64][]models.DatasetItem{},
		results:   map[int64]models.Result{},
	}
}

func (f *fakeStore) GetPipeline(_ context.Context, id int64) (models.Pipeline, error) {
	return f.pipelines[id], nil
}

func (f *fakeStore) ListColumnsByPipeline(_ context.Context, pipelineID int64) ([]models.Column, error) {
	return f.columns[pipelineID], nil
}

func (f *fakeStore) ListDatasetItems(_ context.Context, datasetID int64, _ bool) ([]models.DatasetItem, error) {
	return f.items[datasetID], nil
}

func (f *fakeStore) GetResult(_ context.Context, id int64) (models.Result, error) {
	return f.results[id], nil
}

// WithTx fakes pkg/store's transactional wrapper using a real *store.TxStore
// shell is impossible without a live pgx.Tx, so the fake instead drives a
// fakeTxStore through the same call sequence CreateResult/AppendColumn/
// SwapDataset issue, recording every write for assertions.
func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx *store.TxStore) error) error {
	panic("unused: tests call the unexported helpers directly via fakeTxStore")
}

type fakeTxStore struct {
	s *fakeStore
}

func (t *fakeTxStore) CreateResult(_ context.Context, r models.Result) (int64, error) {
	t.s.nextResultID++
	r.ID = t.s.nextResultID
	t.s.results[r.ID] = r
	return r.ID, nil
}

func (t *fakeTxStore) CreateRowTask(_ context.Context, rt models.RowTask) (int64, error) {
	t.s.nextRowTaskID++
	rt.ID = t.s.nextRowTaskID
	t.s.createdRowTasks = append(t.s.createdRowTasks, rt)
	return rt.ID, nil
}

func (t *fakeTxStore) CreateColumnTask(_ context.Context, task models.ColumnTask) (int64, error) {
	t.s.nextTaskID++
	task.ID = t.s.nextTaskID
	t.s.createdColTasks = append(t.s.createdColTasks, task)
	return task.ID, nil
}

func (t *fakeTxStore) CreateCell(_ context.Context, c models.Cell) (int64, error) {
	t.s.nextCellID++
	c.ID = t.s.nextCellID
	t.s.createdCells = append(t.s.createdCells, c)
	return c.ID, nil
}

func (t *fakeTxStore) CreateTaskItem(_ context.Context, ti models.TaskItem) (int64, error) {
	t.s.nextItemID++
	ti.ID = t.s.nextItemID
	t.s.createdTaskItems = append(t.s.createdTaskItems, ti)
	return ti.ID, nil
}

type fakeRenderer struct {
	versions map[int64]ports.PromptVersion
}

func (f *fakeRenderer) RenderPromptVersion(_ context.Context, promptID int64) (ports.PromptVersion, error) {
	return f.versions[promptID], nil
}

type fakeRowScheduler struct {
	scheduled []int64
}

func (f *fakeRowScheduler) ScheduleRowBatch(resultID int64) {
	f.scheduled = append(f.scheduled, resultID)
}

func mustConfig(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func columnModeFixture(t *testing.T) (*fakeStore, models.Pipeline) {
	t.Helper()
	fs := newFakeStore()
	pipeline := models.Pipeline{ID: 1, DatasetID: 10}
	fs.pipelines[1] = pipeline
	fs.columns[1] = []models.Column{
		{ID: 100, PipelineID: 1, Name: "input", Type: models.ColumnDatasetVariable, Position: 0},
		{ID: 101, PipelineID: 1, Name: "matches", Type: models.ColumnExact, Position: 1, Config: mustConfig(t, models.ExactConfig{
			ReferenceColumn: "output", ExpectedColumn: "expected",
		})},
	}
	fs.items[10] = []models.DatasetItem{
		{ID: 1000, DatasetID: 10, Variables: map[string]any{"output": "x"}, Enabled: true},
		{ID: 1001, DatasetID: 10, Variables: map[string]any{"output": "y"}, Enabled: true},
	}
	return fs, pipeline
}

// runTx drives a Lifecycle operation's transaction body directly against a
// fakeTxStore, bypassing Store.WithTx (which requires a live pgx.Tx).
func runTx(fs *fakeStore, body func(ctx context.Context, tx *fakeTxStore) error) error {
	return body(context.Background(), &fakeTxStore{s: fs})
}

func TestCreateResultColumnModeMaterializesCellsAndTasks(t *testing.T) {
	fs, _ := columnModeFixture(t)

	var resultID int64
	err := runTx(fs, func(ctx context.Context, tx *fakeTxStore) error {
		id, err := tx.CreateResult(ctx, models.Result{PipelineID: 1, Mode: models.ModeColumn, RunType: models.RunTypeStaging, Status: models.ResultStatusRunning, Total: 2})
		require.NoError(t, err)
		resultID = id

		columns := fs.columns[1]
		items := fs.items[10]
		require.NoError(t, materializeStaticCells(ctx, tx, id, items, columns))
		return createColumnTasks(ctx, tx, id, items, columns, 3)
	})
	require.NoError(t, err)

	assert.Len(t, fs.createdColTasks, 1)
	assert.Equal(t, int64(101), fs.createdColTasks[0].ColumnID)
	assert.Equal(t, 2, fs.createdColTasks[0].TotalItems)
	assert.Equal(t, 3, fs.createdColTasks[0].RetriesMax)

	// one dataset_variable cell + one predicate cell per item = 4 cells
	assert.Len(t, fs.createdCells, 4)
	assert.Len(t, fs.createdTaskItems, 2)

	var staticCell models.Cell
	for _, c := range fs.createdCells {
		if c.ColumnID == 100 {
			staticCell = c
		}
	}
	require.NotZero(t, staticCell.ID)
	assert.Equal(t, models.CellStatusCompleted, staticCell.Status)
	value, err := models.UnmarshalCellValue(staticCell.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": "x"}, value)

	assert.Equal(t, resultID, fs.createdCells[0].ResultID)
}

func TestCreateResultRowModeCreatesOneRowTaskPerItem(t *testing.T) {
	fs, _ := columnModeFixture(t)

	err := runTx(fs, func(ctx context.Context, tx *fakeTxStore) error {
		id, err := tx.CreateResult(ctx, models.Result{PipelineID: 1, Mode: models.ModeRow, RunType: models.RunTypeRelease, Status: models.ResultStatusRunning, Total: 2})
		require.NoError(t, err)

		columns := fs.columns[1]
		items := fs.items[10]
		require.NoError(t, materializeStaticCells(ctx, tx, id, items, columns))
		return createRowTasks(ctx, tx, id, items)
	})
	require.NoError(t, err)

	assert.Len(t, fs.createdRowTasks, 2)
	assert.Empty(t, fs.createdColTasks)
	// static dataset_variable cells still get materialised up front in row mode
	assert.Len(t, fs.createdCells, 2)
}

func TestSnapshotPromptVersionsResolvesEachDistinctPrompt(t *testing.T) {
	fs := newFakeStore()
	pipeline := models.Pipeline{ID: 2, DatasetID: 20}
	fs.pipelines[2] = pipeline
	fs.columns[2] = []models.Column{
		{ID: 200, PipelineID: 2, Name: "gen", Type: models.ColumnPromptTemplate, Position: 0, Config: mustConfig(t, models.PromptTemplateConfig{PromptID: 7})},
		{ID: 201, PipelineID: 2, Name: "gen2", Type: models.ColumnPromptTemplate, Position: 1, Config: mustConfig(t, models.PromptTemplateConfig{PromptID: 7})},
	}
	renderer := &fakeRenderer{versions: map[int64]ports.PromptVersion{
		7: {VersionID: 555, VersionNumber: 3},
	}}
	l := New(fs, renderer, nil, 3)

	snapshot, err := l.snapshotPromptVersions(context.Background(), fs.columns[2])
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.PromptVersionRef{VersionID: 555, VersionNumber: 3}, snapshot["7"])
}

func TestSnapshotPromptVersionsEmptyWithoutRenderer(t *testing.T) {
	fs, _ := columnModeFixture(t)
	l := New(fs, nil, nil, 3)

	snapshot, err := l.snapshotPromptVersions(context.Background(), fs.columns[1])
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestMaterializeStaticCellsSkipsNonStaticColumns(t *testing.T) {
	fs, _ := columnModeFixture(t)
	err := runTx(fs, func(ctx context.Context, tx *fakeTxStore) error {
		return materializeStaticCells(ctx, tx, 1, fs.items[10], fs.columns[1])
	})
	require.NoError(t, err)
	for _, c := range fs.createdCells {
		assert.Equal(t, int64(100), c.ColumnID)
	}
}

func TestCreateResultRejectsEmptyDataset(t *testing.T) {
	fs, _ := columnModeFixture(t)
	fs.items[10] = nil
	l := New(fs, nil, nil, 3)

	_, err := l.CreateResult(context.Background(), CreateResultInput{PipelineID: 1, DatasetID: 10, Mode: models.ModeColumn})
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Empty(t, fs.results)
}

func TestCreateResultRejectsZeroNonStaticColumns(t *testing.T) {
	fs, _ := columnModeFixture(t)
	fs.columns[1] = []models.Column{
		{ID: 100, PipelineID: 1, Name: "input", Type: models.ColumnDatasetVariable, Position: 0},
		{ID: 102, PipelineID: 1, Name: "human", Type: models.ColumnHumanInput, Position: 1},
	}
	l := New(fs, nil, nil, 3)

	_, err := l.CreateResult(context.Background(), CreateResultInput{PipelineID: 1, DatasetID: 10, Mode: models.ModeColumn})
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
}

func TestCreateResultRejectsNonBooleanLastColumn(t *testing.T) {
	fs, _ := columnModeFixture(t)
	fs.columns[1] = []models.Column{
		{ID: 100, PipelineID: 1, Name: "input", Type: models.ColumnDatasetVariable, Position: 0},
		{ID: 103, PipelineID: 1, Name: "count", Type: models.ColumnPromptTemplate, Position: 1, Config: mustConfig(t, models.PromptTemplateConfig{PromptID: 1})},
	}
	l := New(fs, nil, nil, 3)

	_, err := l.CreateResult(context.Background(), CreateResultInput{PipelineID: 1, DatasetID: 10, Mode: models.ModeColumn})
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
}

func TestAppendColumnRejectsNonStagingResult(t *testing.T) {
	fs, _ := columnModeFixture(t)
	fs.results[9] = models.Result{ID: 9, PipelineID: 1, RunType: models.RunTypeRelease}
	l := New(fs, nil, nil, 3)

	err := l.AppendColumn(context.Background(), 9, models.Column{Type: models.ColumnExact})
	assert.Error(t, err)
}

func TestFakeRowSchedulerRecordsScheduledResult(t *testing.T) {
	rows := &fakeRowScheduler{}
	assert.Empty(t, rows.scheduled)
	rows.ScheduleRowBatch(42)
	assert.Equal(t, []int64{42}, rows.scheduled)
}
