package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/evalengine/pkg/config"
	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

type fakeStore struct {
	pending        []models.ColumnTask
	stuck          []models.ColumnTask
	lastLogs       map[int64]*time.Time
	completed      map[int64]models.TaskStatus
	completedErr   map[int64]string
	retried        map[int64]bool
	itemsReset     map[int64]bool
	purgedBefore   time.Time
	purgeCallCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lastLogs:     map[int64]*time.Time{},
		completed:    map[int64]models.TaskStatus{},
		completedErr: map[int64]string{},
		retried:      map[int64]bool{},
		itemsReset:   map[int64]bool{},
	}
}

func (f *fakeStore) ResetNonTerminalTaskItems(_ context.Context, taskID int64) error {
	f.itemsReset[taskID] = true
	return nil
}

func (f *fakeStore) ClaimNextColumnTask(context.Context) (models.ColumnTask, error) {
	if len(f.pending) == 0 {
		return models.ColumnTask{}, enginerr.ErrNotFound
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return t, nil
}

func (f *fakeStore) ListStuckColumnTasks(context.Context, time.Time) ([]models.ColumnTask, error) {
	return f.stuck, nil
}

func (f *fakeStore) LastLogTimestamp(_ context.Context, taskID int64) (*time.Time, error) {
	return f.lastLogs[taskID], nil
}

func (f *fakeStore) CompleteColumnTask(_ context.Context, id int64, status models.TaskStatus, errMsg string) error {
	f.completed[id] = status
	f.completedErr[id] = errMsg
	return nil
}

func (f *fakeStore) ScheduleColumnTaskRetry(_ context.Context, id int64, _ time.Time) error {
	f.retried[id] = true
	return nil
}

func (f *fakeStore) PurgeOldLogs(_ context.Context, before time.Time) (int64, error) {
	f.purgeCallCount++
	f.purgedBefore = before
	return 3, nil
}

func (f *fakeStore) PurgeCompletedColumnTasks(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeColumnExecutor struct {
	ran []int64
	err error
}

func (f *fakeColumnExecutor) Run(_ context.Context, taskID int64) error {
	f.ran = append(f.ran, taskID)
	return f.err
}

type fakeRowExecutor struct {
	calls     []int64
	remaining int
}

func (f *fakeRowExecutor) RunBatch(_ context.Context, resultID int64, _ int) (int, error) {
	f.calls = append(f.calls, resultID)
	return f.remaining, nil
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrentTasks:       2,
		TaskTimeoutMinutes:       10,
		StuckLogWindow:           5 * time.Minute,
		SchedulerIntervalSeconds: 1,
	}
}

func TestPollAndRunColumnTaskDispatchesClaimedTask(t *testing.T) {
	fs := newFakeStore()
	fs.pending = []models.ColumnTask{{ID: 42}}
	exec := &fakeColumnExecutor{}
	s := New(fs, exec, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.pollAndRunColumnTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, exec.ran)
}

func TestPollAndRunColumnTaskReturnsNoTasksAvailable(t *testing.T) {
	fs := newFakeStore()
	exec := &fakeColumnExecutor{}
	s := New(fs, exec, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.pollAndRunColumnTask(context.Background())
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
}

func TestPollAndRunColumnTaskRespectsPause(t *testing.T) {
	fs := newFakeStore()
	fs.pending = []models.ColumnTask{{ID: 1}}
	exec := &fakeColumnExecutor{}
	s := New(fs, exec, nil, testConfig(), config.RetentionConfig{}, nil)
	s.Pause()

	err := s.pollAndRunColumnTask(context.Background())
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Empty(t, exec.ran)
}

func TestSweepTimeoutsFailsTaskAtRetryBudget(t *testing.T) {
	fs := newFakeStore()
	fs.stuck = []models.ColumnTask{{ID: 7, RetriesDone: 3, RetriesMax: 3}}
	s := New(fs, &fakeColumnExecutor{}, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.sweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, fs.completed[7])
	assert.False(t, fs.retried[7])
}

func TestSweepTimeoutsRetriesTaskWithBudgetRemaining(t *testing.T) {
	fs := newFakeStore()
	fs.stuck = []models.ColumnTask{{ID: 8, RetriesDone: 1, RetriesMax: 3}}
	s := New(fs, &fakeColumnExecutor{}, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.sweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.True(t, fs.retried[8])
	assert.True(t, fs.itemsReset[8])
	_, completed := fs.completed[8]
	assert.False(t, completed)
}

func TestSweepTimeoutsFailsTaskAtRetryBudgetUsesTimeoutMessage(t *testing.T) {
	fs := newFakeStore()
	fs.stuck = []models.ColumnTask{{ID: 7, RetriesDone: 3, RetriesMax: 3}}
	s := New(fs, &fakeColumnExecutor{}, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.sweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, fs.completed[7])
	assert.False(t, fs.itemsReset[7])
	assert.Contains(t, fs.completedErr[7], "任务执行超时")
}

func TestSweepTimeoutsSkipsTaskWithRecentLogActivity(t *testing.T) {
	fs := newFakeStore()
	fs.stuck = []models.ColumnTask{{ID: 9, RetriesDone: 0, RetriesMax: 3}}
	recent := time.Now().Add(-time.Minute)
	fs.lastLogs[9] = &recent
	s := New(fs, &fakeColumnExecutor{}, nil, testConfig(), config.RetentionConfig{}, nil)

	err := s.sweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.False(t, fs.retried[9])
	_, completed := fs.completed[9]
	assert.False(t, completed)
}

func TestDrainOneRowBatchRequeuesWhileTasksRemain(t *testing.T) {
	fs := newFakeStore()
	rows := &fakeRowExecutor{remaining: 2}
	s := New(fs, &fakeColumnExecutor{}, rows, testConfig(), config.RetentionConfig{}, nil)

	s.ScheduleRowBatch(55)
	drained := s.drainOneRowBatch(context.Background())
	require.True(t, drained)
	assert.Equal(t, []int64{55}, rows.calls)

	_, stillQueued := s.rowQueue[55]
	assert.True(t, stillQueued)
}

func TestDrainOneRowBatchDropsWhenBatchExhausted(t *testing.T) {
	fs := newFakeStore()
	rows := &fakeRowExecutor{remaining: 0}
	s := New(fs, &fakeColumnExecutor{}, rows, testConfig(), config.RetentionConfig{}, nil)

	s.ScheduleRowBatch(56)
	drained := s.drainOneRowBatch(context.Background())
	require.True(t, drained)

	_, stillQueued := s.rowQueue[56]
	assert.False(t, stillQueued)
}

func TestDrainOneRowBatchReturnsFalseWhenQueueEmpty(t *testing.T) {
	fs := newFakeStore()
	rows := &fakeRowExecutor{}
	s := New(fs, &fakeColumnExecutor{}, rows, testConfig(), config.RetentionConfig{}, nil)

	assert.False(t, s.drainOneRowBatch(context.Background()))
}

func TestStatusSnapshotReportsPausedAndQueueDepth(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, &fakeColumnExecutor{}, nil, testConfig(), config.RetentionConfig{}, nil)
	s.ScheduleRowBatch(1)
	s.ScheduleRowBatch(2)
	s.Pause()

	status := s.StatusSnapshot()
	assert.True(t, status.Paused)
	assert.Equal(t, 2, status.RowBatchQueued)
}
