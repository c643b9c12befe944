// Package scheduler implements the engine's unified background loop: a pool
// of column-task workers polling for claimable work, a timeout sweep that
// reclaims tasks stuck without recent progress, a maintenance sweep that
// purges old logs, and startup orphan recovery for tasks left running by a
// crashed process. It mirrors a queue worker pool, generalised from one
// poll loop over a single job type to three independent sweeps sharing one
// tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptforge/evalengine/pkg/config"
	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
)

// Sentinel errors a worker's poll loop branches on to decide how long to
// back off before its next attempt.
var (
	ErrNoTasksAvailable = errors.New("scheduler: no tasks available")
	ErrAtCapacity       = errors.New("scheduler: max concurrent tasks reached")
)

// Store is the subset of pkg/store.Store the scheduler needs.
type Store interface {
	ClaimNextColumnTask(ctx context.Context) (models.ColumnTask, error)
	ListStuckColumnTasks(ctx context.Context, staleSince time.Time) ([]models.ColumnTask, error)
	LastLogTimestamp(ctx context.Context, taskID int64) (*time.Time, error)
	CompleteColumnTask(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error
	ScheduleColumnTaskRetry(ctx context.Context, id int64, at time.Time) error
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)
	PurgeCompletedColumnTasks(ctx context.Context, before time.Time) (int64, error)
	ResetNonTerminalTaskItems(ctx context.Context, taskID int64) error
}

// ColumnExecutor runs one column task to a terminal state.
type ColumnExecutor interface {
	Run(ctx context.Context, taskID int64) error
}

// RowBatchExecutor runs one batch of row tasks for a Result.
type RowBatchExecutor interface {
	RunBatch(ctx context.Context, resultID int64, batchSize int) (int, error)
}

// Status reports the scheduler's current operating state.
type Status struct {
	Running        bool
	Paused         bool
	WorkerCount    int
	ActiveTasks    []int64
	RowBatchQueued int
}

// Scheduler owns the background dispatch loop for column tasks and row-task
// batches, plus the timeout and maintenance sweeps.
type Scheduler struct {
	store    Store
	columns  ColumnExecutor
	rows     RowBatchExecutor
	cfg      config.SchedulerConfig
	retain   config.RetentionConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	paused      bool
	started     bool
	activeTasks map[int64]bool

	rowQueueMu sync.Mutex
	rowQueue   map[int64]bool
}

// New builds a Scheduler. rows may be nil for an engine that never runs
// row-mode Results.
func New(store Store, columns ColumnExecutor, rows RowBatchExecutor, cfg config.SchedulerConfig, retain config.RetentionConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       store,
		columns:     columns,
		rows:        rows,
		cfg:         cfg,
		retain:      retain,
		logger:      logger,
		stopCh:      make(chan struct{}),
		activeTasks: make(map[int64]bool),
		rowQueue:    make(map[int64]bool),
	}
}

// Start spawns the column-task worker pool and the sweep loops. Safe to
// call once; subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.OrphanRecoveryOnStartup {
		if err := s.sweepTimeouts(ctx); err != nil {
			s.logger.Error("scheduler: startup orphan recovery failed", "error", err)
		}
	}

	workers := s.cfg.MaxConcurrentTasks
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runColumnWorker(ctx, i)
	}

	s.wg.Add(1)
	go s.runRowBatchWorker(ctx)

	s.wg.Add(1)
	go s.runTimeoutSweep(ctx)

	if s.retain.SweepInterval > 0 {
		s.wg.Add(1)
		go s.runMaintenanceSweep(ctx)
	}

	s.logger.Info("scheduler: started", "workers", workers)
	return nil
}

// Stop signals every loop to stop and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

// Pause stops new task dispatch without interrupting tasks already running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables task dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// ScheduleRowBatch registers resultID for row-batch dispatch on the next
// tick, or immediately if a worker is free. Called by the lifecycle layer
// right after a row-mode Result's RowTasks are created, so the first batch
// doesn't wait a full tick period.
func (s *Scheduler) ScheduleRowBatch(resultID int64) {
	s.rowQueueMu.Lock()
	s.rowQueue[resultID] = true
	s.rowQueueMu.Unlock()
}

// StatusSnapshot reports the scheduler's current state for health/status APIs.
func (s *Scheduler) StatusSnapshot() Status {
	s.mu.Lock()
	paused := s.paused
	active := make([]int64, 0, len(s.activeTasks))
	for id := range s.activeTasks {
		active = append(active, id)
	}
	s.mu.Unlock()

	s.rowQueueMu.Lock()
	queued := len(s.rowQueue)
	s.rowQueueMu.Unlock()

	return Status{
		Running:        s.started,
		Paused:         paused,
		WorkerCount:    s.cfg.MaxConcurrentTasks,
		ActiveTasks:    active,
		RowBatchQueued: queued,
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) markActive(id int64) {
	s.mu.Lock()
	s.activeTasks[id] = true
	s.mu.Unlock()
}

func (s *Scheduler) markDone(id int64) {
	s.mu.Lock()
	delete(s.activeTasks, id)
	s.mu.Unlock()
}

// runColumnWorker repeatedly claims and runs the next eligible column task.
func (s *Scheduler) runColumnWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With("worker", id)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := s.pollAndRunColumnTask(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					s.sleep(s.tickInterval())
					continue
				}
				log.Error("scheduler: column task worker error", "error", err)
				s.sleep(time.Second)
			}
		}
	}
}

func (s *Scheduler) pollAndRunColumnTask(ctx context.Context) error {
	if s.isPaused() {
		return ErrAtCapacity
	}

	task, err := s.store.ClaimNextColumnTask(ctx)
	if err != nil {
		if err == enginerr.ErrNotFound {
			return ErrNoTasksAvailable
		}
		return err
	}

	s.markActive(task.ID)
	defer s.markDone(task.ID)

	if err := s.columns.Run(ctx, task.ID); err != nil {
		s.logger.Error("scheduler: column task run failed", "task_id", task.ID, "error", err)
		return nil
	}
	return nil
}

// runRowBatchWorker drains the row-batch queue, dispatching a batch per
// registered Result and re-queuing it while row tasks remain pending.
func (s *Scheduler) runRowBatchWorker(ctx context.Context) {
	defer s.wg.Done()
	if s.rows == nil {
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if s.isPaused() {
				s.sleep(s.tickInterval())
				continue
			}
			if !s.drainOneRowBatch(ctx) {
				s.sleep(s.tickInterval())
			}
		}
	}
}

func (s *Scheduler) drainOneRowBatch(ctx context.Context) bool {
	resultID, ok := s.popRowQueue()
	if !ok {
		return false
	}

	batchSize := s.cfg.MaxConcurrentTasks
	if batchSize <= 0 {
		batchSize = 1
	}
	n, err := s.rows.RunBatch(ctx, resultID, batchSize)
	if err != nil {
		s.logger.Error("scheduler: row batch dispatch failed", "result_id", resultID, "error", err)
		return true
	}
	if n > 0 {
		s.ScheduleRowBatch(resultID)
	}
	return true
}

func (s *Scheduler) popRowQueue() (int64, bool) {
	s.rowQueueMu.Lock()
	defer s.rowQueueMu.Unlock()
	for id := range s.rowQueue {
		delete(s.rowQueue, id)
		return id, true
	}
	return 0, false
}

// runTimeoutSweep periodically reclaims column tasks stuck running without
// recent log activity.
func (s *Scheduler) runTimeoutSweep(ctx context.Context) {
	defer s.wg.Done()

	interval := s.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepTimeouts(ctx); err != nil {
				s.logger.Error("scheduler: timeout sweep failed", "error", err)
			}
		}
	}
}

// sweepTimeouts reclaims every running column task whose started_at predates
// the configured timeout and whose most recent log line is also stale,
// distinguishing a genuinely stuck task from one that's merely slow but
// still emitting progress. A reclaimed task is failed if it has exhausted
// its retry budget, otherwise scheduled for immediate retry.
func (s *Scheduler) sweepTimeouts(ctx context.Context) error {
	timeout := time.Duration(s.cfg.TaskTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		return nil
	}
	staleSince := time.Now().Add(-timeout)

	stuck, err := s.store.ListStuckColumnTasks(ctx, staleSince)
	if err != nil {
		return fmt.Errorf("scheduler: listing stuck column tasks: %w", err)
	}

	for _, task := range stuck {
		lastLog, err := s.store.LastLogTimestamp(ctx, task.ID)
		if err != nil {
			s.logger.Error("scheduler: checking last log timestamp", "task_id", task.ID, "error", err)
			continue
		}
		if lastLog != nil && lastLog.After(time.Now().Add(-s.cfg.StuckLogWindow)) {
			continue
		}
		s.reclaimStuckTask(ctx, task)
	}
	return nil
}

func (s *Scheduler) reclaimStuckTask(ctx context.Context, task models.ColumnTask) {
	errMsg := fmt.Sprintf("任务执行超时（超过 %d 分钟）", s.cfg.TaskTimeoutMinutes)

	if task.RetriesDone >= task.RetriesMax {
		if err := s.store.CompleteColumnTask(ctx, task.ID, models.TaskStatusFailed, errMsg); err != nil {
			s.logger.Error("scheduler: failing stuck task", "task_id", task.ID, "error", err)
		}
		return
	}
	// The crashed run may have left a TaskItem running; reset it (and any
	// failed item) to pending before the task re-enters the claim queue, or
	// the re-claimed pass finds nothing pending and finishes having
	// re-attempted nothing.
	if err := s.store.ResetNonTerminalTaskItems(ctx, task.ID); err != nil {
		s.logger.Error("scheduler: resetting stuck task items", "task_id", task.ID, "error", err)
		return
	}
	if err := s.store.ScheduleColumnTaskRetry(ctx, task.ID, time.Now()); err != nil {
		s.logger.Error("scheduler: rescheduling stuck task", "task_id", task.ID, "error", err)
	}
}

// runMaintenanceSweep periodically purges task logs and terminal column
// tasks older than their configured retention horizons.
func (s *Scheduler) runMaintenanceSweep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retain.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			logsBefore := time.Now().AddDate(0, 0, -s.retain.LogRetentionDays)
			if n, err := s.store.PurgeOldLogs(ctx, logsBefore); err != nil {
				s.logger.Error("scheduler: maintenance sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("scheduler: purged old task logs", "count", n)
			}

			tasksBefore := time.Now().AddDate(0, 0, -s.retain.CleanupCompletedTasksDays)
			if n, err := s.store.PurgeCompletedColumnTasks(ctx, tasksBefore); err != nil {
				s.logger.Error("scheduler: maintenance sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("scheduler: purged completed column tasks", "count", n)
			}
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.cfg.SchedulerIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(s.cfg.SchedulerIntervalSeconds) * time.Second
}

func (s *Scheduler) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}
