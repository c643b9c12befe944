package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAllAcceptsDefaults(t *testing.T) {
	err := NewValidator(DefaultConfig()).ValidateAll()
	require.NoError(t, err)
}

func TestValidateSchedulerRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SchedulerConfig)
		wantErr string
	}{
		{
			name:    "zero max_concurrent_tasks",
			mutate:  func(s *SchedulerConfig) { s.MaxConcurrentTasks = 0 },
			wantErr: "max_concurrent_tasks",
		},
		{
			name:    "zero max_concurrent_items_per_task",
			mutate:  func(s *SchedulerConfig) { s.MaxConcurrentItemsPerTask = 0 },
			wantErr: "max_concurrent_items_per_task",
		},
		{
			name:    "zero task_timeout_minutes",
			mutate:  func(s *SchedulerConfig) { s.TaskTimeoutMinutes = 0 },
			wantErr: "task_timeout_minutes",
		},
		{
			name:    "non-positive stuck_log_window",
			mutate:  func(s *SchedulerConfig) { s.StuckLogWindow = 0 },
			wantErr: "stuck_log_window",
		},
		{
			name:    "empty retry_delays",
			mutate:  func(s *SchedulerConfig) { s.RetryDelays = nil },
			wantErr: "retry_delays",
		},
		{
			name: "negative retry_delays entry",
			mutate: func(s *SchedulerConfig) {
				s.RetryDelays[1] = -1
			},
			wantErr: "retry_delays",
		},
		{
			name:    "zero scheduler_interval_seconds",
			mutate:  func(s *SchedulerConfig) { s.SchedulerIntervalSeconds = 0 },
			wantErr: "scheduler_interval_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg.Scheduler)

			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "scheduler", ve.Section)
		})
	}
}

func TestValidateRateLimitRejectsNegative(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.QPS = -1
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_rate_qps")

	cfg = DefaultConfig()
	cfg.RateLimit.QPM = -1
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_rate_qpm")
}

func TestValidateRateLimitAcceptsZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.QPS = 0
	cfg.RateLimit.QPM = 0
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateRetentionRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetentionConfig)
		wantErr string
	}{
		{
			name:    "negative cleanup_completed_tasks_days",
			mutate:  func(r *RetentionConfig) { r.CleanupCompletedTasksDays = -1 },
			wantErr: "cleanup_completed_tasks_days",
		},
		{
			name:    "negative log_retention_days",
			mutate:  func(r *RetentionConfig) { r.LogRetentionDays = -1 },
			wantErr: "log_retention_days",
		},
		{
			name:    "non-positive sweep_interval",
			mutate:  func(r *RetentionConfig) { r.SweepInterval = 0 },
			wantErr: "sweep_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg.Retention)

			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxConcurrentTasks = -5

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scheduler", ve.Section)
	assert.Equal(t, "max_concurrent_tasks", ve.Field)
	assert.NotNil(t, ve.Unwrap())
}
