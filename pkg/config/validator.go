package config

import "fmt"

// Validator validates a loaded Config comprehensively, failing fast on the
// first invalid field.
type Validator struct {
	cfg *Config
}

// NewValidator builds a Validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll checks the scheduler, rate-limit and retention sections in turn.
func (v *Validator) ValidateAll() error {
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}
	if err := v.validateRateLimit(); err != nil {
		return fmt.Errorf("rate_limit validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.MaxConcurrentTasks < 1 {
		return NewValidationError("scheduler", "max_concurrent_tasks", fmt.Errorf("must be at least 1, got %d", s.MaxConcurrentTasks))
	}
	if s.MaxConcurrentItemsPerTask < 1 {
		return NewValidationError("scheduler", "max_concurrent_items_per_task", fmt.Errorf("must be at least 1, got %d", s.MaxConcurrentItemsPerTask))
	}
	if s.TaskTimeoutMinutes < 1 {
		return NewValidationError("scheduler", "task_timeout_minutes", fmt.Errorf("must be at least 1, got %d", s.TaskTimeoutMinutes))
	}
	if s.StuckLogWindow <= 0 {
		return NewValidationError("scheduler", "stuck_log_window", fmt.Errorf("must be positive"))
	}
	if len(s.RetryDelays) == 0 {
		return NewValidationError("scheduler", "retry_delays", fmt.Errorf("must have at least one entry"))
	}
	for i, d := range s.RetryDelays {
		if d < 0 {
			return NewValidationError("scheduler", "retry_delays", fmt.Errorf("entry %d is negative: %v", i, d))
		}
	}
	if s.SchedulerIntervalSeconds < 1 {
		return NewValidationError("scheduler", "scheduler_interval_seconds", fmt.Errorf("must be at least 1, got %d", s.SchedulerIntervalSeconds))
	}
	return nil
}

func (v *Validator) validateRateLimit() error {
	r := v.cfg.RateLimit
	if r.QPS < 0 {
		return NewValidationError("rate_limit", "llm_rate_qps", fmt.Errorf("must be non-negative, got %v", r.QPS))
	}
	if r.QPM < 0 {
		return NewValidationError("rate_limit", "llm_rate_qpm", fmt.Errorf("must be non-negative, got %d", r.QPM))
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.CleanupCompletedTasksDays < 0 {
		return NewValidationError("retention", "cleanup_completed_tasks_days", fmt.Errorf("must be non-negative"))
	}
	if r.LogRetentionDays < 0 {
		return NewValidationError("retention", "log_retention_days", fmt.Errorf("must be non-negative"))
	}
	if r.SweepInterval <= 0 {
		return NewValidationError("retention", "sweep_interval", fmt.Errorf("must be positive"))
	}
	return nil
}
