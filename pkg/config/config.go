// Package config loads and validates the engine's runtime tunables: the
// scheduler's concurrency caps, retry policy, maintenance horizons and the
// LLM rate limiter's windows, plus the database connection the engine is
// wired against.
package config

import "time"

// Config is the umbrella object returned by Initialize and threaded through
// pkg/engine's constructors.
type Config struct {
	configDir string

	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
}

// DatabaseConfig mirrors pkg/database.Config's shape so it can be loaded
// straight from YAML/env rather than constructed by hand in main.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int32         `yaml:"max_open_conns"`
	MinIdleConns    int32         `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SchedulerConfig holds the scheduler's concurrency and retry tunables.
type SchedulerConfig struct {
	// MaxConcurrentTasks is the global worker cap, counting the union of
	// column-task, row-task, and row-batch workers.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// MaxConcurrentItemsPerTask bounds a column task's per-item fan-out semaphore.
	MaxConcurrentItemsPerTask int `yaml:"max_concurrent_items_per_task"`

	// TaskTimeoutMinutes is the stuck-task threshold used by the scheduler's timeout sweep.
	TaskTimeoutMinutes int `yaml:"task_timeout_minutes"`

	// StuckLogWindow is how recent a TaskLog must be to prove a running task
	// is genuinely still making progress.
	StuckLogWindow time.Duration `yaml:"stuck_log_window"`

	// RetryDelays is the backoff table the task manager consults for
	// next_retry_at, clamped to the last element once retries_done exceeds
	// its length.
	RetryDelays []time.Duration `yaml:"retry_delays"`

	// SchedulerIntervalSeconds is the scheduler's tick period.
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	// OrphanRecoveryOnStartup toggles the one-time startup sweep for tasks
	// left running by a crashed process.
	OrphanRecoveryOnStartup bool `yaml:"orphan_recovery_on_startup"`
}

// RateLimitConfig holds the LLM rate limiter's two sliding-window caps.
type RateLimitConfig struct {
	QPS float64 `yaml:"llm_rate_qps"`
	QPM int     `yaml:"llm_rate_qpm"`
}

// RetentionConfig holds the maintenance-sweep horizons.
type RetentionConfig struct {
	CleanupCompletedTasksDays int           `yaml:"cleanup_completed_tasks_days"`
	LogRetentionDays          int           `yaml:"log_retention_days"`
	SweepInterval             time.Duration `yaml:"sweep_interval"`
}

// ConfigDir returns the directory Config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
