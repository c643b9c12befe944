package config

import "time"

// DefaultConfig returns the engine's built-in tunable defaults. Initialize
// starts from this and merges user YAML on top.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MinIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks:        5,
			MaxConcurrentItemsPerTask: 10,
			TaskTimeoutMinutes:        30,
			StuckLogWindow:            5 * time.Minute,
			RetryDelays:               []time.Duration{0, 30 * time.Second, 120 * time.Second, 300 * time.Second},
			SchedulerIntervalSeconds:  5,
			OrphanRecoveryOnStartup:   true,
		},
		RateLimit: RateLimitConfig{
			QPS: 1.0,
			QPM: 60,
		},
		Retention: RetentionConfig{
			CleanupCompletedTasksDays: 30,
			LogRetentionDays:          14,
			SweepInterval:             1 * time.Hour,
		},
	}
}
