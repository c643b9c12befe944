package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, int32(10), cfg.Database.MaxOpenConns)
	assert.Equal(t, int32(2), cfg.Database.MinIdleConns)

	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentItemsPerTask)
	assert.Equal(t, 30, cfg.Scheduler.TaskTimeoutMinutes)
	assert.Len(t, cfg.Scheduler.RetryDelays, 4)
	assert.True(t, cfg.Scheduler.OrphanRecoveryOnStartup)
	assert.Equal(t, 5, cfg.Scheduler.SchedulerIntervalSeconds)

	assert.Equal(t, 1.0, cfg.RateLimit.QPS)
	assert.Equal(t, 60, cfg.RateLimit.QPM)

	assert.Equal(t, 30, cfg.Retention.CleanupCompletedTasksDays)
	assert.Equal(t, 14, cfg.Retention.LogRetentionDays)
}
