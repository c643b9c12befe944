package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWithNoOverrideFile(t *testing.T) {
	configDir := t.TempDir()

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Scheduler.MaxConcurrentTasks, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, configDir, cfg.ConfigDir())
}

func TestInitializeMergesOverridesOverDefaults(t *testing.T) {
	configDir := t.TempDir()

	override := `
scheduler:
  max_concurrent_tasks: 20
  task_timeout_minutes: 60
rate_limit:
  llm_rate_qps: 5.0
database:
  host: db.example.com
  port: 6543
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 60, cfg.Scheduler.TaskTimeoutMinutes)
	assert.Equal(t, 5.0, cfg.RateLimit.QPS)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)

	// Fields left out of the override file keep their built-in defaults.
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentItemsPerTask)
	assert.Equal(t, 60, cfg.RateLimit.QPM)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
}

func TestInitializeExpandsEnvBeforeParsing(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("TEST_DB_HOST", "env-host.example.com")

	override := `
database:
  host: ${TEST_DB_HOST}
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)
	assert.Equal(t, "env-host.example.com", cfg.Database.Host)
}

func TestInitializeLoadsDotEnv(t *testing.T) {
	configDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ".env"), []byte("TEST_DOTENV_HOST=fromdotenv\n"), 0644))

	override := `
database:
  host: ${TEST_DOTENV_HOST}
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)
	assert.Equal(t, "fromdotenv", cfg.Database.Host)
}

func TestInitializeInvalidYAMLReturnsLoadError(t *testing.T) {
	configDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte("scheduler: [this is not a map"), 0644))

	ctx := context.Background()
	_, err := Initialize(ctx, configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeValidationFailurePropagates(t *testing.T) {
	configDir := t.TempDir()
	override := `
scheduler:
  max_concurrent_tasks: -1
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	_, err := Initialize(ctx, configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, err.Error(), "max_concurrent_tasks")
}

func TestInitializeUnreadableFileReturnsLoadError(t *testing.T) {
	configDir := t.TempDir()
	// A directory in place of engine.yaml forces a read error distinct from not-exist.
	require.NoError(t, os.Mkdir(filepath.Join(configDir, "engine.yaml"), 0755))

	ctx := context.Background()
	_, err := Initialize(ctx, configDir)
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestInitializePreservesRetryDelaysWhenOmitted(t *testing.T) {
	configDir := t.TempDir()
	override := `
scheduler:
  max_concurrent_tasks: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, DefaultConfig().Scheduler.RetryDelays, cfg.Scheduler.RetryDelays)
}

func TestInitializeOverridesRetryDelaysWhenProvided(t *testing.T) {
	configDir := t.TempDir()
	override := `
scheduler:
  retry_delays: ["1s", "5s"]
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.yaml"), []byte(override), 0644))

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	require.Len(t, cfg.Scheduler.RetryDelays, 2)
	assert.Equal(t, time.Second, cfg.Scheduler.RetryDelays[0])
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryDelays[1])
}
