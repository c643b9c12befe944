package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads .env (if present), reads engine.yaml from configDir,
// merges it over DefaultConfig, validates the result and returns it ready
// for use. This is the primary entry point called from cmd/evalengine.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to load .env file", "error", err)
	}

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks,
		"llm_rate_qps", cfg.RateLimit.QPS,
		"llm_rate_qpm", cfg.RateLimit.QPM)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "engine.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No user override file: the built-in defaults stand alone.
			return cfg, nil
		}
		return nil, NewLoadError("engine.yaml", err)
	}

	data = ExpandEnv(data)

	// Unmarshal into a plain struct mirroring Config's exported fields only:
	// mergo.Merge cannot touch the unexported configDir field on Config itself.
	var overrides struct {
		Database  DatabaseConfig  `yaml:"database"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Retention RetentionConfig `yaml:"retention"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, NewLoadError("engine.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergo.Merge(&cfg.Database, overrides.Database, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge database config: %w", err)
	}
	if err := mergo.Merge(&cfg.Scheduler, overrides.Scheduler, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
	}
	if err := mergo.Merge(&cfg.RateLimit, overrides.RateLimit, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge rate_limit config: %w", err)
	}
	if err := mergo.Merge(&cfg.Retention, overrides.Retention, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge retention config: %w", err)
	}
	return cfg, nil
}
