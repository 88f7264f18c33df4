package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/isolation"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), *cfg)
	require.IsType(t, workflow.EveryStep{}, cfg.CheckpointPolicy())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
state_dir: /var/lib/workflow
max_concurrency: 8
failure_policy: best-effort
step_timeout: 10m
isolation: shared
checkpoint:
  modes: [gates, every-n]
  every_n: 2
store:
  backend: sqlite
  compress: true
  min_age: 0s
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/workflow", cfg.StateDir)
	require.Equal(t, 8, cfg.MaxConcurrency)
	require.Equal(t, "best-effort", cfg.FailurePolicy)
	require.Equal(t, 10*time.Minute, cfg.StepTimeout)
	require.Equal(t, IsolationShared, cfg.Isolation)
	require.Equal(t, []string{ModeGates, ModeEveryN}, cfg.Checkpoint.Modes)
	require.True(t, cfg.Store.Compress)
	require.Zero(t, cfg.Store.MinAge)
	require.True(t, cfg.Store.History)

	policy, ok := cfg.CheckpointPolicy().(workflow.AnyOf)
	require.True(t, ok)
	require.Len(t, policy, 2)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "max_concurrency: 8\n")
	t.Setenv("WORKFLOW_MAX_CONCURRENCY", "2")
	t.Setenv("WORKFLOW_STORE_BACKEND", "memory")
	t.Setenv("WORKFLOW_CHECKPOINT_MODE", "interval")
	t.Setenv("WORKFLOW_CHECKPOINT_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxConcurrency)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, time.Minute, cfg.Checkpoint.Interval)
	require.IsType(t, &workflow.Interval{}, cfg.CheckpointPolicy())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "max_concurrency must be at least 1"},
		{"failure policy", func(c *Config) { c.FailurePolicy = "retry" }, `unknown failure_policy "retry"`},
		{"isolation", func(c *Config) { c.Isolation = "container" }, `unknown isolation "container"`},
		{"checkpoint mode", func(c *Config) { c.Checkpoint.Mode = "hourly" }, `unknown checkpoint mode "hourly"`},
		{"every n", func(c *Config) { c.Checkpoint.Modes = []string{ModeEveryN}; c.Checkpoint.EveryN = 0 }, "checkpoint.every_n must be at least 1"},
		{"backend", func(c *Config) { c.Store.Backend = "s3" }, `unknown store backend "s3"`},
		{"postgres dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, "store.dsn is required"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, `unknown log level "loud"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	_, err := Load(writeConfig(t, "failure_policy: sometimes\n"))
	require.ErrorContains(t, err, "unknown failure_policy")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, backend := range []string{BackendFile, BackendSQLite, BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := Defaults()
			cfg.StateDir = t.TempDir()
			cfg.Store.Backend = backend
			st, err := cfg.OpenStore(ctx, logger)
			require.NoError(t, err)
			defer st.Close()

			_, _, err = st.Load(ctx, "run_missing")
			require.ErrorIs(t, err, store.ErrStateNotFound)
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.Store.Backend = BackendMemory
	cfg.Store.MinAge = 0
	cfg.StepTimeout = time.Minute

	opts, err := cfg.EngineOptions(context.Background(), slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	require.NotNil(t, opts.Store)
	require.Equal(t, cfg.WorkDir, opts.Defaults.WorkDir)
	require.Equal(t, workflow.FailFast, opts.Defaults.FailurePolicy)
	require.Equal(t, time.Minute, opts.Defaults.StepTimeout)
	require.IsType(t, &isolation.DirIsolator{}, opts.Defaults.Isolator)

	// Each call returns an independent policy
	cfg.Checkpoint.Mode = ModeEveryN
	first := cfg.CheckpointPolicy()
	require.NotSame(t, first, cfg.CheckpointPolicy())

	engine, err := workflow.NewEngine(opts)
	require.NoError(t, err)
	require.Same(t, opts.Store, engine.Store())
}
