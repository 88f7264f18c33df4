// Package config loads engine settings from an optional YAML file and
// WORKFLOW_* environment variables, and builds the runtime objects the
// engine needs from them.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/isolation"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: WORKFLOW_STORE_BACKEND sets store.backend.
const EnvPrefix = "WORKFLOW"

// Checkpoint modes
const (
	ModeEveryStep = "every-step"
	ModeEveryN    = "every-n"
	ModeGates     = "gates"
	ModeInterval  = "interval"
	ModeTerminal  = "terminal"
)

// Store backends
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Isolation modes
const (
	IsolationDir    = "dir"
	IsolationShared = "shared"
)

type CheckpointConfig struct {
	Mode     string        `mapstructure:"mode"`
	Modes    []string      `mapstructure:"modes"` // combined with any-of; overrides mode
	EveryN   int           `mapstructure:"every_n"`
	Interval time.Duration `mapstructure:"interval"`
}

type StoreConfig struct {
	Backend      string        `mapstructure:"backend"`
	DSN          string        `mapstructure:"dsn"` // sqlite path or postgres URL
	Compress     bool          `mapstructure:"compress"`
	MinAge       time.Duration `mapstructure:"min_age"`
	ReadAttempts int           `mapstructure:"read_attempts"`
	History      bool          `mapstructure:"history"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the /metrics endpoint
}

// Config holds engine settings
type Config struct {
	StateDir              string           `mapstructure:"state_dir"`
	WorkDir               string           `mapstructure:"work_dir"`
	MaxConcurrency        int              `mapstructure:"max_concurrency"`
	FailurePolicy         string           `mapstructure:"failure_policy"`
	MaxLoopbackIterations int              `mapstructure:"max_loopback_iterations"`
	StepTimeout           time.Duration    `mapstructure:"step_timeout"`
	Isolation             string           `mapstructure:"isolation"`
	Checkpoint            CheckpointConfig `mapstructure:"checkpoint"`
	Store                 StoreConfig      `mapstructure:"store"`
	Log                   LogConfig        `mapstructure:"log"`
	Metrics               MetricsConfig    `mapstructure:"metrics"`
}

// Defaults returns a Config with the default values
func Defaults() Config {
	return Config{
		StateDir:              filepath.Join(".workflow", "state"),
		WorkDir:               ".",
		MaxConcurrency:        workflow.DefaultMaxConcurrency,
		FailurePolicy:         string(workflow.FailFast),
		MaxLoopbackIterations: workflow.DefaultMaxLoopbacks,
		Isolation:             IsolationDir,
		Checkpoint: CheckpointConfig{
			Mode:     ModeEveryStep,
			EveryN:   5,
			Interval: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:      BackendFile,
			MinAge:       store.DefaultMinAge,
			ReadAttempts: store.DefaultStaleAttempts,
			History:      true,
		},
		Log: LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("max_concurrency", d.MaxConcurrency)
	v.SetDefault("failure_policy", d.FailurePolicy)
	v.SetDefault("max_loopback_iterations", d.MaxLoopbackIterations)
	v.SetDefault("step_timeout", d.StepTimeout)
	v.SetDefault("isolation", d.Isolation)
	v.SetDefault("checkpoint.mode", d.Checkpoint.Mode)
	_ = v.BindEnv("checkpoint.modes")
	v.SetDefault("checkpoint.every_n", d.Checkpoint.EveryN)
	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.compress", d.Store.Compress)
	v.SetDefault("store.min_age", d.Store.MinAge)
	v.SetDefault("store.read_attempts", d.Store.ReadAttempts)
	v.SetDefault("store.history", d.Store.History)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads the config file at path, if not empty, and applies environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown enum values and out of range numbers
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.MaxLoopbackIterations < 1 {
		errs = append(errs, fmt.Errorf("max_loopback_iterations must be at least 1, got %d", c.MaxLoopbackIterations))
	}
	if c.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("step_timeout cannot be negative"))
	}
	if !workflow.FailurePolicy(c.FailurePolicy).Valid() {
		errs = append(errs, fmt.Errorf("unknown failure_policy %q", c.FailurePolicy))
	}
	switch c.Isolation {
	case IsolationDir, IsolationShared:
	default:
		errs = append(errs, fmt.Errorf("unknown isolation %q", c.Isolation))
	}
	for _, mode := range c.checkpointModes() {
		switch mode {
		case ModeEveryStep, ModeGates, ModeTerminal:
		case ModeEveryN:
			if c.Checkpoint.EveryN < 1 {
				errs = append(errs, fmt.Errorf("checkpoint.every_n must be at least 1"))
			}
		case ModeInterval:
			if c.Checkpoint.Interval <= 0 {
				errs = append(errs, fmt.Errorf("checkpoint.interval must be positive"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown checkpoint mode %q", mode))
		}
	}
	switch c.Store.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.MinAge < 0 {
		errs = append(errs, fmt.Errorf("store.min_age cannot be negative"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) checkpointModes() []string {
	if len(c.Checkpoint.Modes) > 0 {
		return c.Checkpoint.Modes
	}
	if c.Checkpoint.Mode == "" {
		return []string{ModeEveryStep}
	}
	return []string{c.Checkpoint.Mode}
}

// CheckpointPolicy returns a new policy built from the checkpoint settings.
// Policies keep per-run counters, so call it once per run.
func (c *Config) CheckpointPolicy() workflow.CheckpointPolicy {
	var policies workflow.AnyOf
	for _, mode := range c.checkpointModes() {
		switch mode {
		case ModeEveryN:
			policies = append(policies, workflow.NewEveryN(c.Checkpoint.EveryN))
		case ModeGates:
			policies = append(policies, workflow.GatesOnly{})
		case ModeInterval:
			policies = append(policies, workflow.NewInterval(c.Checkpoint.Interval))
		case ModeTerminal:
			policies = append(policies, workflow.TerminalOnly{})
		default:
			policies = append(policies, workflow.EveryStep{})
		}
	}
	if len(policies) == 1 {
		return policies[0]
	}
	return policies
}

// LogLevel parses log.level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return level, nil
}

// Logger returns a logger writing to w at the configured level and format
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return workflow.NewLeveledLogger(w, level, c.Log.JSON)
}

// OpenStore opens the configured backend and wraps it in a store
func (c *Config) OpenStore(ctx context.Context, logger *slog.Logger) (*store.Store, error) {
	var backend store.Backend
	var err error
	switch c.Store.Backend {
	case BackendMemory:
		backend = store.NewMemoryBackend()
	case BackendSQLite:
		path := c.Store.DSN
		if path == "" {
			path = filepath.Join(c.StateDir, "state.db")
		}
		backend, err = store.NewSQLiteBackend(path)
	case BackendPostgres:
		backend, err = store.NewPostgresBackend(ctx, c.Store.DSN)
	case BackendFile, "":
		backend, err = store.NewFileBackend(c.StateDir)
	default:
		err = fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if err != nil {
		return nil, err
	}
	opts := []store.Option{
		store.WithCompression(c.Store.Compress),
		store.WithHistory(c.Store.History),
		store.WithMinAge(c.Store.MinAge),
		store.WithStaleRetry(c.Store.ReadAttempts, store.DefaultStaleBackoff),
	}
	if logger != nil {
		opts = append(opts, store.WithLogger(logger))
	}
	return store.New(backend, opts...), nil
}

// ExecutionOptions returns execution defaults. Workflow, activities and the
// checkpoint settings are left for the caller.
func (c *Config) ExecutionOptions(logger *slog.Logger) (workflow.ExecutionOptions, error) {
	workDir, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return workflow.ExecutionOptions{}, err
	}
	var isolator isolation.Isolator
	if c.Isolation == IsolationShared {
		isolator = isolation.NewSharedIsolator(workDir)
	} else {
		opts := []isolation.DirOption{}
		if logger != nil {
			opts = append(opts, isolation.WithLogger(logger))
		}
		isolator, err = isolation.NewDirIsolator(workDir, opts...)
		if err != nil {
			return workflow.ExecutionOptions{}, err
		}
	}
	return workflow.ExecutionOptions{
		WorkDir:        workDir,
		Isolator:       isolator,
		MaxConcurrency: c.MaxConcurrency,
		FailurePolicy:  workflow.FailurePolicy(c.FailurePolicy),
		MaxLoopbacks:   c.MaxLoopbackIterations,
		StepTimeout:    c.StepTimeout,
		StepLogger:     workflow.NewFileStepLogger(filepath.Join(c.StateDir, "logs")),
		Logger:         logger,
	}, nil
}

// EngineOptions opens the store and returns options for workflow.NewEngine.
// The caller owns the returned store.
func (c *Config) EngineOptions(ctx context.Context, logger *slog.Logger, activities []workflow.Activity) (workflow.EngineOptions, error) {
	defaults, err := c.ExecutionOptions(logger)
	if err != nil {
		return workflow.EngineOptions{}, err
	}
	defaults.Activities = activities
	st, err := c.OpenStore(ctx, logger)
	if err != nil {
		return workflow.EngineOptions{}, err
	}
	return workflow.EngineOptions{
		Store:               st,
		Defaults:            defaults,
		NewCheckpointPolicy: c.CheckpointPolicy,
		Logger:              logger,
	}, nil
}
