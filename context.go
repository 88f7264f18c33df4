package workflow

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/wtthornton/TappsCodingAgents-sub003/script"
	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// Context is passed to activities. It carries cancellation and deadlines for
// the step, read access to run variables and artifacts, and the step's
// private working directory. Files written under WorkDir are merged into the
// shared working tree only if the step succeeds.
type Context interface {
	context.Context

	// RunID returns the id of the run being executed
	RunID() string

	// StepID returns the id of the step being executed
	StepID() string

	// WorkDir returns the step's isolated working directory
	WorkDir() string

	// Logger returns a logger scoped to the run and step
	Logger() *slog.Logger

	// Compiler returns the script compiler used by the engine
	Compiler() script.Compiler

	// Variables returns a copy of the run variables
	Variables() map[string]any

	// Variable returns a single run variable
	Variable(name string) (any, bool)

	// Artifacts returns a copy of the registered artifacts
	Artifacts() map[string]state.Artifact

	// Artifact returns a registered artifact
	Artifact(name string) (state.Artifact, bool)

	// ArtifactPath returns the location of a registered artifact inside
	// the step's working directory
	ArtifactPath(name string) (string, bool)
}

type executionContext struct {
	context.Context
	runID    string
	stepID   string
	workDir  string
	logger   *slog.Logger
	compiler script.Compiler
	run      state.Reader
}

// NewContext returns a Context for running an activity outside an engine,
// which is mostly useful in tests
func NewContext(ctx context.Context, run state.Reader, stepID, workDir string, logger *slog.Logger) Context {
	if logger == nil {
		logger = slog.Default()
	}
	return newContext(ctx, run, stepID, workDir, logger, script.NewRisorScriptingEngine(script.DefaultRisorGlobals()))
}

func newContext(ctx context.Context, run state.Reader, stepID, workDir string, logger *slog.Logger, compiler script.Compiler) *executionContext {
	return &executionContext{
		Context:  WithLogger(ctx, logger),
		runID:    run.ID(),
		stepID:   stepID,
		workDir:  workDir,
		logger:   logger,
		compiler: compiler,
		run:      run,
	}
}

func (c *executionContext) RunID() string             { return c.runID }
func (c *executionContext) StepID() string            { return c.stepID }
func (c *executionContext) WorkDir() string           { return c.workDir }
func (c *executionContext) Logger() *slog.Logger      { return c.logger }
func (c *executionContext) Compiler() script.Compiler { return c.compiler }

func (c *executionContext) Variables() map[string]any {
	return c.run.GetVariables()
}

func (c *executionContext) Variable(name string) (any, bool) {
	v, ok := c.run.GetVariables()[name]
	return v, ok
}

func (c *executionContext) Artifacts() map[string]state.Artifact {
	return c.run.GetArtifacts()
}

func (c *executionContext) Artifact(name string) (state.Artifact, bool) {
	return c.run.GetArtifact(name)
}

func (c *executionContext) ArtifactPath(name string) (string, bool) {
	a, ok := c.run.GetArtifact(name)
	if !ok {
		return "", false
	}
	if filepath.IsAbs(a.Path) {
		return a.Path, true
	}
	return filepath.Join(c.workDir, a.Path), true
}

type loggerContextKey struct{}

// WithLogger returns a context carrying logger
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the logger carried by ctx, if any
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	return logger, ok
}
