package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// EngineOptions configures an Engine
type EngineOptions struct {
	// Store persists runs. Required.
	Store *store.Store

	// Defaults are applied to every execution. Workflow, RunID, Variables,
	// Checkpointer and CheckpointPolicy are set per run.
	Defaults ExecutionOptions

	// NewCheckpointPolicy returns a fresh policy for each run, since
	// policies keep per-run counters. Defaults to EveryStep.
	NewCheckpointPolicy func() CheckpointPolicy

	Logger *slog.Logger
}

// Engine is the caller-facing surface: start a workflow, resume a run,
// report on runs. Every call returns an ExecutionSummary.
type Engine struct {
	store     *store.Store
	defaults  ExecutionOptions
	newPolicy func() CheckpointPolicy
	logger    *slog.Logger
}

// NewEngine returns an Engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = opts.Defaults.Logger
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.NewCheckpointPolicy == nil {
		opts.NewCheckpointPolicy = func() CheckpointPolicy { return EveryStep{} }
	}
	opts.Defaults.Logger = opts.Logger
	return &Engine{
		store:     opts.Store,
		defaults:  opts.Defaults,
		newPolicy: opts.NewCheckpointPolicy,
		logger:    opts.Logger,
	}, nil
}

// Store returns the engine's state store
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) newExecution(wf *Workflow, runID string, variables map[string]any) (*Execution, error) {
	opts := e.defaults
	opts.Workflow = wf
	opts.RunID = runID
	opts.Variables = variables
	opts.Checkpointer = e.store
	opts.CheckpointPolicy = e.newPolicy()
	return NewExecution(opts)
}

// Start runs a workflow from the beginning and blocks until the run ends or
// ctx is cancelled. The summary is returned even when the run fails; the
// error describes the failure.
func (e *Engine) Start(ctx context.Context, wf *Workflow, variables map[string]any) (*ExecutionSummary, error) {
	exec, err := e.newExecution(wf, "", variables)
	if err != nil {
		return nil, err
	}
	runErr := exec.Execute(ctx)
	return e.summarize(exec, runErr), runErr
}

// Resume continues a persisted run using the workflow definition embedded
// in its state.
func (e *Engine) Resume(ctx context.Context, runID string) (*ExecutionSummary, error) {
	snap, _, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := FromDefinition(snap.Definition)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", runID, err)
	}
	exec, err := e.newExecution(wf, runID, nil)
	if err != nil {
		return nil, err
	}
	runErr := exec.Resume(ctx, runID)
	return e.summarize(exec, runErr), runErr
}

func (e *Engine) summarize(exec *Execution, runErr error) *ExecutionSummary {
	summary := NewExecutionSummary(exec.Snapshot(), nil)
	if runErr != nil {
		summary.Error = runErr.Error()
		var blocked *BlockedWorkflowError
		if errors.As(runErr, &blocked) {
			summary.Blocked = blocked.Report
		}
	}
	return summary
}

// Status reports on a persisted run. For incomplete runs the summary
// includes a block report when no step could run.
func (e *Engine) Status(ctx context.Context, runID string) (*ExecutionSummary, error) {
	snap, meta, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	summary := NewExecutionSummary(snap, meta)
	if snap.Status != state.StatusCompleted {
		if report, err := e.blockReport(snap); err == nil {
			summary.Blocked = report
		} else {
			e.logger.Debug("could not diagnose run", "run_id", runID, "error", err)
		}
	}
	return summary, nil
}

func (e *Engine) blockReport(snap *state.Snapshot) (*BlockReport, error) {
	wf, err := FromDefinition(snap.Definition)
	if err != nil {
		return nil, err
	}
	run, err := state.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	workDir := e.defaults.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	return NewScheduler(workDir).Blocked(wf, run), nil
}

// List summarizes every stored run, newest first
func (e *Engine) List(ctx context.Context) ([]*ExecutionSummary, error) {
	metas, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]*ExecutionSummary, 0, len(metas))
	for _, meta := range metas {
		summaries = append(summaries, summaryFromMetadata(meta))
	}
	return summaries, nil
}

// Checkpoints lists the history checkpoints of a run, oldest first
func (e *Engine) Checkpoints(ctx context.Context, runID string) ([]*store.Metadata, error) {
	return e.store.ListCheckpoints(ctx, runID)
}

// Skip marks a step as skipped in a persisted run, so that a resume will
// not run it. Completed steps cannot be skipped.
func (e *Engine) Skip(ctx context.Context, runID, stepID, reason string) (*ExecutionSummary, error) {
	snap, _, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := FromDefinition(snap.Definition)
	if err != nil {
		return nil, err
	}
	if _, ok := wf.GetStep(stepID); !ok {
		return nil, fmt.Errorf("step %q not found in workflow %q", stepID, wf.Name())
	}
	run, err := state.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if err := run.Skip(stepID, reason); err != nil {
		return nil, err
	}
	meta, err := e.store.Commit(ctx, run.Snapshot(), stepID)
	if err != nil {
		return nil, err
	}
	return NewExecutionSummary(run.Snapshot(), meta), nil
}
