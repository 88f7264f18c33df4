package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

const releaseYAML = `
name: release
steps:
  - id: build
    activity: write
    parameters:
      binary: bin/app
    creates: [binary]
  - id: sign
    requires: [binary, key]
    creates: [signature]
  - id: publish
    activity: write
    parameters:
      notes: NOTES.md
    requires: [binary]
`

func newTestEngine(t *testing.T, workDir string) (*Engine, *store.Store) {
	t.Helper()
	s := newMemoryStore(t)
	sign := NewActivityFunction("sign", func(ctx Context, params map[string]any) (*StepResult, error) {
		return &StepResult{}, nil
	})
	engine, err := NewEngine(EngineOptions{
		Store: s,
		Defaults: ExecutionOptions{
			Activities: []Activity{writeActivity(), sign},
			WorkDir:    workDir,
		},
	})
	require.NoError(t, err)
	return engine, s
}

func TestEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(EngineOptions{})
	require.Error(t, err)
}

func TestEngineBlockedSkipResume(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	engine, _ := newTestEngine(t, workDir)

	wf, err := LoadString(releaseYAML)
	require.NoError(t, err)

	summary, err := engine.Start(ctx, wf, nil)
	var blocked *BlockedWorkflowError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, state.StatusFailed, summary.Status)
	require.Equal(t, []string{"build", "publish"}, summary.CompletedSteps)
	require.NotNil(t, summary.Blocked)
	require.Equal(t, []string{"key"}, summary.Blocked.MissingArtifacts())
	require.Contains(t, summary.Error, `"key" (no step creates it)`)
	runID := summary.RunID

	status, err := engine.Status(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, status.Status)
	require.NotNil(t, status.Blocked)
	require.Equal(t, "sign", status.Blocked.Steps[0].StepID)
	require.NotEmpty(t, status.Location)
	require.InDelta(t, 66.67, status.Progress, 0.01)

	_, err = engine.Skip(ctx, runID, "build", "done already")
	require.ErrorContains(t, err, "cannot be skipped")
	_, err = engine.Skip(ctx, runID, "missing", "")
	require.ErrorContains(t, err, `step "missing" not found`)

	skipped, err := engine.Skip(ctx, runID, "sign", "signing disabled")
	require.NoError(t, err)
	require.Equal(t, []string{"sign"}, skipped.SkippedSteps)
	require.Equal(t, "signing disabled", skipped.Steps["sign"].SkipReason)

	resumed, err := engine.Resume(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runID, resumed.RunID)
	require.Equal(t, state.StatusCompleted, resumed.Status)
	require.Equal(t, 100.0, resumed.Progress)
	// Nothing left to run, so no step executed again
	require.Equal(t, 2, resumed.Executions)

	_, err = os.Stat(filepath.Join(workDir, "bin", "app"))
	require.NoError(t, err)

	runs, err := engine.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].RunID)
	require.Equal(t, state.StatusCompleted, runs[0].Status)

	cps, err := engine.Checkpoints(ctx, runID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	last := cps[len(cps)-1]
	require.Equal(t, state.StatusCompleted, last.Status)
	for i := 1; i < len(cps); i++ {
		require.Greater(t, cps[i].Sequence, cps[i-1].Sequence)
	}
}

func TestEngineUnknownRun(t *testing.T) {
	engine, _ := newTestEngine(t, t.TempDir())
	_, err := engine.Status(context.Background(), "run_unknown")
	require.ErrorIs(t, err, store.ErrStateNotFound)
	_, err = engine.Resume(context.Background(), "run_unknown")
	require.ErrorIs(t, err, store.ErrStateNotFound)
}

func TestEngineUsesFreshPolicyPerRun(t *testing.T) {
	var created int
	s := newMemoryStore(t)
	engine, err := NewEngine(EngineOptions{
		Store: s,
		Defaults: ExecutionOptions{
			Activities: []Activity{writeActivity()},
			WorkDir:    t.TempDir(),
		},
		NewCheckpointPolicy: func() CheckpointPolicy {
			created++
			return TerminalOnly{}
		},
	})
	require.NoError(t, err)
	wf, err := New(Options{Name: "one", Steps: []*Step{
		{ID: "a", Activity: "write", Parameters: map[string]any{"a": "a.txt"}},
		{ID: "b", Activity: "write", Parameters: map[string]any{"b": "b.txt"}},
	}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		summary, err := engine.Start(context.Background(), wf, nil)
		require.NoError(t, err)
		cps, err := engine.Checkpoints(context.Background(), summary.RunID)
		require.NoError(t, err)
		require.Len(t, cps, 1)
	}
	require.Equal(t, 2, created)
}
