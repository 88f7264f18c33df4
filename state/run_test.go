package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRun(t *testing.T) *Run {
	t.Helper()
	run, err := NewRun(RunOptions{
		ID:           "run_test",
		WorkflowName: "demo",
		TotalSteps:   3,
		Variables:    map[string]any{"lang": "go"},
	})
	require.NoError(t, err)
	return run
}

func TestNewRunValidation(t *testing.T) {
	_, err := NewRun(RunOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "run id required")

	run := newTestRun(t)
	require.Equal(t, StatusRunning, run.GetStatus())
	require.Equal(t, "go", run.GetVariables()["lang"])
	require.False(t, run.StartedAt().IsZero())
}

func TestCompletedAndSkippedAreDisjoint(t *testing.T) {
	run := newTestRun(t)
	now := time.Now()

	require.NoError(t, run.Complete("plan", now))
	err := run.Skip("plan", "operator")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot be skipped")

	require.NoError(t, run.Skip("docs", "not needed"))
	err = run.Complete("docs", now)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot be completed")

	snap := run.Snapshot()
	require.Equal(t, []string{"plan"}, snap.CompletedSteps)
	require.Equal(t, []string{"docs"}, snap.SkippedSteps)
	require.NoError(t, snap.Validate())
}

func TestSnapshotValidateRejectsOverlap(t *testing.T) {
	snap := &Snapshot{
		ID:             "run_x",
		Status:         StatusRunning,
		CompletedSteps: []string{"a", "b"},
		SkippedSteps:   []string{"b"},
	}
	err := snap.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"b"`)

	_, err = FromSnapshot(snap)
	require.Error(t, err)

	snap = &Snapshot{ID: "run_x", Status: "exploded"}
	require.Error(t, snap.Validate())
}

func TestStepRecordLifecycle(t *testing.T) {
	run := newTestRun(t)
	now := time.Now()

	run.StepStarted("implement", now)
	require.Equal(t, "implement", run.CurrentStep())
	rec, ok := run.StepRecord("implement")
	require.True(t, ok)
	require.Equal(t, StepStatusRunning, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	run.StepFailed("implement", ErrorKindTimeout, "deadline exceeded", now)
	rec, _ = run.StepRecord("implement")
	require.Equal(t, StepStatusFailed, rec.Status)
	require.Equal(t, ErrorKindTimeout, rec.ErrorKind)
	require.Equal(t, 1, run.Executions())

	run.StepStarted("implement", now)
	score := 42.0
	run.StepFinished("implement", map[string]any{"lines": 10.0}, &score, now)
	require.NoError(t, run.Complete("implement", now))
	rec, _ = run.StepRecord("implement")
	require.Equal(t, StepStatusCompleted, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, 42.0, *rec.Score)
	require.Empty(t, rec.Error)
	require.Equal(t, 2, run.Executions())

	// Returned records are copies
	*rec.Score = 1
	again, _ := run.StepRecord("implement")
	require.Equal(t, 42.0, *again.Score)
}

func TestLoopback(t *testing.T) {
	run := newTestRun(t)
	now := time.Now()
	require.NoError(t, run.Complete("plan", now))
	require.NoError(t, run.Complete("implement", now))
	require.NoError(t, run.Complete("test", now))
	run.AddArtifact("code", Artifact{Path: "code.go", Kind: ArtifactFile, CreatedAt: now})
	run.AddArtifact("report", Artifact{Path: "report.txt", Kind: ArtifactFile, CreatedAt: now})

	count := run.Loopback("review", "implement", []string{"test"}, []string{"code", "report"})
	require.Equal(t, 1, count)
	require.Equal(t, "implement", run.CurrentStep())
	require.Equal(t, []string{"plan"}, run.CompletedSteps())
	require.Empty(t, run.GetArtifacts())

	rec, ok := run.StepRecord("review")
	require.True(t, ok)
	require.Equal(t, ErrorKindGate, rec.ErrorKind)

	require.Equal(t, 2, run.Loopback("review", "implement", nil, nil))
	require.Equal(t, 2, run.LoopbackCount("review", "implement"))
	require.Equal(t, 0, run.LoopbackCount("review", "plan"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	run := newTestRun(t)
	now := time.Now()
	run.StepStarted("plan", now)
	run.StepFinished("plan", map[string]any{"ok": true}, nil, now)
	require.NoError(t, run.Complete("plan", now))
	run.AddArtifact("spec", Artifact{Path: "spec.md", Kind: ArtifactFile, CreatedAt: now, Step: "plan"})
	run.SetVariable("attempt", 1.0)
	run.Loopback("review", "implement", nil, nil)
	require.NoError(t, run.Skip("docs", "operator"))

	snap := run.Snapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, snap, &decoded)

	restored, err := FromSnapshot(&decoded)
	require.NoError(t, err)
	require.Equal(t, snap, restored.Snapshot())
	require.True(t, restored.IsCompleted("plan"))
	require.True(t, restored.IsSkipped("docs"))
	require.Equal(t, 1, restored.LoopbackCount("review", "implement"))
}

func TestProgress(t *testing.T) {
	snap := &Snapshot{TotalSteps: 4, CompletedSteps: []string{"a", "b"}, SkippedSteps: []string{"c"}}
	require.InDelta(t, 75.0, snap.Progress(), 0.001)
	require.Equal(t, 2, snap.CompletedCount())
	require.Equal(t, 0.0, (&Snapshot{}).Progress())
}
