package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wtthornton/TappsCodingAgents-sub003/isolation"
	"github.com/wtthornton/TappsCodingAgents-sub003/state"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// writeActivity writes one file per parameter (artifact name -> relative
// path) into the step's working directory and reports each as an artifact.
func writeActivity() Activity {
	return NewActivityFunction("write", func(ctx Context, params map[string]any) (*StepResult, error) {
		result := &StepResult{}
		for name, value := range params {
			path, ok := value.(string)
			if !ok {
				continue
			}
			full := filepath.Join(ctx.WorkDir(), path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(full, []byte(ctx.StepID()), 0o644); err != nil {
				return nil, err
			}
			result.Artifacts = append(result.Artifacts, ArtifactOutput{Name: name, Path: path})
		}
		return result, nil
	})
}

// scoreActivity returns the given scores in order, repeating the last one
func scoreActivity(scores ...float64) (Activity, *atomic.Int32) {
	var calls atomic.Int32
	return NewActivityFunction("review", func(ctx Context, params map[string]any) (*StepResult, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(scores) {
			n = len(scores) - 1
		}
		return &StepResult{Score: Score(scores[n]), Output: map[string]any{"attempt": n + 1}}, nil
	}), &calls
}

func planImplementReview(t *testing.T, maxLoopbacks int) *Workflow {
	t.Helper()
	wf, err := New(Options{
		Name: "build",
		Steps: []*Step{
			{ID: "plan", Activity: "write", Parameters: map[string]any{"spec": "spec.md"}, Creates: []string{"spec"}},
			{ID: "implement", Activity: "write", Parameters: map[string]any{"code": "main.go"}, Requires: []string{"spec"}, Creates: []string{"code"}},
			{ID: "review", Activity: "review", Requires: []string{"code"}, Gate: &GateSpec{
				Condition:    "score >= 70",
				OnFail:       "implement",
				MaxLoopbacks: maxLoopbacks,
			}},
		},
	})
	require.NoError(t, err)
	return wf
}

func newMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(store.NewMemoryBackend(), store.WithMinAge(0))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewExecutionValidation(t *testing.T) {
	noop := NewActivityFunction("test", func(ctx Context, params map[string]any) (*StepResult, error) {
		return nil, nil
	})

	t.Run("missing workflow returns error", func(t *testing.T) {
		_, err := NewExecution(ExecutionOptions{Activities: []Activity{noop}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "workflow is required")
	})

	t.Run("empty activities slice returns error", func(t *testing.T) {
		wf, err := New(Options{Name: "test-workflow", Steps: []*Step{{ID: "start", Activity: "test"}}})
		require.NoError(t, err)
		_, err = NewExecution(ExecutionOptions{Workflow: wf})
		require.Error(t, err)
		require.Contains(t, err.Error(), "activities are required")
	})

	t.Run("unregistered activity is rejected", func(t *testing.T) {
		wf, err := New(Options{Name: "test-workflow", Steps: []*Step{{ID: "start", Activity: "missing"}}})
		require.NoError(t, err)
		_, err = NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{noop}})
		require.Error(t, err)
		require.Contains(t, err.Error(), `activity "missing" not registered`)
	})

	t.Run("invalid gate condition is rejected", func(t *testing.T) {
		wf, err := New(Options{Name: "test-workflow", Steps: []*Step{
			{ID: "start", Activity: "test", Gate: &GateSpec{Condition: "score >="}},
		}})
		require.NoError(t, err)
		_, err = NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{noop}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "gate condition")
	})

	t.Run("valid configuration creates execution successfully", func(t *testing.T) {
		wf, err := New(Options{Name: "test-workflow", Steps: []*Step{{ID: "test"}}})
		require.NoError(t, err)
		exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{noop}})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(exec.ID(), "run_"))
		require.Equal(t, state.StatusRunning, exec.Status())
	})
}

func TestGateLoopbackScenario(t *testing.T) {
	review, calls := scoreActivity(50, 80)
	s := newMemoryStore(t)
	workDir := t.TempDir()

	exec, err := NewExecution(ExecutionOptions{
		Workflow:     planImplementReview(t, 0),
		Activities:   []Activity{writeActivity(), review},
		WorkDir:      workDir,
		Checkpointer: s,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	snap := exec.Snapshot()
	require.Equal(t, state.StatusCompleted, snap.Status)
	require.Equal(t, []string{"implement", "plan", "review"}, snap.CompletedSteps)
	require.Equal(t, 2, snap.Steps["implement"].Attempts)
	require.Equal(t, 2, snap.Steps["review"].Attempts)
	require.Equal(t, 1, snap.Steps["plan"].Attempts)
	require.Equal(t, 80.0, *snap.Steps["review"].Score)
	require.Equal(t, 1, snap.Loopbacks[state.LoopbackKey("review", "implement")])
	require.Equal(t, 5, snap.Executions)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "main.go", snap.Artifacts["code"].Path)
	require.Equal(t, "implement", snap.Artifacts["code"].Step)

	// The final state was persisted
	loaded, _, err := s.Load(context.Background(), exec.ID())
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, loaded.Status)
	require.Equal(t, snap.CompletedSteps, loaded.CompletedSteps)

	// Every step was checkpointed, plus the final state
	cps, err := s.ListCheckpoints(context.Background(), exec.ID())
	require.NoError(t, err)
	require.Len(t, cps, 6)
}

func TestLoopbackLimit(t *testing.T) {
	review, calls := scoreActivity(10)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   planImplementReview(t, 0),
		Activities: []Activity{writeActivity(), review},
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)

	err = exec.Execute(context.Background())
	var limitErr *LoopbackLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, "review", limitErr.StepID)
	require.Equal(t, "implement", limitErr.Target)
	require.Equal(t, DefaultMaxLoopbacks, limitErr.Limit)
	require.Contains(t, limitErr.Reason, "score 10")

	snap := exec.Snapshot()
	require.Equal(t, state.StatusFailed, snap.Status)
	require.Contains(t, snap.StatusReason, `"review"`)
	// The gated step runs once plus once per allowed loopback
	require.Equal(t, int32(DefaultMaxLoopbacks+1), calls.Load())
	require.Equal(t, DefaultMaxLoopbacks+1, snap.Steps["implement"].Attempts)
	require.Equal(t, state.ErrorKindGate, snap.Steps["review"].ErrorKind)

	t.Run("per gate limit", func(t *testing.T) {
		review, calls := scoreActivity(10)
		exec, err := NewExecution(ExecutionOptions{
			Workflow:   planImplementReview(t, 1),
			Activities: []Activity{writeActivity(), review},
			WorkDir:    t.TempDir(),
		})
		require.NoError(t, err)
		require.ErrorAs(t, exec.Execute(context.Background()), &limitErr)
		require.Equal(t, int32(2), calls.Load())
	})
}

func TestLoopbackInvalidatesDownstreamSteps(t *testing.T) {
	review, _ := scoreActivity(0, 100)
	var testRuns atomic.Int32
	testStep := NewActivityFunction("test", func(ctx Context, params map[string]any) (*StepResult, error) {
		testRuns.Add(1)
		return &StepResult{Artifacts: []ArtifactOutput{{Name: "report", Path: "main.go"}}}, nil
	})
	wf, err := New(Options{
		Name: "build",
		Steps: []*Step{
			{ID: "implement", Activity: "write", Parameters: map[string]any{"code": "main.go"}, Creates: []string{"code"}},
			{ID: "test", Activity: "test", Requires: []string{"code"}, Creates: []string{"report"}},
			{ID: "review", Activity: "review", Requires: []string{"report"}, Gate: &GateSpec{
				Condition: "score >= 70", OnFail: "implement",
			}},
		},
	})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{writeActivity(), testStep, review},
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	// test consumed the stale code, so it ran again after the loopback
	require.Equal(t, int32(2), testRuns.Load())
	require.Equal(t, []string{"implement", "review", "test"}, exec.Snapshot().CompletedSteps)
}

func TestGateWithoutOnFailFailsRun(t *testing.T) {
	review, _ := scoreActivity(10)
	wf, err := New(Options{Name: "w", Steps: []*Step{
		{ID: "review", Activity: "review", Gate: &GateSpec{Condition: "score >= 70"}},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{review}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	var gateErr *GateFailedError
	require.ErrorAs(t, exec.Execute(context.Background()), &gateErr)
	require.Equal(t, state.StatusFailed, exec.Status())
}

func TestCustomCondition(t *testing.T) {
	review, _ := scoreActivity(10)
	wf, err := New(Options{Name: "w", Steps: []*Step{
		{ID: "review", Activity: "review", Gate: &GateSpec{Condition: "score >= 70"}},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{review},
		WorkDir:    t.TempDir(),
		Conditions: map[string]Condition{"review": ScoreAtLeast(5)},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))
}

func TestBlockedWorkflowNamesMissingArtifact(t *testing.T) {
	// build declares binary but never produces it
	build := NewActivityFunction("build", func(ctx Context, params map[string]any) (*StepResult, error) {
		return &StepResult{}, nil
	})
	deploy := NewActivityFunction("deploy", func(ctx Context, params map[string]any) (*StepResult, error) {
		t.Error("deploy must not run")
		return nil, nil
	})
	wf, err := New(Options{
		Name:      "release",
		Artifacts: []*ArtifactSpec{{Name: "binary", Path: "bin/app"}},
		Steps: []*Step{
			{ID: "build", Creates: []string{"binary"}},
			{ID: "deploy", Requires: []string{"binary", "credentials"}},
		},
	})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{build, deploy},
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)

	err = exec.Execute(context.Background())
	var blocked *BlockedWorkflowError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, []BlockedStep{{
		StepID:              "deploy",
		MissingRequirements: []string{"binary", "credentials"},
		Producers:           map[string][]string{"binary": {"build"}},
	}}, blocked.Report.Steps)
	require.Equal(t,
		`workflow blocked: step "deploy" is missing "binary" (expected from "build"), "credentials" (no step creates it)`,
		err.Error())
	require.Equal(t, state.StatusFailed, exec.Status())
	require.Contains(t, exec.Snapshot().StatusReason, "credentials")
}

func TestDeclaredArtifactsAreRegisteredWhenPresent(t *testing.T) {
	build := NewActivityFunction("build", func(ctx Context, params map[string]any) (*StepResult, error) {
		dir := filepath.Join(ctx.WorkDir(), "bin")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return &StepResult{}, os.WriteFile(filepath.Join(dir, "app"), []byte("elf"), 0o755)
	})
	deploy := NewActivityFunction("deploy", func(ctx Context, params map[string]any) (*StepResult, error) {
		path, ok := ctx.ArtifactPath("binary")
		if !ok {
			return nil, errors.New("binary not registered")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &StepResult{Output: map[string]any{"deployed": string(data)}}, nil
	})
	wf, err := New(Options{
		Name:      "release",
		Artifacts: []*ArtifactSpec{{Name: "binary", Path: "bin/app"}, {Name: "bin", Path: "bin"}},
		Steps: []*Step{
			{ID: "build", Creates: []string{"binary", "bin"}},
			{ID: "deploy", Requires: []string{"binary"}},
		},
	})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{build, deploy}, WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	snap := exec.Snapshot()
	require.Equal(t, state.ArtifactFile, snap.Artifacts["binary"].Kind)
	require.Equal(t, state.ArtifactDirectory, snap.Artifacts["bin"].Kind)
	require.Equal(t, "elf", snap.Steps["deploy"].Output["deployed"])
}

func TestVariablesFlowIntoParameters(t *testing.T) {
	var seen, target atomic.Value
	first := NewActivityFunction("first", func(ctx Context, params map[string]any) (*StepResult, error) {
		return &StepResult{
			Variables: map[string]any{"version": "1.2.3"},
			Artifacts: []ArtifactOutput{{Name: "done", Path: "."}},
		}, nil
	})
	second := NewActivityFunction("second", func(ctx Context, params map[string]any) (*StepResult, error) {
		seen.Store(params["tag"])
		if v, ok := ctx.Variable("target"); ok {
			target.Store(v)
		}
		return nil, nil
	})
	wf, err := New(Options{
		Name:      "vars",
		Variables: map[string]any{"target": "darwin"},
		Steps: []*Step{
			{ID: "first", Creates: []string{"done"}},
			{ID: "second", Requires: []string{"done"}, Parameters: map[string]any{
				"tag": "${variables.target}-${variables.version}",
			}},
		},
	})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{first, second},
		WorkDir:    t.TempDir(),
		Variables:  map[string]any{"target": "linux"},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))
	require.Equal(t, "linux-1.2.3", seen.Load())
	require.Equal(t, "linux", target.Load())
}

func TestStepTimeout(t *testing.T) {
	slow := NewActivityFunction("slow", func(ctx Context, params map[string]any) (*StepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	wf, err := New(Options{Name: "w", Steps: []*Step{{ID: "slow", Timeout: 20 * time.Millisecond}}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{slow}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	err = exec.Execute(context.Background())
	var timeoutErr *StepTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "slow", timeoutErr.StepID)

	snap := exec.Snapshot()
	require.Equal(t, state.StatusFailed, snap.Status)
	require.Equal(t, state.ErrorKindTimeout, snap.Steps["slow"].ErrorKind)
}

func TestStepErrorWithGateLoopsBack(t *testing.T) {
	var reviews atomic.Int32
	review := NewActivityFunction("review", func(ctx Context, params map[string]any) (*StepResult, error) {
		if reviews.Add(1) == 1 {
			return nil, errors.New("reviewer unavailable")
		}
		return &StepResult{Score: Score(90)}, nil
	})
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   planImplementReview(t, 0),
		Activities: []Activity{writeActivity(), review},
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))
	snap := exec.Snapshot()
	require.Equal(t, 2, snap.Steps["implement"].Attempts)
	require.Equal(t, state.StatusCompleted, snap.Status)
}

func TestStepErrorWithoutGateFailsRun(t *testing.T) {
	boom := NewActivityFunction("boom", func(ctx Context, params map[string]any) (*StepResult, error) {
		return nil, errors.New("exit status 2")
	})
	wf, err := New(Options{Name: "w", Steps: []*Step{{ID: "boom"}}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{boom}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	err = exec.Execute(context.Background())
	var execErr *StepExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "boom", execErr.StepID)
	require.Contains(t, exec.Snapshot().StatusReason, "exit status 2")
	require.Equal(t, state.ErrorKindError, exec.Snapshot().Steps["boom"].ErrorKind)
}

func TestPauseAndResume(t *testing.T) {
	s := newMemoryStore(t)
	workDir := t.TempDir()
	started := make(chan struct{})
	block := true
	var mutex sync.Mutex

	implement := NewActivityFunction("implement", func(ctx Context, params map[string]any) (*StepResult, error) {
		mutex.Lock()
		wait := block
		mutex.Unlock()
		if wait {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err := os.WriteFile(filepath.Join(ctx.WorkDir(), "main.go"), []byte("package main"), 0o644); err != nil {
			return nil, err
		}
		return &StepResult{Artifacts: []ArtifactOutput{{Name: "code", Path: "main.go"}}}, nil
	})
	review, _ := scoreActivity(90)
	wf, err := New(Options{
		Name: "build",
		Steps: []*Step{
			{ID: "plan", Activity: "write", Parameters: map[string]any{"spec": "spec.md"}, Creates: []string{"spec"}},
			{ID: "implement", Requires: []string{"spec"}, Creates: []string{"code"}},
			{ID: "review", Activity: "review", Requires: []string{"code"}},
		},
	})
	require.NoError(t, err)
	activities := []Activity{writeActivity(), implement, review}

	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: activities, WorkDir: workDir, Checkpointer: s})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	err = exec.Execute(ctx)
	require.ErrorIs(t, err, ErrPaused)
	require.Equal(t, state.StatusPaused, exec.Status())

	loaded, _, err := s.Load(context.Background(), exec.ID())
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, loaded.Status)
	require.Equal(t, []string{"plan"}, loaded.CompletedSteps)
	require.Equal(t, state.ErrorKindCancelled, loaded.Steps["implement"].ErrorKind)

	mutex.Lock()
	block = false
	mutex.Unlock()

	resumed, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: activities, WorkDir: workDir, Checkpointer: s})
	require.NoError(t, err)
	require.NoError(t, resumed.Resume(context.Background(), exec.ID()))
	require.Equal(t, exec.ID(), resumed.ID())

	snap := resumed.Snapshot()
	require.Equal(t, state.StatusCompleted, snap.Status)
	require.Equal(t, []string{"implement", "plan", "review"}, snap.CompletedSteps)
	// plan was not re-run
	require.Equal(t, 1, snap.Steps["plan"].Attempts)
	require.Equal(t, 2, snap.Steps["implement"].Attempts)

	// Resuming a completed run does nothing
	again, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: activities, WorkDir: workDir, Checkpointer: s})
	require.NoError(t, err)
	require.NoError(t, again.Resume(context.Background(), exec.ID()))
	require.Equal(t, snap.Executions, again.Snapshot().Executions)
}

func TestResumeMissingRun(t *testing.T) {
	wf := planImplementReview(t, 0)
	review, _ := scoreActivity(90)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:     wf,
		Activities:   []Activity{writeActivity(), review},
		Checkpointer: newMemoryStore(t),
	})
	require.NoError(t, err)
	err = exec.Resume(context.Background(), "run_missing")
	require.ErrorIs(t, err, store.ErrStateNotFound)
}

func TestMaxConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	work := NewActivityFunction("work", func(ctx Context, params map[string]any) (*StepResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	var steps []*Step
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		steps = append(steps, &Step{ID: id, Activity: "work"})
	}
	wf, err := New(Options{Name: "fanout", Steps: steps})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:       wf,
		Activities:     []Activity{work},
		WorkDir:        t.TempDir(),
		MaxConcurrency: 2,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, exec.Snapshot().CompletedSteps, 5)
}

func TestUnsafeStepRunsAlone(t *testing.T) {
	var running atomic.Int32
	var overlapped atomic.Bool
	work := NewActivityFunction("work", func(ctx Context, params map[string]any) (*StepResult, error) {
		running.Add(1)
		defer running.Add(-1)
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	exclusive := NewActivityFunction("exclusive", func(ctx Context, params map[string]any) (*StepResult, error) {
		if running.Load() != 0 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		if running.Load() != 0 {
			overlapped.Store(true)
		}
		return nil, nil
	})
	unsafe := false
	wf, err := New(Options{Name: "w", Steps: []*Step{
		{ID: "a", Activity: "work"},
		{ID: "migrate", Activity: "exclusive", ConcurrencySafe: &unsafe},
		{ID: "b", Activity: "work"},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{work, exclusive},
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))
	require.False(t, overlapped.Load())
}

func TestIsolatedStepsDoNotMixOutput(t *testing.T) {
	workDir := t.TempDir()
	iso, err := isolation.NewDirIsolator(workDir, isolation.WithScratchDir(t.TempDir()))
	require.NoError(t, err)

	writer := NewActivityFunction("writer", func(ctx Context, params map[string]any) (*StepResult, error) {
		label := params["label"].(string)
		scratch := filepath.Join(ctx.WorkDir(), "tmp.txt")
		for i := 0; i < 20; i++ {
			f, err := os.OpenFile(scratch, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, err
			}
			f.WriteString(label)
			f.Close()
			time.Sleep(time.Millisecond)
		}
		data, err := os.ReadFile(scratch)
		if err != nil {
			return nil, err
		}
		out := "out-" + label + ".txt"
		if err := os.WriteFile(filepath.Join(ctx.WorkDir(), out), data, 0o644); err != nil {
			return nil, err
		}
		return &StepResult{Artifacts: []ArtifactOutput{{Name: label, Path: out}}}, nil
	})
	wf, err := New(Options{Name: "parallel", Steps: []*Step{
		{ID: "a", Activity: "writer", Parameters: map[string]any{"label": "a"}, Creates: []string{"a"}},
		{ID: "b", Activity: "writer", Parameters: map[string]any{"label": "b"}, Creates: []string{"b"}},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{writer},
		WorkDir:    workDir,
		Isolator:   iso,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	a, err := os.ReadFile(filepath.Join(workDir, "out-a.txt"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(workDir, "out-b.txt"))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("a", 20), string(a))
	require.Equal(t, strings.Repeat("b", 20), string(b))
}

func TestDefaultIsolationSeparatesConcurrentSteps(t *testing.T) {
	workDir := t.TempDir()
	var barrier sync.WaitGroup
	barrier.Add(2)
	met := make(chan struct{})
	go func() {
		barrier.Wait()
		close(met)
	}()

	writer := NewActivityFunction("writer", func(ctx Context, params map[string]any) (*StepResult, error) {
		scratch := filepath.Join(ctx.WorkDir(), "scratch.txt")
		if err := os.WriteFile(scratch, []byte(ctx.StepID()), 0o644); err != nil {
			return nil, err
		}
		barrier.Done()
		select {
		case <-met:
		case <-time.After(5 * time.Second):
			return nil, errors.New("steps did not run concurrently")
		}
		data, err := os.ReadFile(scratch)
		if err != nil {
			return nil, err
		}
		return &StepResult{Output: map[string]any{"seen": string(data)}}, nil
	})
	wf, err := New(Options{Name: "parallel", Steps: []*Step{
		{ID: "left", Activity: "writer"},
		{ID: "right", Activity: "writer"},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   wf,
		Activities: []Activity{writer},
		WorkDir:    workDir,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	snap := exec.Snapshot()
	require.Equal(t, "left", snap.Steps["left"].Output["seen"])
	require.Equal(t, "right", snap.Steps["right"].Output["seen"])
	merged, err := os.ReadFile(filepath.Join(workDir, "scratch.txt"))
	require.NoError(t, err)
	require.Contains(t, []string{"left", "right"}, string(merged))
}

func TestFailedGateDiscardsStepWork(t *testing.T) {
	workDir := t.TempDir()
	drafter := NewActivityFunction("draft", func(ctx Context, params map[string]any) (*StepResult, error) {
		if err := os.WriteFile(filepath.Join(ctx.WorkDir(), "draft.txt"), []byte("rejected"), 0o644); err != nil {
			return nil, err
		}
		return &StepResult{Score: Score(10), Variables: map[string]any{"draft": "rejected"}}, nil
	})
	wf, err := New(Options{Name: "w", Steps: []*Step{
		{ID: "draft", Activity: "draft", Gate: &GateSpec{Condition: "score >= 70"}},
	}})
	require.NoError(t, err)
	exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{drafter}, WorkDir: workDir})
	require.NoError(t, err)

	var gateErr *GateFailedError
	require.ErrorAs(t, exec.Execute(context.Background()), &gateErr)

	_, err = os.Stat(filepath.Join(workDir, "draft.txt"))
	require.True(t, os.IsNotExist(err))
	require.NotContains(t, exec.Snapshot().Variables, "draft")
}

func TestGateSeesStagedVariables(t *testing.T) {
	tests := []struct {
		name     string
		coverage int
		wantErr  bool
	}{
		{name: "pass", coverage: 90},
		{name: "fail", coverage: 40, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			activity := NewActivityFunction("measure", func(ctx Context, params map[string]any) (*StepResult, error) {
				return &StepResult{Variables: map[string]any{"coverage": tt.coverage}}, nil
			})
			wf, err := New(Options{Name: "w", Steps: []*Step{
				{ID: "measure", Activity: "measure", Gate: &GateSpec{Condition: `variables["coverage"] >= 80`}},
			}})
			require.NoError(t, err)
			exec, err := NewExecution(ExecutionOptions{Workflow: wf, Activities: []Activity{activity}, WorkDir: t.TempDir()})
			require.NoError(t, err)

			err = exec.Execute(context.Background())
			vars := exec.Snapshot().Variables
			if tt.wantErr {
				require.Error(t, err)
				require.NotContains(t, vars, "coverage")
				return
			}
			require.NoError(t, err)
			require.Equal(t, int64(tt.coverage), vars["coverage"])
		})
	}
}

func TestFailurePolicies(t *testing.T) {
	newWorkflow := func(t *testing.T) *Workflow {
		wf, err := New(Options{Name: "w", Steps: []*Step{
			{ID: "fails", Activity: "fails"},
			{ID: "slow", Activity: "slow"},
		}})
		require.NoError(t, err)
		return wf
	}
	fails := NewActivityFunction("fails", func(ctx Context, params map[string]any) (*StepResult, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, errors.New("broken")
	})
	slow := NewActivityFunction("slow", func(ctx Context, params map[string]any) (*StepResult, error) {
		if err := os.WriteFile(filepath.Join(ctx.WorkDir(), "slow.txt"), []byte("partial"), 0o644); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil, nil
		}
	})

	t.Run("fail fast cancels siblings and discards their work", func(t *testing.T) {
		workDir := t.TempDir()
		iso, err := isolation.NewDirIsolator(workDir, isolation.WithScratchDir(t.TempDir()))
		require.NoError(t, err)
		exec, err := NewExecution(ExecutionOptions{
			Workflow:      newWorkflow(t),
			Activities:    []Activity{fails, slow},
			WorkDir:       workDir,
			Isolator:      iso,
			FailurePolicy: FailFast,
		})
		require.NoError(t, err)
		start := time.Now()
		err = exec.Execute(context.Background())
		require.ErrorContains(t, err, "broken")
		require.Less(t, time.Since(start), 150*time.Millisecond)
		require.Equal(t, state.ErrorKindCancelled, exec.Snapshot().Steps["slow"].ErrorKind)
		_, err = os.Stat(filepath.Join(workDir, "slow.txt"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("best effort keeps sibling results", func(t *testing.T) {
		workDir := t.TempDir()
		iso, err := isolation.NewDirIsolator(workDir, isolation.WithScratchDir(t.TempDir()))
		require.NoError(t, err)
		exec, err := NewExecution(ExecutionOptions{
			Workflow:      newWorkflow(t),
			Activities:    []Activity{fails, slow},
			WorkDir:       workDir,
			Isolator:      iso,
			FailurePolicy: BestEffort,
		})
		require.NoError(t, err)
		err = exec.Execute(context.Background())
		require.ErrorContains(t, err, "broken")
		require.True(t, exec.Run().IsCompleted("slow"))
		data, err := os.ReadFile(filepath.Join(workDir, "slow.txt"))
		require.NoError(t, err)
		require.Equal(t, "partial", string(data))
	})
}

func TestCheckpointPolicyIsApplied(t *testing.T) {
	review, _ := scoreActivity(90)
	s := newMemoryStore(t)
	exec, err := NewExecution(ExecutionOptions{
		Workflow:         planImplementReview(t, 0),
		Activities:       []Activity{writeActivity(), review},
		WorkDir:          t.TempDir(),
		Checkpointer:     s,
		CheckpointPolicy: GatesOnly{},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	cps, err := s.ListCheckpoints(context.Background(), exec.ID())
	require.NoError(t, err)
	var triggers []string
	for _, cp := range cps {
		triggers = append(triggers, cp.TriggerStep)
	}
	// One checkpoint for the gated step and the terminal one
	require.Equal(t, []string{"review", "review"}, triggers)
	require.Equal(t, state.StatusCompleted, cps[1].Status)
}

func TestStepLogger(t *testing.T) {
	review, _ := scoreActivity(50, 80)
	logger := NewFileStepLogger(t.TempDir())
	exec, err := NewExecution(ExecutionOptions{
		Workflow:   planImplementReview(t, 0),
		Activities: []Activity{writeActivity(), review},
		WorkDir:    t.TempDir(),
		StepLogger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(context.Background()))

	entries, err := logger.GetStepHistory(context.Background(), exec.ID())
	require.NoError(t, err)
	require.Len(t, entries, 5)
	var gates []string
	for _, entry := range entries {
		if entry.StepID == "review" {
			gates = append(gates, entry.Gate)
		}
	}
	require.Equal(t, []string{GateFailed, GatePassed}, gates)
	require.Equal(t, map[string]any{"spec": "spec.md"}, entries[0].Parameters)

	missing, err := logger.GetStepHistory(context.Background(), "run_none")
	require.NoError(t, err)
	require.Empty(t, missing)
}
