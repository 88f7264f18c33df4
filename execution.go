package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"

	"github.com/wtthornton/TappsCodingAgents-sub003/isolation"
	"github.com/wtthornton/TappsCodingAgents-sub003/script"
	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// Defaults for ExecutionOptions
const (
	DefaultMaxConcurrency = 4
	DefaultMaxLoopbacks   = 3
)

// NewRunID returns a new TypeID for run identification
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Workflow   *Workflow
	Activities []Activity

	// Variables override the workflow's initial variables
	Variables map[string]any

	// RunID is generated when empty
	RunID string

	// WorkDir is the shared working tree. Relative artifact paths resolve
	// against it. Defaults to the current directory.
	WorkDir string

	// Isolator defaults to a DirIsolator over WorkDir, so every step works
	// on a private copy. Use a SharedIsolator to run steps in WorkDir itself.
	Isolator isolation.Isolator

	Checkpointer     Checkpointer
	CheckpointPolicy CheckpointPolicy
	MaxConcurrency   int
	FailurePolicy    FailurePolicy

	// MaxLoopbacks caps loopbacks per (gated step, target) pair unless the
	// gate sets its own limit
	MaxLoopbacks int

	// StepTimeout applies to steps without their own timeout
	StepTimeout time.Duration

	// Conditions replace the expression of the gate on the named steps
	Conditions map[string]Condition

	StepLogger         StepLogger
	Logger             *slog.Logger
	ScriptCompiler     script.Compiler
	ExecutionCallbacks ExecutionCallbacks
	Clock              func() time.Time
}

// Execution runs one workflow run to completion, failure or pause. The outer
// loop is sequential: compute the ready set, dispatch a batch, apply each
// outcome under a single lock, persist. Only step bodies run concurrently.
type Execution struct {
	workflow *Workflow
	run      *state.Run
	resumed  bool

	scheduler    *Scheduler
	executor     *Executor
	gates        *GateEvaluator
	activities   map[string]Activity
	checkpointer Checkpointer
	policy       CheckpointPolicy
	stepLogger   StepLogger
	callbacks    ExecutionCallbacks
	compiler     script.Compiler
	logger       *slog.Logger
	maxLoopbacks int
	now          func() time.Time

	// params holds the rendered parameters of in-flight steps
	params map[string]map[string]any

	mutex   sync.Mutex
	started bool
}

// NewExecution creates a new execution
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if len(opts.Activities) == 0 {
		return nil, fmt.Errorf("activities are required")
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.CheckpointPolicy == nil {
		opts.CheckpointPolicy = EveryStep{}
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.ExecutionCallbacks == nil {
		opts.ExecutionCallbacks = &BaseExecutionCallbacks{}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.MaxLoopbacks <= 0 {
		opts.MaxLoopbacks = DefaultMaxLoopbacks
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("invalid work dir: %w", err)
	}
	if opts.Isolator == nil {
		isolator, err := isolation.NewDirIsolator(workDir, isolation.WithLogger(opts.Logger))
		if err != nil {
			return nil, err
		}
		opts.Isolator = isolator
	}

	activities := make(map[string]Activity, len(opts.Activities))
	for _, activity := range opts.Activities {
		activities[activity.Name()] = activity
	}
	for _, step := range opts.Workflow.Steps() {
		if _, ok := activities[activityName(step)]; !ok {
			return nil, fmt.Errorf("step %q: activity %q not registered", step.ID, activityName(step))
		}
	}

	logger := opts.Logger.With("run_id", opts.RunID)
	executor, err := NewExecutor(ExecutorOptions{
		MaxConcurrency: opts.MaxConcurrency,
		FailurePolicy:  opts.FailurePolicy,
		Isolator:       opts.Isolator,
		DefaultTimeout: opts.StepTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	gates := NewGateEvaluator(opts.ScriptCompiler)
	for stepID, condition := range opts.Conditions {
		gates.Register(stepID, condition)
	}
	if err := gates.Prepare(context.Background(), opts.Workflow); err != nil {
		return nil, err
	}

	definition, err := opts.Workflow.Definition()
	if err != nil {
		return nil, err
	}
	variables := opts.Workflow.InitialVariables()
	for k, v := range opts.Variables {
		variables[k] = v
	}
	run, err := state.NewRun(state.RunOptions{
		ID:           opts.RunID,
		WorkflowName: opts.Workflow.Name(),
		Definition:   definition,
		TotalSteps:   len(opts.Workflow.Steps()),
		Variables:    variables,
		StartedAt:    opts.Clock(),
	})
	if err != nil {
		return nil, err
	}

	return &Execution{
		workflow:     opts.Workflow,
		run:          run,
		scheduler:    NewScheduler(workDir),
		executor:     executor,
		gates:        gates,
		activities:   activities,
		checkpointer: opts.Checkpointer,
		policy:       opts.CheckpointPolicy,
		stepLogger:   opts.StepLogger,
		callbacks:    opts.ExecutionCallbacks,
		compiler:     opts.ScriptCompiler,
		logger:       logger,
		maxLoopbacks: opts.MaxLoopbacks,
		now:          opts.Clock,
		params:       map[string]map[string]any{},
	}, nil
}

// activityName returns the activity a step runs. Steps without an explicit
// activity run the activity named after the step id.
func activityName(step *Step) string {
	if step.Activity != "" {
		return step.Activity
	}
	return step.ID
}

// ID returns the run ID
func (e *Execution) ID() string {
	return e.run.ID()
}

// Status returns the current run status
func (e *Execution) Status() state.Status {
	return e.run.GetStatus()
}

// Run returns a read-only view of the run state
func (e *Execution) Run() state.Reader {
	return e.run
}

// Snapshot returns a copy of the current run state
func (e *Execution) Snapshot() *state.Snapshot {
	return e.run.Snapshot()
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Execute runs the workflow until it completes, fails or is paused by
// cancelling ctx.
func (e *Execution) Execute(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	return e.execute(ctx)
}

// Resume continues a persisted run. Completed runs return immediately;
// failed and paused runs are set back to running and continue from their
// persisted state.
func (e *Execution) Resume(ctx context.Context, runID string) error {
	if err := e.start(); err != nil {
		return err
	}
	snap, meta, err := e.checkpointer.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %q: %w", runID, err)
	}
	if err := e.restore(snap); err != nil {
		return err
	}
	if meta != nil && meta.FallbackFrom != "" {
		e.logger.Warn("resumed from history checkpoint",
			"location", meta.Location, "unusable", meta.FallbackFrom)
	}
	if e.run.GetStatus() == state.StatusCompleted {
		e.logger.Info("run already completed")
		return nil
	}
	if e.run.GetStatus() == state.StatusFailed {
		e.logger.Info("resuming failed run", "reason", e.run.StatusReason())
	}
	return e.execute(ctx)
}

func (e *Execution) restore(snap *state.Snapshot) error {
	if snap.WorkflowName != "" && snap.WorkflowName != e.workflow.Name() {
		return fmt.Errorf("run %q belongs to workflow %q, not %q", snap.ID, snap.WorkflowName, e.workflow.Name())
	}
	run, err := state.FromSnapshot(snap)
	if err != nil {
		return err
	}
	e.run = run
	e.resumed = true
	e.logger = e.logger.With("run_id", run.ID())
	return nil
}

func (e *Execution) execute(ctx context.Context) error {
	e.run.SetStatus(state.StatusRunning, "")
	startTime := e.now()

	e.callbacks.BeforeWorkflowExecution(ctx, &WorkflowExecutionEvent{
		RunID:        e.run.ID(),
		WorkflowName: e.workflow.Name(),
		Status:       state.StatusRunning,
		Resumed:      e.resumed,
		StartTime:    startTime,
		StepCount:    len(e.workflow.Steps()),
		Completed:    len(e.run.CompletedSteps()),
		Executions:   e.run.Executions(),
	})
	e.logger.Info("run started",
		"workflow", e.workflow.Name(),
		"resumed", e.resumed,
		"completed", len(e.run.CompletedSteps()))

	runErr := e.loop(ctx)
	return e.finish(ctx, startTime, runErr)
}

func (e *Execution) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ErrPaused
		}
		if e.scheduler.Done(e.workflow, e.run) {
			return nil
		}
		ready := e.scheduler.Ready(e.workflow, e.run, nil)
		if len(ready) == 0 {
			report := e.scheduler.Blocked(e.workflow, e.run)
			return &BlockedWorkflowError{Report: report}
		}
		batch := NextBatch(ready)
		e.logger.Debug("dispatching batch", "steps", stepIDs(batch))
		if _, err := e.executor.RunReady(ctx, batch, e.stepStarted, e.executeStep, e.commitStep); err != nil {
			return err
		}
	}
}

func stepIDs(steps []*Step) []string {
	ids := make([]string, len(steps))
	for i, step := range steps {
		ids[i] = step.ID
	}
	return ids
}

// finish records the final status and always persists it, whatever the
// checkpoint policy says
func (e *Execution) finish(ctx context.Context, startTime time.Time, runErr error) error {
	endTime := e.now()
	status := state.StatusCompleted
	reason := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrPaused):
		status = state.StatusPaused
		reason = "cancelled by operator"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
	default:
		status = state.StatusFailed
		reason = runErr.Error()
	}
	e.run.Finish(status, reason, endTime)

	// The run context may already be cancelled; the final state must still be saved
	persistCtx := context.WithoutCancel(ctx)
	trigger := e.run.CurrentStep()
	if trigger == "" {
		trigger = string(status)
	}
	if err := e.checkpoint(persistCtx, trigger, true); err != nil {
		e.logger.Error("failed to save final checkpoint", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("failed to save final state: %w", err))
	}

	switch status {
	case state.StatusCompleted:
		e.logger.Info("run completed", "executions", e.run.Executions())
	case state.StatusPaused:
		e.logger.Warn("run paused", "reason", reason)
	default:
		e.logger.Error("run failed", "error", runErr)
	}

	e.callbacks.AfterWorkflowExecution(ctx, &WorkflowExecutionEvent{
		RunID:        e.run.ID(),
		WorkflowName: e.workflow.Name(),
		Status:       status,
		Resumed:      e.resumed,
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     endTime.Sub(startTime),
		StepCount:    len(e.workflow.Steps()),
		Completed:    len(e.run.CompletedSteps()),
		Executions:   e.run.Executions(),
		Error:        runErr,
	})
	return runErr
}

// stepStarted is called by the executor, serialized, as each step dispatches
func (e *Execution) stepStarted(step *Step, startedAt time.Time) {
	e.run.StepStarted(step.ID, startedAt)
	rec, _ := e.run.StepRecord(step.ID)
	e.callbacks.BeforeStepExecution(context.Background(), &StepExecutionEvent{
		RunID:        e.run.ID(),
		WorkflowName: e.workflow.Name(),
		StepID:       step.ID,
		ActivityName: activityName(step),
		Attempt:      rec.Attempts,
		StartTime:    startedAt,
	})
}

// templateGlobals returns the names visible to parameter templates
func (e *Execution) templateGlobals(step *Step) map[string]any {
	artifacts := map[string]any{}
	for name, a := range e.run.GetArtifacts() {
		artifacts[name] = a.Path
	}
	return map[string]any{
		script.GlobalVariables: e.run.GetVariables(),
		script.GlobalArtifacts: artifacts,
		script.GlobalStep:      step.ID,
		script.GlobalRun: map[string]any{
			"id":       e.run.ID(),
			"workflow": e.workflow.Name(),
		},
	}
}

// executeStep runs a step body. It is called concurrently.
func (e *Execution) executeStep(ctx context.Context, step *Step, workDir string) (*StepResult, error) {
	activity := e.activities[activityName(step)]
	params, err := script.RenderParameters(ctx, e.compiler, step.Parameters, e.templateGlobals(step))
	if err != nil {
		return nil, NewWorkflowError(ErrorTypeFatal, fmt.Sprintf("step %q: %v", step.ID, err))
	}
	e.mutex.Lock()
	e.params[step.ID] = params
	e.mutex.Unlock()

	logger := e.logger.With("step", step.ID)
	actx := newContext(ctx, e.run, step.ID, workDir, logger, e.compiler)
	result, err := activity.Execute(actx, params)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &StepResult{}
	}
	for i, a := range result.Artifacts {
		if filepath.IsAbs(a.Path) {
			if rel, err := filepath.Rel(workDir, a.Path); err == nil && !strings.HasPrefix(rel, "..") {
				result.Artifacts[i].Path = rel
			}
		}
	}
	return result, nil
}

// commitStep applies an outcome to the run. The executor serializes calls.
func (e *Execution) commitStep(ctx context.Context, outcome *StepOutcome) error {
	if outcome.StartedAt.IsZero() {
		// Never dispatched
		return nil
	}
	step := outcome.Step
	now := e.now()
	logEntry := e.newLogEntry(step, outcome)
	event := &StepExecutionEvent{
		RunID:        e.run.ID(),
		WorkflowName: e.workflow.Name(),
		StepID:       step.ID,
		ActivityName: activityName(step),
		Attempt:      logEntry.Attempt,
		StartTime:    outcome.StartedAt,
		EndTime:      outcome.StartedAt.Add(outcome.Duration),
		Duration:     outcome.Duration,
		Result:       outcome.Result,
		Error:        outcome.Err,
	}

	var commitErr error
	switch {
	case outcome.Cancelled:
		event.ErrorKind = state.ErrorKindCancelled
		e.run.StepFailed(step.ID, state.ErrorKindCancelled, "cancelled", now)
		e.logger.Warn("step cancelled", "step", step.ID)
	case outcome.Err != nil:
		commitErr = e.commitFailure(ctx, step, outcome, event, now)
	default:
		commitErr = e.commitSuccess(ctx, step, outcome, event, logEntry, now)
	}

	logEntry.ErrorKind = event.ErrorKind
	if outcome.Err != nil {
		logEntry.Error = outcome.Err.Error()
	}
	e.callbacks.AfterStepExecution(ctx, event)
	if err := e.stepLogger.LogStep(ctx, logEntry); err != nil {
		e.logger.Error("failed to log step", "step", step.ID, "error", err)
	}
	if commitErr != nil || outcome.Cancelled {
		return commitErr
	}

	if e.policy.ShouldCheckpoint(step.ID, e.run, step.HasGate()) {
		if err := e.checkpoint(ctx, step.ID, false); err != nil {
			return fmt.Errorf("failed to save checkpoint after step %q: %w", step.ID, err)
		}
	}
	return nil
}

func (e *Execution) newLogEntry(step *Step, outcome *StepOutcome) *StepLogEntry {
	e.mutex.Lock()
	params := e.params[step.ID]
	delete(e.params, step.ID)
	e.mutex.Unlock()

	attempt := 0
	if rec, ok := e.run.StepRecord(step.ID); ok {
		attempt = rec.Attempts
	}
	entry := &StepLogEntry{
		ID:         newLogID(),
		RunID:      e.run.ID(),
		StepID:     step.ID,
		Activity:   activityName(step),
		Attempt:    attempt,
		Parameters: params,
		StartTime:  outcome.StartedAt,
		Duration:   outcome.Duration.Seconds(),
	}
	if outcome.Result != nil {
		entry.Output = outcome.Result.Output
		entry.Score = outcome.Result.Score
	}
	return entry
}

func newLogID() string {
	id, err := typeid.WithPrefix("step")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func (e *Execution) commitFailure(ctx context.Context, step *Step, outcome *StepOutcome, event *StepExecutionEvent, now time.Time) error {
	kind := state.ErrorKindError
	var timeoutErr *StepTimeoutError
	if errors.As(outcome.Err, &timeoutErr) {
		kind = state.ErrorKindTimeout
	}
	event.ErrorKind = kind
	e.run.StepFailed(step.ID, kind, outcome.Err.Error(), now)
	e.logger.Warn("step failed", "step", step.ID, "error_kind", kind, "error", outcome.Err)

	// A gate with an on_fail path turns the failure into a loopback
	if step.HasGate() && step.Gate.OnFail != "" && ClassifyError(outcome.Err).Type != ErrorTypeFatal {
		reason := fmt.Sprintf("step failed: %v", outcome.Err)
		return e.loopback(ctx, step, reason, nil)
	}
	if timeoutErr != nil {
		return timeoutErr
	}
	return &StepExecutionError{StepID: step.ID, Err: outcome.Err}
}

func (e *Execution) commitSuccess(ctx context.Context, step *Step, outcome *StepOutcome, event *StepExecutionEvent, logEntry *StepLogEntry, now time.Time) error {
	result := outcome.Result

	// The gate sees the step's variables, but they only reach the run, like
	// its files, once the gate passes
	if step.HasGate() {
		variables := e.run.GetVariables()
		maps.Copy(variables, result.Variables)
		gate, err := e.gates.Evaluate(ctx, step, result, variables)
		if err != nil {
			return fmt.Errorf("gate on step %q: %w", step.ID, err)
		}
		e.callbacks.AfterGateEvaluation(ctx, &GateEvaluationEvent{
			RunID:        e.run.ID(),
			WorkflowName: e.workflow.Name(),
			StepID:       step.ID,
			Passed:       gate.Passed,
			NextStep:     gate.NextStep,
			Reason:       gate.Reason,
			Score:        result.Score,
			Loopbacks:    e.run.LoopbackCount(step.ID, step.Gate.OnFail),
		})
		if !gate.Passed {
			logEntry.Gate = GateFailed
			e.run.StepFinished(step.ID, result.Output, result.Score, now)
			e.logger.Info("gate failed", "step", step.ID, "reason", gate.Reason)
			if step.Gate.OnFail == "" {
				e.run.StepFailed(step.ID, state.ErrorKindGate, gate.Reason, now)
				return &GateFailedError{StepID: step.ID, Reason: gate.Reason}
			}
			return e.loopback(ctx, step, gate.Reason, result)
		}
		logEntry.Gate = GatePassed
		e.logger.Info("gate passed", "step", step.ID)
	}

	if err := outcome.Merge(ctx); err != nil {
		outcome.Err = fmt.Errorf("failed to merge work of step %q: %w", step.ID, err)
		event.Error = outcome.Err
		return e.commitFailure(ctx, step, outcome, event, now)
	}
	e.run.StepFinished(step.ID, result.Output, result.Score, now)
	if len(result.Variables) > 0 {
		e.run.SetVariables(result.Variables)
	}
	e.registerArtifacts(step, result, now)
	if err := e.run.Complete(step.ID, now); err != nil {
		return err
	}
	if step.HasGate() && step.Gate.OnPass != "" {
		e.run.SetCurrentStep(step.Gate.OnPass)
	}
	e.logger.Info("step completed", "step", step.ID, "duration", outcome.Duration)
	return nil
}

// registerArtifacts records reported artifacts, then declared ones whose
// path exists in the shared tree
func (e *Execution) registerArtifacts(step *Step, result *StepResult, now time.Time) {
	reported := map[string]bool{}
	for _, a := range result.Artifacts {
		if a.Name == "" {
			continue
		}
		kind := a.Kind
		if kind == "" {
			kind = e.detectKind(a.Path)
		}
		e.run.AddArtifact(a.Name, state.Artifact{Path: a.Path, Kind: kind, CreatedAt: now, Step: step.ID})
		reported[a.Name] = true
	}
	for _, name := range step.Creates {
		if reported[name] {
			continue
		}
		spec, ok := e.workflow.Artifact(name)
		if !ok || !e.scheduler.exists(e.scheduler.ResolvePath(spec.Path)) {
			e.logger.Warn("step did not produce declared artifact", "step", step.ID, "artifact", name)
			continue
		}
		kind := spec.Kind
		if kind == "" {
			kind = e.detectKind(spec.Path)
		}
		e.run.AddArtifact(name, state.Artifact{Path: spec.Path, Kind: kind, CreatedAt: now, Step: step.ID})
	}
}

func (e *Execution) detectKind(path string) state.ArtifactKind {
	info, err := os.Stat(e.scheduler.ResolvePath(path))
	if err == nil && info.IsDir() {
		return state.ArtifactDirectory
	}
	return state.ArtifactFile
}

// loopback routes a failed gate back to its on_fail target. The target and
// every completed step downstream of it (up to the gated step) become
// pending again, and the artifacts they created are withdrawn.
func (e *Execution) loopback(ctx context.Context, gated *Step, reason string, result *StepResult) error {
	target := gated.Gate.OnFail
	limit := gated.Gate.MaxLoopbacks
	if limit <= 0 {
		limit = e.maxLoopbacks
	}
	count := e.run.LoopbackCount(gated.ID, target)
	if count >= limit {
		e.run.StepFailed(gated.ID, state.ErrorKindGate, reason, e.now())
		return &LoopbackLimitExceededError{StepID: gated.ID, Target: target, Limit: limit, Reason: reason}
	}
	invalidate, withdraw := e.downstreamOf(gated, target)
	n := e.run.Loopback(gated.ID, target, invalidate, withdraw)
	e.logger.Warn("looping back",
		"step", gated.ID,
		"target", target,
		"iteration", n,
		"limit", limit,
		"reason", reason,
		"invalidated", invalidate)
	return nil
}

// downstreamOf returns the completed steps that consume, directly or
// transitively, artifacts created by target, and every artifact created by
// target, those steps and the gated step.
func (e *Execution) downstreamOf(gated *Step, target string) (invalidate, withdraw []string) {
	targetStep, _ := e.workflow.GetStep(target)
	seenSteps := map[string]bool{gated.ID: true, target: true}
	seenArtifacts := map[string]bool{}
	var queue []string
	addArtifacts := func(names []string) {
		for _, name := range names {
			if !seenArtifacts[name] {
				seenArtifacts[name] = true
				withdraw = append(withdraw, name)
				queue = append(queue, name)
			}
		}
	}
	addArtifacts(targetStep.Creates)
	addArtifacts(gated.Creates)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, consumer := range e.workflow.Consumers(name) {
			if seenSteps[consumer] || !e.run.IsCompleted(consumer) {
				continue
			}
			seenSteps[consumer] = true
			invalidate = append(invalidate, consumer)
			step, _ := e.workflow.GetStep(consumer)
			addArtifacts(step.Creates)
		}
	}
	return invalidate, withdraw
}

// checkpoint persists the run and notifies callbacks. Terminal checkpoints do
// not reset the policy counters.
func (e *Execution) checkpoint(ctx context.Context, stepID string, terminal bool) error {
	start := time.Now()
	meta, err := e.checkpointer.Commit(ctx, e.run.Snapshot(), stepID)
	event := &CheckpointEvent{
		RunID:        e.run.ID(),
		WorkflowName: e.workflow.Name(),
		StepID:       stepID,
		Terminal:     terminal,
		Duration:     time.Since(start),
		Error:        err,
	}
	if meta != nil {
		event.Location = meta.Location
		event.Sequence = meta.Sequence
	}
	e.callbacks.AfterCheckpoint(ctx, event)
	if err != nil {
		return err
	}
	if !terminal {
		e.policy.RecordCheckpoint(stepID)
	}
	return nil
}
