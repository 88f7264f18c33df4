package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wtthornton/TappsCodingAgents-sub003/isolation"
)

// FailurePolicy controls what happens to siblings when a step in a batch
// fails fatally
type FailurePolicy string

const (
	// FailFast cancels in-flight siblings and discards their work
	FailFast FailurePolicy = "fail-fast"

	// BestEffort lets siblings finish and keeps their results
	BestEffort FailurePolicy = "best-effort"
)

// Valid reports whether p is a known policy
func (p FailurePolicy) Valid() bool {
	return p == FailFast || p == BestEffort
}

// StepOutcome is the result of running one step body
type StepOutcome struct {
	Step      *Step
	Result    *StepResult
	Err       error
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration
	Merged    *isolation.MergeResult

	area    isolation.Area
	settled bool
}

// Succeeded reports whether the body returned without error
func (o *StepOutcome) Succeeded() bool {
	return o.Err == nil && !o.Cancelled
}

// Merge writes the step's isolated changes into the shared tree. Only the
// commit function may call it; changes not merged by the time commit
// returns are discarded.
func (o *StepOutcome) Merge(ctx context.Context) error {
	if o.area == nil || o.settled {
		return nil
	}
	o.settled = true
	merged, err := o.area.Commit(ctx)
	o.Merged = merged
	return err
}

func (o *StepOutcome) discard() {
	if o.area == nil || o.settled {
		return
	}
	o.settled = true
	_ = o.area.Discard()
}

// StepFunc runs a step body inside workDir
type StepFunc func(ctx context.Context, step *Step, workDir string) (*StepResult, error)

// CommitFunc applies an outcome to the run and decides, through
// StepOutcome.Merge, whether the step's work reaches the shared tree. Calls
// never overlap. A non-nil error is fatal to the batch.
type CommitFunc func(ctx context.Context, outcome *StepOutcome) error

// StartFunc is called, serialized, just before a step body starts
type StartFunc func(step *Step, startedAt time.Time)

// ExecutorOptions configures an Executor
type ExecutorOptions struct {
	MaxConcurrency int
	FailurePolicy  FailurePolicy
	Isolator       isolation.Isolator
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Executor runs batches of ready steps. At most MaxConcurrency bodies run at
// once across all batches. Each body gets its own isolation area. The area
// is merged only if the commit function asks for it, and never for a body
// that failed or was cancelled by a fatal error in a fail-fast batch.
type Executor struct {
	sem            *semaphore.Weighted
	policy         FailurePolicy
	isolator       isolation.Isolator
	defaultTimeout time.Duration
	logger         *slog.Logger
	mutex          sync.Mutex
}

// NewExecutor returns an executor
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailFast
	}
	if !opts.FailurePolicy.Valid() {
		return nil, fmt.Errorf("invalid failure policy %q", opts.FailurePolicy)
	}
	if opts.Isolator == nil {
		return nil, fmt.Errorf("isolator is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		policy:         opts.FailurePolicy,
		isolator:       opts.Isolator,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
	}, nil
}

// RunReady dispatches steps in order and waits for all of them. Outcomes are
// returned in dispatch order; commit is called in completion order. The
// returned error is the first fatal commit error, if any.
func (e *Executor) RunReady(ctx context.Context, steps []*Step, start StartFunc, execute StepFunc, commit CommitFunc) ([]*StepOutcome, error) {
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	outcomes := make([]*StepOutcome, len(steps))
	var fatal error
	var wg sync.WaitGroup

	for i, step := range steps {
		if err := e.sem.Acquire(batchCtx, 1); err != nil {
			// Cancelled before dispatch, so the step never started
			outcomes[i] = &StepOutcome{Step: step, Err: err, Cancelled: true}
			continue
		}
		startedAt := time.Now()
		e.mutex.Lock()
		if start != nil {
			start(step, startedAt)
		}
		e.mutex.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			outcome := e.runStep(batchCtx, step, startedAt, execute)
			outcomes[i] = outcome

			e.mutex.Lock()
			defer e.mutex.Unlock()
			defer outcome.discard()

			if outcome.Succeeded() && fatal != nil && e.policy == FailFast {
				outcome.Cancelled = true
				outcome.Err = context.Canceled
			}
			if !outcome.Succeeded() {
				outcome.discard()
			}
			if err := commit(ctx, outcome); err != nil {
				if fatal == nil {
					fatal = err
				}
				if e.policy == FailFast {
					cancelBatch()
				}
			}
		}()
	}
	wg.Wait()

	result := make([]*StepOutcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		if outcome.Cancelled && outcome.StartedAt.IsZero() {
			// Never dispatched; let the caller record the cancellation
			if err := commit(ctx, outcome); err != nil && fatal == nil {
				fatal = err
			}
		}
		result = append(result, outcome)
	}
	return result, fatal
}

func (e *Executor) runStep(ctx context.Context, step *Step, startedAt time.Time, execute StepFunc) *StepOutcome {
	outcome := &StepOutcome{Step: step, StartedAt: startedAt}
	defer func() { outcome.Duration = time.Since(startedAt) }()

	area, err := e.isolator.Acquire(ctx, step.ID)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.area = area

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	stepCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type bodyResult struct {
		result *StepResult
		err    error
	}
	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- bodyResult{err: fmt.Errorf("step %q panicked: %v", step.ID, r)}
			}
		}()
		result, err := execute(stepCtx, step, area.Dir())
		done <- bodyResult{result: result, err: err}
	}()

	var body bodyResult
	select {
	case body = <-done:
	case <-stepCtx.Done():
		// Bodies that ignore cancellation are abandoned
		body = bodyResult{err: stepCtx.Err()}
	}

	switch {
	case ctx.Err() != nil:
		outcome.Cancelled = true
		outcome.Err = ctx.Err()
	case body.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		outcome.Err = &StepTimeoutError{StepID: step.ID, Timeout: timeout}
	case body.err != nil:
		outcome.Err = body.err
	default:
		outcome.Result = body.result
		if outcome.Result == nil {
			outcome.Result = &StepResult{}
		}
	}
	return outcome
}
