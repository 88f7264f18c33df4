package activities

import (
	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/retry"
)

// RetryActivity retries a wrapped activity on recoverable errors. Fatal
// workflow errors are never retried. Timeouts
// raised inside the body (errors matching context.DeadlineExceeded) draw on
// their own budget, set with retry.WithTimeoutRetries. A step timeout set on
// the workflow still bounds all attempts together.
type RetryActivity struct {
	activity workflow.Activity
	opts     []retry.Option
}

// WithRetry wraps activity so that recoverable failures are retried
func WithRetry(activity workflow.Activity, opts ...retry.Option) *RetryActivity {
	return &RetryActivity{activity: activity, opts: opts}
}

func (a *RetryActivity) Name() string {
	return a.activity.Name()
}

func (a *RetryActivity) Execute(ctx workflow.Context, params map[string]any) (*workflow.StepResult, error) {
	opts := append([]retry.Option{retry.WithLogger(ctx.Logger())}, a.opts...)
	var result *workflow.StepResult
	err := retry.Do(ctx, func() error {
		r, err := a.activity.Execute(ctx, params)
		if err != nil {
			if workflow.MatchesErrorType(err, workflow.ErrorTypeFatal) {
				return retry.NewNonRecoverableError(err)
			}
			return err
		}
		result = r
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return result, nil
}
