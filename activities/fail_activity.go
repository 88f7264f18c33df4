package activities

import (
	"context"
	"fmt"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/retry"
)

// FailParams configures the fail activity. Kind selects how the failure is
// classified:
//
//   - "error" (default): an ordinary step failure, which a gate with an
//     on_fail target turns into a loopback
//   - "fatal": never looped back or retried
//   - "transient": recoverable, so WithRetry retries it
//   - "timeout": matches context.DeadlineExceeded
type FailParams struct {
	Message string `mapstructure:"message"`
	Kind    string `mapstructure:"kind"`
}

// FailActivity fails on purpose. It is used to exercise gates, loopbacks and
// failure policies.
type FailActivity struct{}

func NewFailActivity() workflow.Activity {
	return workflow.NewTypedActivity(&FailActivity{})
}

func (a *FailActivity) Name() string {
	return "fail"
}

func (a *FailActivity) Execute(ctx workflow.Context, params FailParams) (*workflow.StepResult, error) {
	message := params.Message
	if message == "" {
		message = "intentional failure for testing"
	}
	switch params.Kind {
	case "", "error":
		return nil, fmt.Errorf("fail activity: %s", message)
	case "fatal":
		return nil, workflow.NewWorkflowError(workflow.ErrorTypeFatal, message)
	case "transient":
		return nil, retry.NewRecoverableError(fmt.Errorf("fail activity: %s", message))
	case "timeout":
		return nil, fmt.Errorf("fail activity: %s: %w", message, context.DeadlineExceeded)
	default:
		return nil, fmt.Errorf("fail activity: unknown kind %q", params.Kind)
	}
}
