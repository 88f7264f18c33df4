package activities

import (
	"errors"
	"time"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
)

// SleepParams defines the parameters for the sleep activity. Duration
// accepts Go duration strings such as "1.5s".
type SleepParams struct {
	Duration time.Duration `mapstructure:"duration"`
}

// SleepActivity implements a configurable sleep/delay
type SleepActivity struct{}

func NewSleepActivity() workflow.Activity {
	return workflow.NewTypedActivity(&SleepActivity{})
}

func (a *SleepActivity) Name() string {
	return "sleep"
}

func (a *SleepActivity) Execute(ctx workflow.Context, params SleepParams) (*workflow.StepResult, error) {
	if params.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}

	timer := time.NewTimer(params.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &workflow.StepResult{
			Output: map[string]any{"slept": params.Duration.String()},
		}, nil
	}
}
