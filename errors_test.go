package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorUnwrap(t *testing.T) {
	plain := NewWorkflowError("network-error", "connection refused")
	require.EqualError(t, plain, "network-error: connection refused")
	require.Nil(t, errors.Unwrap(plain))

	cause := errors.New("disk full")
	wrapped := fmt.Errorf("saving: %w", &WorkflowError{Type: ErrorTypeFatal, Cause: cause.Error(), Wrapped: cause})
	require.ErrorIs(t, wrapped, cause)

	var wErr *WorkflowError
	require.ErrorAs(t, wrapped, &wErr)
	require.Equal(t, ErrorTypeFatal, wErr.Type)
}

func TestClassifyError(t *testing.T) {
	fatal := NewWorkflowError(ErrorTypeFatal, "bad input")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"timeout text", errors.New("read timeout on socket"), ErrorTypeTimeout},
		{"cancelled", fmt.Errorf("stop: %w", context.Canceled), ErrorTypeCancelled},
		{"generic", errors.New("exit status 2"), ErrorTypeActivityFailed},
		{"existing", fmt.Errorf("wrapped: %w", fatal), ErrorTypeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			if tt.want != ErrorTypeFatal {
				require.ErrorIs(t, classified, tt.err)
			}
		})
	}
	require.Same(t, fatal, ClassifyError(fatal))
}

func TestMatchesErrorType(t *testing.T) {
	timeout := NewWorkflowError(ErrorTypeTimeout, "slow")
	failed := NewWorkflowError(ErrorTypeActivityFailed, "broken")
	fatal := NewWorkflowError(ErrorTypeFatal, "bad input")
	custom := NewWorkflowError("rate-limited", "429")

	tests := []struct {
		err       error
		errorType string
		want      bool
	}{
		{timeout, ErrorTypeTimeout, true},
		{timeout, ErrorTypeActivityFailed, false},
		{timeout, ErrorTypeAll, true},
		{failed, ErrorTypeActivityFailed, true},
		{failed, ErrorTypeAll, true},
		{fatal, ErrorTypeAll, false},
		{fatal, ErrorTypeFatal, true},
		{custom, "rate-limited", true},
		{custom, ErrorTypeActivityFailed, true},
		{custom, ErrorTypeTimeout, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, MatchesErrorType(tt.err, tt.errorType), "%v vs %s", tt.err, tt.errorType)
	}
}

func TestEngineErrors(t *testing.T) {
	timeout := &StepTimeoutError{StepID: "build", Timeout: time.Second}
	require.True(t, errors.Is(timeout, context.DeadlineExceeded))
	require.Equal(t, ErrorTypeTimeout, ClassifyError(timeout).Type)
	require.Contains(t, timeout.Error(), `"build"`)

	paused := fmt.Errorf("stopping: %w", ErrPaused)
	require.Equal(t, ErrorTypeCancelled, ClassifyError(paused).Type)
	require.False(t, MatchesErrorType(paused, ErrorTypeAll))
	require.True(t, MatchesErrorType(paused, ErrorTypeCancelled))

	cause := errors.New("exit status 1")
	execErr := &StepExecutionError{StepID: "test", Err: cause}
	require.True(t, errors.Is(execErr, cause))

	blocked := &BlockedWorkflowError{Report: &BlockReport{Steps: []BlockedStep{
		{StepID: "deploy", MissingRequirements: []string{"image"}},
	}}}
	require.Equal(t, `workflow blocked: step "deploy" is missing "image" (no step creates it)`, blocked.Error())

	limit := &LoopbackLimitExceededError{StepID: "review", Target: "implement", Limit: 3, Reason: "score 10"}
	require.Equal(t, `gate on step "review" exceeded 3 loopbacks to "implement": score 10`, limit.Error())
}
