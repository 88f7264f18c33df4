package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types assigned by ClassifyError. Callers may use their own type
// strings with NewWorkflowError as well.
const (
	// ErrorTypeAll matches every error that is neither fatal nor cancelled
	ErrorTypeAll = "all"

	// ErrorTypeActivityFailed is the default for errors returned by a step
	// body. It does not match timeouts.
	ErrorTypeActivityFailed = "activity_failed"

	ErrorTypeTimeout   = "timeout"
	ErrorTypeCancelled = "cancelled"

	// ErrorTypeFatal errors are never retried and never turned into a
	// loopback
	ErrorTypeFatal = "fatal_error"
)

// WorkflowError is an error tagged with a type string
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *WorkflowError) Error() string {
	return e.Type + ": " + e.Cause
}

func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: cause}
}

func isTimeout(err error) bool {
	var timeoutErr *StepTimeoutError
	return errors.As(err, &timeoutErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrPaused)
}

// ClassifyError returns err as a WorkflowError. An existing WorkflowError in
// the chain is returned as is; otherwise timeouts, cancellations and
// everything else get their respective types.
func ClassifyError(err error) *WorkflowError {
	var existing *WorkflowError
	if errors.As(err, &existing) {
		return existing
	}
	errorType := ErrorTypeActivityFailed
	switch {
	case isTimeout(err):
		errorType = ErrorTypeTimeout
	case isCancellation(err):
		errorType = ErrorTypeCancelled
	}
	return &WorkflowError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType reports whether err falls under errorType. Fatal and
// cancelled errors only match their own type.
func MatchesErrorType(err error, errorType string) bool {
	actual := ClassifyError(err).Type
	if actual == ErrorTypeFatal || actual == ErrorTypeCancelled {
		return errorType == actual
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeActivityFailed:
		return actual != ErrorTypeTimeout
	}
	return actual == errorType
}

// ErrPaused is returned when a run stops because its context was cancelled.
// The run is left in the paused status and can be resumed.
var ErrPaused = errors.New("workflow paused")

// StepTimeoutError is returned when a step exceeds its deadline
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepID, e.Timeout)
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// StepExecutionError is returned when a step body reports a failure
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// BlockedWorkflowError is returned when no step is ready and the run is not
// complete. The report names each stuck step and the artifacts it is missing.
type BlockedWorkflowError struct {
	Report *BlockReport
}

func (e *BlockedWorkflowError) Error() string {
	return "workflow blocked: " + e.Report.String()
}

// LoopbackLimitExceededError is returned when a gate would loop back more
// times than allowed
type LoopbackLimitExceededError struct {
	StepID string
	Target string
	Limit  int
	Reason string
}

func (e *LoopbackLimitExceededError) Error() string {
	msg := fmt.Sprintf("gate on step %q exceeded %d loopbacks to %q", e.StepID, e.Limit, e.Target)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// GateFailedError is returned when a gate fails and has no on_fail target
type GateFailedError struct {
	StepID string
	Reason string
}

func (e *GateFailedError) Error() string {
	return fmt.Sprintf("gate on step %q failed with no on_fail target: %s", e.StepID, e.Reason)
}
