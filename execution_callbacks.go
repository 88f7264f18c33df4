package workflow

import (
	"context"
	"time"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// ExecutionCallbacks receives run, step, gate and checkpoint events. Events
// are delivered one at a time, though step completions of a parallel batch
// are reported from the goroutine that ran the step.
type ExecutionCallbacks interface {
	BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent)
	AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent)

	BeforeStepExecution(ctx context.Context, event *StepExecutionEvent)
	AfterStepExecution(ctx context.Context, event *StepExecutionEvent)

	AfterGateEvaluation(ctx context.Context, event *GateEvaluationEvent)
	AfterCheckpoint(ctx context.Context, event *CheckpointEvent)
}

// WorkflowExecutionEvent provides context for run-level execution events
type WorkflowExecutionEvent struct {
	RunID        string
	WorkflowName string
	Status       state.Status
	Resumed      bool
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	StepCount    int
	Completed    int
	Executions   int
	Error        error
}

// StepExecutionEvent provides context for step execution events
type StepExecutionEvent struct {
	RunID        string
	WorkflowName string
	StepID       string
	ActivityName string
	Attempt      int
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Result       *StepResult
	ErrorKind    state.ErrorKind
	Error        error
}

// GateEvaluationEvent describes a gate decision
type GateEvaluationEvent struct {
	RunID        string
	WorkflowName string
	StepID       string
	Passed       bool
	NextStep     string
	Reason       string
	Score        *float64
	Loopbacks    int
}

// CheckpointEvent describes a persisted snapshot
type CheckpointEvent struct {
	RunID        string
	WorkflowName string
	StepID       string
	Location     string
	Sequence     int64
	Terminal     bool
	Duration     time.Duration
	Error        error
}

// BaseExecutionCallbacks ignores every event. Embed it to implement only
// the callbacks you need.
type BaseExecutionCallbacks struct{}

func (*BaseExecutionCallbacks) BeforeWorkflowExecution(context.Context, *WorkflowExecutionEvent) {}
func (*BaseExecutionCallbacks) AfterWorkflowExecution(context.Context, *WorkflowExecutionEvent)  {}
func (*BaseExecutionCallbacks) BeforeStepExecution(context.Context, *StepExecutionEvent)         {}
func (*BaseExecutionCallbacks) AfterStepExecution(context.Context, *StepExecutionEvent)          {}
func (*BaseExecutionCallbacks) AfterGateEvaluation(context.Context, *GateEvaluationEvent)        {}
func (*BaseExecutionCallbacks) AfterCheckpoint(context.Context, *CheckpointEvent)                {}

func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain fans each event out to its members in order
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a member. It must not be called while a run is executing.
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) each(fn func(ExecutionCallbacks)) {
	for _, cb := range c.callbacks {
		fn(cb)
	}
}

func (c *CallbackChain) BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.BeforeWorkflowExecution(ctx, event) })
}

func (c *CallbackChain) AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.AfterWorkflowExecution(ctx, event) })
}

func (c *CallbackChain) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.BeforeStepExecution(ctx, event) })
}

func (c *CallbackChain) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.AfterStepExecution(ctx, event) })
}

func (c *CallbackChain) AfterGateEvaluation(ctx context.Context, event *GateEvaluationEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.AfterGateEvaluation(ctx, event) })
}

func (c *CallbackChain) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {
	c.each(func(cb ExecutionCallbacks) { cb.AfterCheckpoint(ctx, event) })
}
