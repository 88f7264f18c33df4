package workflow

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingCallbacks emits an OpenTelemetry span per run with a child span per
// step execution. Gate decisions and checkpoints are recorded as span events.
type TracingCallbacks struct {
	BaseExecutionCallbacks

	tracer trace.Tracer
	mutex  sync.Mutex
	runs   map[string]trace.Span
	steps  map[string]trace.Span
}

// NewTracingCallbacks returns tracing callbacks. A nil tracer uses the global
// tracer provider.
func NewTracingCallbacks(tracer trace.Tracer) *TracingCallbacks {
	if tracer == nil {
		tracer = otel.Tracer("github.com/wtthornton/TappsCodingAgents-sub003")
	}
	return &TracingCallbacks{
		tracer: tracer,
		runs:   map[string]trace.Span{},
		steps:  map[string]trace.Span{},
	}
}

func stepSpanKey(runID, stepID string) string {
	return runID + "/" + stepID
}

func (t *TracingCallbacks) BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	_, span := t.tracer.Start(ctx, "workflow.run",
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("workflow.run_id", event.RunID),
			attribute.String("workflow.name", event.WorkflowName),
			attribute.Bool("workflow.resumed", event.Resumed),
			attribute.Int("workflow.steps", event.StepCount),
		))
	t.mutex.Lock()
	t.runs[event.RunID] = span
	t.mutex.Unlock()
}

func (t *TracingCallbacks) AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	t.mutex.Lock()
	span, ok := t.runs[event.RunID]
	delete(t.runs, event.RunID)
	t.mutex.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("workflow.status", string(event.Status)),
		attribute.Int("workflow.completed", event.Completed),
		attribute.Int("workflow.executions", event.Executions),
	)
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.End(trace.WithTimestamp(event.EndTime))
}

func (t *TracingCallbacks) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	parent := ctx
	if runSpan, ok := t.runs[event.RunID]; ok {
		parent = trace.ContextWithSpan(ctx, runSpan)
	}
	_, span := t.tracer.Start(parent, "workflow.step "+event.StepID,
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("workflow.run_id", event.RunID),
			attribute.String("workflow.step", event.StepID),
			attribute.String("workflow.activity", event.ActivityName),
			attribute.Int("workflow.attempt", event.Attempt),
		))
	t.steps[stepSpanKey(event.RunID, event.StepID)] = span
}

func (t *TracingCallbacks) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	key := stepSpanKey(event.RunID, event.StepID)
	t.mutex.Lock()
	span, ok := t.steps[key]
	delete(t.steps, key)
	t.mutex.Unlock()
	if !ok {
		return
	}
	if event.Result != nil && event.Result.Score != nil {
		span.SetAttributes(attribute.Float64("workflow.score", *event.Result.Score))
	}
	if event.Error != nil {
		span.SetAttributes(attribute.String("workflow.error_kind", string(event.ErrorKind)))
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.End(trace.WithTimestamp(event.EndTime))
}

func (t *TracingCallbacks) AfterGateEvaluation(ctx context.Context, event *GateEvaluationEvent) {
	t.mutex.Lock()
	span, ok := t.runs[event.RunID]
	t.mutex.Unlock()
	if !ok {
		return
	}
	span.AddEvent("gate", trace.WithAttributes(
		attribute.String("workflow.step", event.StepID),
		attribute.Bool("workflow.gate.passed", event.Passed),
		attribute.String("workflow.gate.next", event.NextStep),
		attribute.String("workflow.gate.reason", event.Reason),
		attribute.Int("workflow.gate.loopbacks", event.Loopbacks),
	))
}

func (t *TracingCallbacks) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {
	t.mutex.Lock()
	span, ok := t.runs[event.RunID]
	t.mutex.Unlock()
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow.checkpoint.location", event.Location),
		attribute.Int64("workflow.checkpoint.sequence", event.Sequence),
		attribute.Bool("workflow.checkpoint.terminal", event.Terminal),
	}
	if event.Error != nil {
		attrs = append(attrs, attribute.String("workflow.checkpoint.error", event.Error.Error()))
	}
	span.AddEvent("checkpoint", trace.WithAttributes(attrs...))
}
