package workflow

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// MetricsCallbacks records Prometheus metrics for runs, steps, gates and
// checkpoints. All metrics are namespaced "workflow_".
//
//	runs_total{workflow,status}
//	steps_in_flight{workflow}
//	step_executions_total{workflow,step,outcome}
//	step_duration_seconds{workflow,step}
//	gate_evaluations_total{workflow,step,result}
//	checkpoints_total{workflow,kind,result}
//	checkpoint_duration_seconds{workflow}
type MetricsCallbacks struct {
	BaseExecutionCallbacks

	runs               *prometheus.CounterVec
	inFlight           *prometheus.GaugeVec
	stepExecutions     *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	gateEvaluations    *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec
}

// NewMetricsCallbacks registers the workflow metrics with registerer. A nil
// registerer uses the default Prometheus registry.
func NewMetricsCallbacks(registerer prometheus.Registerer) *MetricsCallbacks {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &MetricsCallbacks{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "runs_total",
			Help:      "Runs that reached a final or paused status",
		}, []string{"workflow", "status"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "steps_in_flight",
			Help:      "Step bodies currently executing",
		}, []string{"workflow"}),
		stepExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "step_executions_total",
			Help:      "Finished step executions by outcome",
		}, []string{"workflow", "step", "outcome"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"workflow", "step"}),
		gateEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "gate_evaluations_total",
			Help:      "Gate evaluations by result",
		}, []string{"workflow", "step", "result"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes",
		}, []string{"workflow", "kind", "result"}),
		checkpointDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow",
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent persisting a checkpoint",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
}

func (m *MetricsCallbacks) AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	m.runs.WithLabelValues(event.WorkflowName, string(event.Status)).Inc()
}

func (m *MetricsCallbacks) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	m.inFlight.WithLabelValues(event.WorkflowName).Inc()
}

func (m *MetricsCallbacks) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	m.inFlight.WithLabelValues(event.WorkflowName).Dec()
	m.stepExecutions.WithLabelValues(event.WorkflowName, event.StepID, stepOutcomeLabel(event)).Inc()
	m.stepDuration.WithLabelValues(event.WorkflowName, event.StepID).Observe(event.Duration.Seconds())
}

func (m *MetricsCallbacks) AfterGateEvaluation(ctx context.Context, event *GateEvaluationEvent) {
	result := GatePassed
	if !event.Passed {
		result = GateFailed
	}
	m.gateEvaluations.WithLabelValues(event.WorkflowName, event.StepID, result).Inc()
}

func (m *MetricsCallbacks) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {
	kind := "step"
	if event.Terminal {
		kind = "terminal"
	}
	result := "success"
	if event.Error != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(event.WorkflowName, kind, result).Inc()
	m.checkpointDuration.WithLabelValues(event.WorkflowName).Observe(event.Duration.Seconds())
}

func stepOutcomeLabel(event *StepExecutionEvent) string {
	switch {
	case event.Error == nil:
		return "success"
	case event.ErrorKind == state.ErrorKindTimeout:
		return "timeout"
	case event.ErrorKind == state.ErrorKindCancelled, errors.Is(event.Error, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
