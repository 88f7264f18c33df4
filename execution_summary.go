package workflow

import (
	"time"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// ExecutionSummary provides a summary view of a run. Its shape does not
// depend on how it is presented.
type ExecutionSummary struct {
	RunID          string                       `json:"run_id"`
	WorkflowName   string                       `json:"workflow_name"`
	Status         state.Status                 `json:"status"`
	Reason         string                       `json:"reason,omitempty"`
	CurrentStep    string                       `json:"current_step,omitempty"`
	CompletedSteps []string                     `json:"completed_steps"`
	SkippedSteps   []string                     `json:"skipped_steps"`
	TotalSteps     int                          `json:"total_steps"`
	Progress       float64                      `json:"progress"`
	Executions     int                          `json:"executions"`
	Loopbacks      map[string]int               `json:"loopbacks,omitempty"`
	Steps          map[string]*state.StepRecord `json:"steps,omitempty"`
	Blocked        *BlockReport                 `json:"blocked,omitempty"`
	StartTime      time.Time                    `json:"start_time"`
	EndTime        time.Time                    `json:"end_time,omitzero"`
	Duration       time.Duration                `json:"duration"`
	Location       string                       `json:"location,omitempty"`
	Sequence       int64                        `json:"sequence,omitempty"`
	SavedAt        time.Time                    `json:"saved_at,omitzero"`
	Error          string                       `json:"error,omitempty"`
}

// NewExecutionSummary summarizes a snapshot. meta may be nil.
func NewExecutionSummary(snap *state.Snapshot, meta *store.Metadata) *ExecutionSummary {
	s := &ExecutionSummary{
		RunID:          snap.ID,
		WorkflowName:   snap.WorkflowName,
		Status:         snap.Status,
		Reason:         snap.StatusReason,
		CurrentStep:    snap.CurrentStep,
		CompletedSteps: snap.CompletedSteps,
		SkippedSteps:   snap.SkippedSteps,
		TotalSteps:     snap.TotalSteps,
		Progress:       snap.Progress(),
		Executions:     snap.Executions,
		Loopbacks:      snap.Loopbacks,
		Steps:          snap.Steps,
		StartTime:      snap.StartedAt,
		EndTime:        snap.EndedAt,
	}
	if !snap.EndedAt.IsZero() {
		s.Duration = snap.EndedAt.Sub(snap.StartedAt)
	}
	if snap.Status == state.StatusFailed {
		s.Error = snap.StatusReason
	}
	if meta != nil {
		s.Location = meta.Location
		s.Sequence = meta.Sequence
		s.SavedAt = meta.SavedAt
	}
	return s
}

// summaryFromMetadata builds a partial summary from stored metadata alone
func summaryFromMetadata(meta *store.Metadata) *ExecutionSummary {
	return &ExecutionSummary{
		RunID:        meta.RunID,
		WorkflowName: meta.WorkflowName,
		Status:       meta.Status,
		CurrentStep:  meta.TriggerStep,
		Progress:     meta.Progress,
		Location:     meta.Location,
		Sequence:     meta.Sequence,
		SavedAt:      meta.SavedAt,
	}
}
