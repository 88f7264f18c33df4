package workflow

import (
	"context"
	"time"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// StepLogEntry records one step execution
type StepLogEntry struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepID     string          `json:"step_id"`
	Activity   string          `json:"activity"`
	Attempt    int             `json:"attempt"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	Score      *float64        `json:"score,omitempty"`
	ErrorKind  state.ErrorKind `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Gate       string          `json:"gate,omitempty"`
	StartTime  time.Time       `json:"start_time"`
	Duration   float64         `json:"duration"`
}

// Gate values recorded in StepLogEntry
const (
	GatePassed = "passed"
	GateFailed = "failed"
)

// StepLogger persists a log of step executions per run
type StepLogger interface {
	// LogStep appends an entry
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory returns every entry logged for a run
	GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}
