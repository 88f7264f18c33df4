package state

import "time"

// Status represents the status of a workflow run
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// IsTerminal returns true for statuses that end a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// StepStatus represents the last known status of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ErrorKind distinguishes why a step execution failed
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindError     ErrorKind = "error"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindGate      ErrorKind = "gate"
)

// ArtifactKind is the storage shape of an artifact
type ArtifactKind string

const (
	ArtifactFile      ArtifactKind = "file"
	ArtifactDirectory ArtifactKind = "directory"
)

// Artifact is a named output registered in the run. Presence is determined by
// the path existing on the backing storage; content is never inspected.
type Artifact struct {
	Path      string       `json:"path"`
	Kind      ArtifactKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Step      string       `json:"step,omitempty"`
}

// StepRecord tracks the execution history of one step within a run.
type StepRecord struct {
	Status     StepStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Score      *float64       `json:"score,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// Copy returns a deep copy of the record
func (r *StepRecord) Copy() *StepRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Score != nil {
		score := *r.Score
		c.Score = &score
	}
	if r.Output != nil {
		c.Output = copyMap(r.Output)
	}
	return &c
}
