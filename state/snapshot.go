package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the fully serializable form of a Run. It is what gets handed to
// the state store and what a Run is rebuilt from on resume.
type Snapshot struct {
	ID             string                 `json:"id"`
	WorkflowName   string                 `json:"workflow_name"`
	Definition     json.RawMessage        `json:"definition,omitempty"`
	TotalSteps     int                    `json:"total_steps"`
	Status         Status                 `json:"status"`
	StatusReason   string                 `json:"status_reason,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        time.Time              `json:"ended_at,omitzero"`
	CurrentStep    string                 `json:"current_step,omitempty"`
	CompletedSteps []string               `json:"completed_steps"`
	SkippedSteps   []string               `json:"skipped_steps"`
	Artifacts      map[string]Artifact    `json:"artifacts"`
	Variables      map[string]any         `json:"variables"`
	Steps          map[string]*StepRecord `json:"steps"`
	Loopbacks      map[string]int         `json:"loopbacks"`
	Executions     int                    `json:"executions"`
}

type snapshotJSON Snapshot

// MarshalJSON writes floats in variables and step output with a fraction so
// they load back as floats.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON(s)
	out.Variables = encodeMap(s.Variables)
	if s.Steps != nil {
		out.Steps = make(map[string]*StepRecord, len(s.Steps))
		for id, rec := range s.Steps {
			if rec != nil && rec.Output != nil {
				rec = rec.Copy()
				rec.Output = encodeMap(rec.Output)
			}
			out.Steps[id] = rec
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON loads integers as int64 and other numbers as float64 in
// variables and step output.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := decodeJSON(data, &in); err != nil {
		return err
	}
	in.Variables = decodeMap(in.Variables)
	for _, rec := range in.Steps {
		if rec != nil {
			rec.Output = decodeMap(rec.Output)
		}
	}
	*s = Snapshot(in)
	return nil
}

// Validate checks the structural invariants of a snapshot.
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("run id required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid run status %q", s.Status)
	}
	completed := make(map[string]bool, len(s.CompletedSteps))
	for _, id := range s.CompletedSteps {
		completed[id] = true
	}
	for _, id := range s.SkippedSteps {
		if completed[id] {
			return fmt.Errorf("step %q is both completed and skipped", id)
		}
	}
	return nil
}

// CompletedCount returns the number of completed steps.
func (s *Snapshot) CompletedCount() int {
	return len(s.CompletedSteps)
}

// Progress returns the percentage of steps that are completed or skipped.
func (s *Snapshot) Progress() float64 {
	if s.TotalSteps <= 0 {
		return 0
	}
	done := len(s.CompletedSteps) + len(s.SkippedSteps)
	if done > s.TotalSteps {
		done = s.TotalSteps
	}
	return float64(done) / float64(s.TotalSteps) * 100
}

// LoopbackKey returns the counter key for a gated step looping back to target.
func LoopbackKey(gated, target string) string {
	return gated + "->" + target
}
