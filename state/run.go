package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run is the in-memory state of one workflow run. All fields are private and
// only change through the methods below, each of which holds the run mutex for
// the full mutation.
type Run struct {
	id           string
	workflowName string
	definition   json.RawMessage
	totalSteps   int
	status       Status
	statusReason string
	startedAt    time.Time
	endedAt      time.Time
	currentStep  string
	completed    map[string]bool
	skipped      map[string]bool
	artifacts    map[string]Artifact
	variables    map[string]any
	steps        map[string]*StepRecord
	loopbacks    map[string]int
	executions   int
	mutex        sync.RWMutex
}

// RunOptions configures a new run
type RunOptions struct {
	ID           string
	WorkflowName string
	Definition   json.RawMessage
	TotalSteps   int
	Variables    map[string]any
	StartedAt    time.Time
}

// NewRun creates a run in the running status.
func NewRun(opts RunOptions) (*Run, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("run id required")
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Run{
		id:           opts.ID,
		workflowName: opts.WorkflowName,
		definition:   copyRaw(opts.Definition),
		totalSteps:   opts.TotalSteps,
		status:       StatusRunning,
		startedAt:    opts.StartedAt.UTC(),
		completed:    map[string]bool{},
		skipped:      map[string]bool{},
		artifacts:    map[string]Artifact{},
		variables:    copyMap(opts.Variables),
		steps:        map[string]*StepRecord{},
		loopbacks:    map[string]int{},
	}, nil
}

// FromSnapshot rebuilds a run from its serialized form.
func FromSnapshot(s *Snapshot) (*Run, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot required")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r := &Run{
		id:           s.ID,
		workflowName: s.WorkflowName,
		definition:   copyRaw(s.Definition),
		totalSteps:   s.TotalSteps,
		status:       s.Status,
		statusReason: s.StatusReason,
		startedAt:    s.StartedAt,
		endedAt:      s.EndedAt,
		currentStep:  s.CurrentStep,
		completed:    toSet(s.CompletedSteps),
		skipped:      toSet(s.SkippedSteps),
		artifacts:    copyArtifacts(s.Artifacts),
		variables:    copyMap(s.Variables),
		steps:        copyRecords(s.Steps),
		loopbacks:    copyCounts(s.Loopbacks),
		executions:   s.Executions,
	}
	return r, nil
}

// Snapshot returns a deep copy of the run suitable for persistence.
func (r *Run) Snapshot() *Snapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return &Snapshot{
		ID:             r.id,
		WorkflowName:   r.workflowName,
		Definition:     copyRaw(r.definition),
		TotalSteps:     r.totalSteps,
		Status:         r.status,
		StatusReason:   r.statusReason,
		StartedAt:      r.startedAt,
		EndedAt:        r.endedAt,
		CurrentStep:    r.currentStep,
		CompletedSteps: sortedKeys(r.completed),
		SkippedSteps:   sortedKeys(r.skipped),
		Artifacts:      copyArtifacts(r.artifacts),
		Variables:      copyMap(r.variables),
		Steps:          copyRecords(r.steps),
		Loopbacks:      copyCounts(r.loopbacks),
		Executions:     r.executions,
	}
}

// ID returns the run ID
func (r *Run) ID() string {
	return r.id
}

// WorkflowName returns the name of the workflow being run
func (r *Run) WorkflowName() string {
	return r.workflowName
}

// Definition returns the serialized workflow definition embedded in the run
func (r *Run) Definition() json.RawMessage {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return copyRaw(r.definition)
}

// StartedAt returns the time the run was created
func (r *Run) StartedAt() time.Time {
	return r.startedAt
}

// GetStatus returns the current run status
func (r *Run) GetStatus() Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.status
}

// StatusReason returns the explanation attached to the current status
func (r *Run) StatusReason() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.statusReason
}

// SetStatus updates the run status and its reason. Non-terminal statuses
// clear the end time.
func (r *Run) SetStatus(status Status, reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.status = status
	r.statusReason = reason
	if !status.IsTerminal() {
		r.endedAt = time.Time{}
	}
}

// Finish moves the run to a terminal (or paused) status.
func (r *Run) Finish(status Status, reason string, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.status = status
	r.statusReason = reason
	r.endedAt = at.UTC()
}

// CurrentStep returns the most recently dispatched step
func (r *Run) CurrentStep() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.currentStep
}

// SetCurrentStep sets the informational current step pointer
func (r *Run) SetCurrentStep(stepID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.currentStep = stepID
}

// IsCompleted reports whether the step is in the completed set
func (r *Run) IsCompleted(stepID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.completed[stepID]
}

// IsSkipped reports whether the step is in the skipped set
func (r *Run) IsSkipped(stepID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.skipped[stepID]
}

// CompletedSteps returns the completed step IDs in sorted order
func (r *Run) CompletedSteps() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return sortedKeys(r.completed)
}

// SkippedSteps returns the skipped step IDs in sorted order
func (r *Run) SkippedSteps() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return sortedKeys(r.skipped)
}

// Executions returns the number of finished step executions
func (r *Run) Executions() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.executions
}

// Complete adds the step to the completed set.
func (r *Run) Complete(stepID string, at time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.skipped[stepID] {
		return fmt.Errorf("step %q is skipped and cannot be completed", stepID)
	}
	r.completed[stepID] = true
	rec := r.record(stepID)
	rec.Status = StepStatusCompleted
	rec.FinishedAt = at.UTC()
	rec.ErrorKind = ErrorKindNone
	rec.Error = ""
	return nil
}

// Skip adds the step to the skipped set. Completed steps cannot be skipped.
func (r *Run) Skip(stepID, reason string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.completed[stepID] {
		return fmt.Errorf("step %q is completed and cannot be skipped", stepID)
	}
	r.skipped[stepID] = true
	rec := r.record(stepID)
	rec.Status = StepStatusSkipped
	rec.SkipReason = reason
	return nil
}

// StepStarted records the dispatch of a step.
func (r *Run) StepStarted(stepID string, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(stepID)
	rec.Status = StepStatusRunning
	rec.Attempts++
	rec.StartedAt = at.UTC()
	rec.FinishedAt = time.Time{}
	r.currentStep = stepID
}

// StepFinished records the result of a step execution that produced output.
// It does not change the completed set; gate evaluation decides that.
func (r *Run) StepFinished(stepID string, output map[string]any, score *float64, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(stepID)
	rec.Status = StepStatusPending
	rec.Output = nil
	if len(output) > 0 {
		rec.Output = copyMap(output)
	}
	rec.Score = nil
	if score != nil {
		s := *score
		rec.Score = &s
	}
	rec.FinishedAt = at.UTC()
	r.executions++
}

// StepFailed records a failed step execution.
func (r *Run) StepFailed(stepID string, kind ErrorKind, message string, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(stepID)
	rec.Status = StepStatusFailed
	rec.ErrorKind = kind
	rec.Error = message
	rec.FinishedAt = at.UTC()
	r.executions++
}

// StepRecord returns a copy of the record for a step
func (r *Run) StepRecord(stepID string) (*StepRecord, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rec, ok := r.steps[stepID]
	if !ok {
		return nil, false
	}
	return rec.Copy(), true
}

// AddArtifact registers or replaces an artifact
func (r *Run) AddArtifact(name string, artifact Artifact) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	artifact.CreatedAt = artifact.CreatedAt.UTC()
	r.artifacts[name] = artifact
}

// GetArtifact returns a single artifact by name
func (r *Run) GetArtifact(name string) (Artifact, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	a, ok := r.artifacts[name]
	return a, ok
}

// GetArtifacts returns a copy of the artifacts map
func (r *Run) GetArtifacts() map[string]Artifact {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return copyArtifacts(r.artifacts)
}

// SetVariable sets a run variable
func (r *Run) SetVariable(key string, value any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.variables[key] = NormalizeValue(value)
}

// SetVariables merges the given values into the run variables
func (r *Run) SetVariables(values map[string]any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for k, v := range values {
		r.variables[k] = NormalizeValue(v)
	}
}

// GetVariables returns a copy of the variables map
func (r *Run) GetVariables() map[string]any {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return copyMap(r.variables)
}

// LoopbackCount returns how many times gated has looped back to target
func (r *Run) LoopbackCount(gated, target string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.loopbacks[LoopbackKey(gated, target)]
}

// Loopback re-admits target (and the listed invalidated steps) to pending,
// withdraws the listed artifacts and increments the loopback counter for the
// (gated, target) pair. It returns the new counter value.
func (r *Run) Loopback(gated, target string, invalidate, withdraw []string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.completed, gated)
	delete(r.completed, target)
	for _, id := range invalidate {
		delete(r.completed, id)
		if rec, ok := r.steps[id]; ok && rec.Status == StepStatusCompleted {
			rec.Status = StepStatusPending
		}
	}
	for _, name := range withdraw {
		delete(r.artifacts, name)
	}
	if rec, ok := r.steps[target]; ok && rec.Status == StepStatusCompleted {
		rec.Status = StepStatusPending
	}
	rec := r.record(gated)
	rec.Status = StepStatusFailed
	rec.ErrorKind = ErrorKindGate
	r.currentStep = target
	key := LoopbackKey(gated, target)
	r.loopbacks[key]++
	return r.loopbacks[key]
}

// record returns the mutable record for a step, creating it if needed. The
// caller must hold the write lock.
func (r *Run) record(stepID string) *StepRecord {
	rec, ok := r.steps[stepID]
	if !ok {
		rec = &StepRecord{Status: StepStatusPending}
		r.steps[stepID] = rec
	}
	return rec
}

// copyMap returns a normalized deep copy of m, never nil
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return NormalizeMap(m)
}

func copyArtifacts(m map[string]Artifact) map[string]Artifact {
	c := make(map[string]Artifact, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyRecords(m map[string]*StepRecord) map[string]*StepRecord {
	c := make(map[string]*StepRecord, len(m))
	for k, v := range m {
		c[k] = v.Copy()
	}
	return c
}

func copyCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	c := make(json.RawMessage, len(raw))
	copy(c, raw)
	return c
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
