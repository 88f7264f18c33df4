package state

// Reader provides read-only access to run state
type Reader interface {
	// ID returns the run ID
	ID() string

	// GetStatus returns the current run status
	GetStatus() Status

	// GetVariables returns a copy of the variables map
	GetVariables() map[string]any

	// GetArtifacts returns a copy of the artifacts map
	GetArtifacts() map[string]Artifact

	// GetArtifact returns a single artifact by name
	GetArtifact(name string) (Artifact, bool)

	// IsCompleted reports whether the step is in the completed set
	IsCompleted(stepID string) bool

	// IsSkipped reports whether the step is in the skipped set
	IsSkipped(stepID string) bool

	// Executions returns the number of step executions recorded so far
	Executions() int
}
