package workflow

import (
	"time"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// GateSpec configures a quality gate on a step. The condition is evaluated
// against the step result. On pass the step completes and execution moves on;
// on fail the run loops back to OnFail.
type GateSpec struct {
	Condition string `json:"condition" yaml:"condition"`
	OnPass    string `json:"on_pass,omitempty" yaml:"on_pass,omitempty"`
	OnFail    string `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`

	// MaxLoopbacks overrides the engine-wide loopback limit for this gate
	MaxLoopbacks int `json:"max_loopbacks,omitempty" yaml:"max_loopbacks,omitempty"`
}

// ArtifactSpec declares where a named artifact lives relative to the working
// directory. Declared artifacts are registered automatically once their path
// exists after a producing step completes.
type ArtifactSpec struct {
	Name        string             `json:"name" yaml:"name"`
	Path        string             `json:"path" yaml:"path"`
	Kind        state.ArtifactKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
}

// Step represents a single step in a workflow.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Activity    string         `json:"activity,omitempty" yaml:"activity,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Requires    []string       `json:"requires,omitempty" yaml:"requires,omitempty"`
	Creates     []string       `json:"creates,omitempty" yaml:"creates,omitempty"`
	Gate        *GateSpec      `json:"gate,omitempty" yaml:"gate,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ConcurrencySafe defaults to true. Unsafe steps always run alone.
	ConcurrencySafe *bool `json:"concurrency_safe,omitempty" yaml:"concurrency_safe,omitempty"`
}

// IsConcurrencySafe reports whether the step may run alongside siblings
func (s *Step) IsConcurrencySafe() bool {
	return s.ConcurrencySafe == nil || *s.ConcurrencySafe
}

// HasGate reports whether the step carries a quality gate
func (s *Step) HasGate() bool {
	return s.Gate != nil
}

// RequiresArtifact reports whether name is in the step's requires set
func (s *Step) RequiresArtifact(name string) bool {
	for _, r := range s.Requires {
		if r == name {
			return true
		}
	}
	return false
}

// CreatesArtifact reports whether name is in the step's creates set
func (s *Step) CreatesArtifact(name string) bool {
	for _, c := range s.Creates {
		if c == name {
			return true
		}
	}
	return false
}
