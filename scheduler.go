package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// BlockedStep names a step that cannot run and the artifacts it is missing
type BlockedStep struct {
	StepID              string              `json:"step_id"`
	MissingRequirements []string            `json:"missing_requirements"`
	Producers           map[string][]string `json:"producers,omitempty"`
}

// BlockReport explains why no step is ready in an incomplete run
type BlockReport struct {
	Steps []BlockedStep `json:"steps"`
}

// String returns a message naming every missing artifact and where it was
// expected to come from.
func (r *BlockReport) String() string {
	if r == nil || len(r.Steps) == 0 {
		return "no steps are ready"
	}
	var parts []string
	for _, blocked := range r.Steps {
		var missing []string
		for _, name := range blocked.MissingRequirements {
			producers := blocked.Producers[name]
			if len(producers) == 0 {
				missing = append(missing, fmt.Sprintf("%q (no step creates it)", name))
			} else {
				missing = append(missing, fmt.Sprintf("%q (expected from %s)", name, strings.Join(quoteAll(producers), ", ")))
			}
		}
		parts = append(parts, fmt.Sprintf("step %q is missing %s", blocked.StepID, strings.Join(missing, ", ")))
	}
	return strings.Join(parts, "; ")
}

// MissingArtifacts returns the distinct missing artifact names in the report
func (r *BlockReport) MissingArtifacts() []string {
	if r == nil {
		return nil
	}
	seen := map[string]bool{}
	var names []string
	for _, blocked := range r.Steps {
		for _, name := range blocked.MissingRequirements {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func quoteAll(values []string) []string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return quoted
}

// Scheduler computes which steps can run. An artifact is present when it is
// registered in the run and its path exists under the working directory.
type Scheduler struct {
	workDir string
	exists  func(path string) bool
}

// NewScheduler returns a scheduler that resolves relative artifact paths
// against workDir.
func NewScheduler(workDir string) *Scheduler {
	return &Scheduler{workDir: workDir, exists: pathExists}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolvePath returns the location of an artifact path on disk
func (s *Scheduler) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.workDir, path)
}

// ArtifactPresent reports whether the named artifact is registered and exists
func (s *Scheduler) ArtifactPresent(run state.Reader, name string) bool {
	artifact, ok := run.GetArtifact(name)
	if !ok {
		return false
	}
	return s.exists(s.ResolvePath(artifact.Path))
}

// Missing returns the step's required artifacts that are not present
func (s *Scheduler) Missing(step *Step, run state.Reader) []string {
	var missing []string
	for _, name := range step.Requires {
		if !s.ArtifactPresent(run, name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Ready returns the steps that can be dispatched now, in definition order. A
// step is ready when it is neither completed nor skipped, all of its required
// artifacts are present, and it is not already in flight.
func (s *Scheduler) Ready(wf *Workflow, run state.Reader, inFlight map[string]bool) []*Step {
	var ready []*Step
	for _, step := range wf.Steps() {
		if run.IsCompleted(step.ID) || run.IsSkipped(step.ID) || inFlight[step.ID] {
			continue
		}
		if len(s.Missing(step, run)) > 0 {
			continue
		}
		ready = append(ready, step)
	}
	return ready
}

// Done reports whether every step is completed or skipped
func (s *Scheduler) Done(wf *Workflow, run state.Reader) bool {
	for _, step := range wf.Steps() {
		if !run.IsCompleted(step.ID) && !run.IsSkipped(step.ID) {
			return false
		}
	}
	return true
}

// Blocked returns a report when the run is incomplete and nothing is ready,
// or nil otherwise. Cycles among requirements show up here as mutually
// missing artifacts rather than as an error.
func (s *Scheduler) Blocked(wf *Workflow, run state.Reader) *BlockReport {
	if s.Done(wf, run) || len(s.Ready(wf, run, nil)) > 0 {
		return nil
	}
	report := &BlockReport{}
	for _, step := range wf.Steps() {
		if run.IsCompleted(step.ID) || run.IsSkipped(step.ID) {
			continue
		}
		missing := s.Missing(step, run)
		if len(missing) == 0 {
			continue
		}
		blocked := BlockedStep{StepID: step.ID, MissingRequirements: missing}
		for _, name := range missing {
			if producers := wf.Producers(name); len(producers) > 0 {
				if blocked.Producers == nil {
					blocked.Producers = map[string][]string{}
				}
				blocked.Producers[name] = producers
			}
		}
		report.Steps = append(report.Steps, blocked)
	}
	if len(report.Steps) == 0 {
		return nil
	}
	return report
}

// NextBatch selects the steps to dispatch together from a ready list. Steps
// that are not concurrency safe always run alone.
func NextBatch(ready []*Step) []*Step {
	if len(ready) == 0 {
		return nil
	}
	if !ready[0].IsConcurrencySafe() {
		return ready[:1]
	}
	batch := make([]*Step, 0, len(ready))
	for _, step := range ready {
		if step.IsConcurrencySafe() {
			batch = append(batch, step)
		}
	}
	return batch
}
