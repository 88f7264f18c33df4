package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// Options are used to configure a workflow.
type Options struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*Step         `json:"steps" yaml:"steps"`
	Artifacts   []*ArtifactSpec `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Variables   map[string]any  `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Workflow is a validated, immutable workflow definition: a set of steps
// linked by the artifacts they require and create, plus gate transitions
// that may route execution back to earlier steps.
type Workflow struct {
	opts            Options
	steps           []*Step
	stepsByID       map[string]*Step
	artifactsByName map[string]*ArtifactSpec
	producers       map[string][]string
	consumers       map[string][]string
}

// New returns a new Workflow configured with the given options.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}

	stepsByID := make(map[string]*Step, len(opts.Steps))
	for _, step := range opts.Steps {
		if step == nil || step.ID == "" {
			return nil, fmt.Errorf("step id required")
		}
		if _, dup := stepsByID[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		stepsByID[step.ID] = step
	}

	artifactsByName := make(map[string]*ArtifactSpec, len(opts.Artifacts))
	for _, spec := range opts.Artifacts {
		if spec == nil || spec.Name == "" {
			return nil, fmt.Errorf("artifact name required")
		}
		if spec.Path == "" {
			return nil, fmt.Errorf("artifact %q: path required", spec.Name)
		}
		if _, dup := artifactsByName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate artifact %q", spec.Name)
		}
		artifactsByName[spec.Name] = spec
	}

	if err := validateWorkflowSteps(opts.Steps, stepsByID); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}

	// Parameters and variables keep the value types they have after the
	// definition is persisted and loaded again
	opts.Variables = state.NormalizeMap(opts.Variables)
	for _, step := range opts.Steps {
		step.Parameters = state.NormalizeMap(step.Parameters)
	}

	w := &Workflow{
		opts:            opts,
		steps:           opts.Steps,
		stepsByID:       stepsByID,
		artifactsByName: artifactsByName,
		producers:       map[string][]string{},
		consumers:       map[string][]string{},
	}
	for _, step := range opts.Steps {
		for _, name := range step.Creates {
			w.producers[name] = append(w.producers[name], step.ID)
		}
		for _, name := range step.Requires {
			w.consumers[name] = append(w.consumers[name], step.ID)
		}
	}
	return w, nil
}

// validateWorkflowSteps validates the step structure
func validateWorkflowSteps(steps []*Step, stepsByID map[string]*Step) error {
	for _, step := range steps {
		for _, name := range step.Requires {
			if name == "" {
				return fmt.Errorf("step %q: empty required artifact name", step.ID)
			}
		}
		for _, name := range step.Creates {
			if name == "" {
				return fmt.Errorf("step %q: empty created artifact name", step.ID)
			}
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q: negative timeout", step.ID)
		}
		if step.Gate == nil {
			continue
		}
		if step.Gate.Condition == "" {
			return fmt.Errorf("step %q: gate condition required", step.ID)
		}
		if step.Gate.MaxLoopbacks < 0 {
			return fmt.Errorf("step %q: negative gate max_loopbacks", step.ID)
		}
		for _, target := range []string{step.Gate.OnPass, step.Gate.OnFail} {
			if target == "" {
				continue
			}
			if _, ok := stepsByID[target]; !ok {
				return fmt.Errorf("step %q: gate target %q not found", step.ID, target)
			}
		}
	}
	return nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.opts.Name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.opts.Description
}

// Steps returns the workflow steps in definition order
func (w *Workflow) Steps() []*Step {
	return w.steps
}

// GetStep returns a step by id
func (w *Workflow) GetStep(id string) (*Step, bool) {
	step, ok := w.stepsByID[id]
	return step, ok
}

// StepIDs returns the ids of all steps in definition order
func (w *Workflow) StepIDs() []string {
	ids := make([]string, 0, len(w.steps))
	for _, step := range w.steps {
		ids = append(ids, step.ID)
	}
	return ids
}

// Artifact returns the declared spec for an artifact
func (w *Workflow) Artifact(name string) (*ArtifactSpec, bool) {
	spec, ok := w.artifactsByName[name]
	return spec, ok
}

// InitialVariables returns a copy of the workflow's initial variables
func (w *Workflow) InitialVariables() map[string]any {
	return copyMap(w.opts.Variables)
}

// Producers returns the ids of the steps that declare they create artifact
func (w *Workflow) Producers(artifact string) []string {
	return append([]string(nil), w.producers[artifact]...)
}

// Consumers returns the ids of the steps that require artifact
func (w *Workflow) Consumers(artifact string) []string {
	return append([]string(nil), w.consumers[artifact]...)
}

// ArtifactNames returns every artifact name referenced by the workflow
func (w *Workflow) ArtifactNames() []string {
	seen := map[string]bool{}
	for name := range w.producers {
		seen[name] = true
	}
	for name := range w.consumers {
		seen[name] = true
	}
	for name := range w.artifactsByName {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition returns the JSON form of the workflow definition. It is embedded
// in persisted run state so a run can be resumed without the source document.
func (w *Workflow) Definition() (json.RawMessage, error) {
	opts := w.opts
	opts.Variables, _ = state.EncodeNumbers(w.opts.Variables).(map[string]any)
	opts.Steps = make([]*Step, len(w.steps))
	for i, step := range w.steps {
		c := *step
		c.Parameters, _ = state.EncodeNumbers(step.Parameters).(map[string]any)
		opts.Steps[i] = &c
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow definition: %w", err)
	}
	return data, nil
}

// FromDefinition rebuilds a workflow from its JSON definition
func FromDefinition(data json.RawMessage) (*Workflow, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty workflow definition")
	}
	var opts Options
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return New(opts)
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
