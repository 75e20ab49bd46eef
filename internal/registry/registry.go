// Package registry holds the declarative catalogue of job types the
// kernel knows how to run: their parameter schema, stage count,
// pre-flight validators and stage planner. Grounded on the teacher's
// internal/jobs/runtime.Registry (type-keyed map guarded by a mutex)
// generalized from a single Handler slot per job type to the full
// JobDefinition spec.md §4.2 requires, with the parameter schema
// expressed the way bartekus-stagecraft's provider configs are:
// yaml-tagged Go structs unmarshaled via gopkg.in/yaml.v3.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// FieldType enumerates the scalar kinds ParameterSchema can constrain.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldArray  FieldType = "array"
	FieldObject FieldType = "object"
)

// FieldSpec constrains one parameter field, mirroring spec.md §89's
// declarative shape verbatim: {type, required, default, allowed_values,
// regex}.
type FieldSpec struct {
	Name          string    `yaml:"name"`
	Type          FieldType `yaml:"type"`
	Required      bool      `yaml:"required"`
	Default       any       `yaml:"default,omitempty"`
	Min           *float64  `yaml:"min,omitempty"`
	Max           *float64  `yaml:"max,omitempty"`
	AllowedValues []string  `yaml:"allowed_values,omitempty"`
	Regex         string    `yaml:"regex,omitempty"`
}

// ParameterSchema is the declarative shape of a job type's parameters
// (spec.md §4.2 step 1, "schema validation").
type ParameterSchema struct {
	Fields []FieldSpec `yaml:"fields"`
}

// Validator is a pre-flight check run against submitted parameters
// before a job is admitted (spec.md §4.2 step 2).
type Validator interface {
	Name() string
	Check(parameters map[string]any) error
}

// Planner produces the task set for a given stage. stageResultsSoFar
// carries the results the caller persisted at the end of the previous
// stage, keyed by task_index; it is nil for stage 1 (spec.md §4.4 step 2).
type Planner func(jobID string, stage int, parameters map[string]any, stageResultsSoFar map[string]any) ([]TaskSpec, error)

// TaskSpec is one planned unit of work a Planner emits; the controller
// turns each into a Task row plus a broker envelope.
type TaskSpec struct {
	TaskType   string
	IndexToken string
	Parameters map[string]any
}

// Finalizer runs once a job's final stage completes, producing the
// job's ResultData from the accumulated stage results (keyed by stage
// number, each stage's map keyed by task_index).
type Finalizer func(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error)

// JobDefinition is the full registration record for one job type
// (spec.md §4.2).
type JobDefinition struct {
	JobType     string
	Schema      ParameterSchema
	TotalStages int
	Validators  []Validator
	Plan        Planner
	Finalize    Finalizer
}

// Registry is the process-wide catalogue of known job types.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]JobDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]JobDefinition)}
}

// Register adds a job definition, rejecting duplicates and obviously
// incomplete definitions the way the teacher's Registry.Register
// rejects nil handlers and empty types.
func (r *Registry) Register(def JobDefinition) error {
	if def.JobType == "" {
		return fmt.Errorf("registry: job type must not be empty")
	}
	if def.TotalStages < 1 {
		return fmt.Errorf("registry: job type %q must declare at least 1 stage", def.JobType)
	}
	if def.Plan == nil {
		return fmt.Errorf("registry: job type %q has no stage planner", def.JobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.JobType]; exists {
		return fmt.Errorf("registry: job type %q already registered", def.JobType)
	}
	r.defs[def.JobType] = def
	return nil
}

// Get looks up a job definition by type. The bool result distinguishes
// "not found" from a zero-value definition so callers can return
// errdomain.UnknownJobType without inspecting zero values.
func (r *Registry) Get(jobType string) (JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	return def, ok
}

// JobTypes lists all registered job types, sorted for deterministic
// iteration order (status endpoints, admin tooling).
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
