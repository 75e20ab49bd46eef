// Package tasktypes defines the handler contract task types implement,
// and the registry of handlers an executor dispatches task execution
// to. Grounded on the teacher's internal/jobs/runtime.Handler/Registry,
// renamed from job-level dispatch to task-level dispatch per spec.md
// §4.6 ("handler(task_parameters, context) → TaskResult").
package tasktypes

import (
	"fmt"
	"sync"
)

// TaskResult is the handler's terminal outcome (spec.md §4.6).
type TaskResult struct {
	Status          string
	ResultData      map[string]any
	ErrorDetails    string
	NextStageParams map[string]any
}

// Handler runs one task type. Handlers must be idempotent with respect
// to external side effects: re-delivery after a crash between handler
// completion and the DB write can cause re-invocation (spec.md §4.6).
type Handler interface {
	Type() string
	Run(ctx *Context) (TaskResult, error)
}

// Registry maps task_type to Handler, mirroring the teacher's
// runtime.Registry (mutex-guarded map, duplicate/nil rejection).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("tasktypes: cannot register nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("tasktypes: handler has empty type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("tasktypes: handler for type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
