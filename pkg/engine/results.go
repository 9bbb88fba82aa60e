package engine

import (
	"fmt"
	"sync"
	"time"
)

// GraphResult is the settled outcome of one task.
type GraphResult struct {
	// Type is the task type, the lowercase action kind.
	Type string `json:"type"`

	Description string `json:"description"`
	Key         string `json:"key"`
	Name        string `json:"name"`

	// State is the action state after the task settled. Aborted tasks never
	// queried their handler and report unknown.
	State ActionState `json:"state"`

	// Outcome is the terminal state of the task state machine.
	Outcome TaskState `json:"outcome"`

	// Cached is set when the status was current and no processing ran.
	Cached bool `json:"cached"`

	// Result is the last status returned by the handler, if any.
	Result *ActionStatus `json:"result,omitempty"`

	// Error is the task's own error, or the abort reason.
	Error error `json:"-"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Aborted   bool `json:"aborted"`
	Processed bool `json:"processed"`
	Success   bool `json:"success"`
	Attached  bool `json:"attached"`

	// Version and InputVersion are the module version the task ran against.
	Version      string `json:"version"`
	InputVersion string `json:"inputVersion"`

	// Outputs are the runtime outputs reported by the handler.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// DependencyResults holds the results of the task's dependencies, without
	// task back-references.
	DependencyResults map[string]*GraphResult `json:"dependencyResults,omitempty"`

	task *Task
}

// Task returns the task that produced the result. Copies made by
// FilterForGraphResult return nil.
func (r *GraphResult) Task() *Task { return r.task }

// FilterForGraphResult returns a copy of the result without the task
// back-reference. Nested dependency results are filtered as well.
func (r *GraphResult) FilterForGraphResult() *GraphResult {
	if r == nil {
		return nil
	}
	c := *r
	c.task = nil
	if r.DependencyResults != nil {
		c.DependencyResults = make(map[string]*GraphResult, len(r.DependencyResults))
		for k, dep := range r.DependencyResults {
			c.DependencyResults[k] = dep.FilterForGraphResult()
		}
	}
	return &c
}

// GraphResults holds the results of one scheduling run over a fixed task set.
// Every key is written at most once.
type GraphResults struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	order   []string
	results map[string]*GraphResult
}

// NewGraphResults creates a result store keyed over tasks. Duplicate keys
// keep the first task.
func NewGraphResults(tasks []*Task) *GraphResults {
	r := &GraphResults{
		tasks:   make(map[string]*Task, len(tasks)),
		order:   make([]string, 0, len(tasks)),
		results: make(map[string]*GraphResult, len(tasks)),
	}
	for _, t := range tasks {
		key := t.Key()
		if _, ok := r.tasks[key]; ok {
			continue
		}
		r.tasks[key] = t
		r.order = append(r.order, key)
	}
	return r
}

// SetResult records the result for a key. It fails with an internal error if
// the key is not part of the run or already has a result.
func (r *GraphResults) SetResult(key string, result *GraphResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[key]
	if !ok {
		return NewInternalError(
			fmt.Sprintf("GraphResults has no key %s. Available keys: %v", key, r.order), nil).
			WithDetail("key", key)
	}
	if _, exists := r.results[key]; exists {
		return NewInternalError(fmt.Sprintf("result for %s was already set", key), nil).
			WithDetail("key", key)
	}
	if result == nil {
		return NewInternalError(fmt.Sprintf("nil result for %s", key), nil).WithDetail("key", key)
	}

	result.task = task
	r.results[key] = result
	return nil
}

// GetResult returns the result for a key, or nil if it has not settled or
// the key is unknown.
func (r *GraphResults) GetResult(key string) *GraphResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.results[key]
}

// HasKey reports whether key is part of the run.
func (r *GraphResults) HasKey(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[key]
	return ok
}

// GetMissing returns the tasks without a result, in insertion order.
func (r *GraphResults) GetMissing() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0)
	for _, key := range r.order {
		if _, ok := r.results[key]; !ok {
			out = append(out, r.tasks[key])
		}
	}
	return out
}

// GetTasks returns every task in insertion order.
func (r *GraphResults) GetTasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.tasks[key])
	}
	return out
}

// GetAll returns the settled results in insertion order.
func (r *GraphResults) GetAll() []*GraphResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*GraphResult, 0, len(r.results))
	for _, key := range r.order {
		if res, ok := r.results[key]; ok {
			out = append(out, res)
		}
	}
	return out
}

// GetMap returns a map of every key to its result. Unsettled keys map to nil.
func (r *GraphResults) GetMap() map[string]*GraphResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*GraphResult, len(r.order))
	for _, key := range r.order {
		out[key] = r.results[key]
	}
	return out
}

// GetResultsByKind returns the settled results of one action kind.
func (r *GraphResults) GetResultsByKind(kind ActionKind) []*GraphResult {
	out := make([]*GraphResult, 0)
	for _, res := range r.GetAll() {
		if res.Type == kind.Lower() {
			out = append(out, res)
		}
	}
	return out
}

// Len returns the number of keys in the run.
func (r *GraphResults) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// FirstError returns the error of the first failed, non-aborted result in
// insertion order.
func (r *GraphResults) FirstError() error {
	for _, res := range r.GetAll() {
		if res.Outcome == TaskStateFailed && res.Error != nil {
			return res.Error
		}
	}
	return nil
}
