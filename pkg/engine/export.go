package engine

import (
	"errors"
	"time"
)

// resultFieldWhitelist are the fields of a handler status or its detail that
// may appear in an exported result.
var resultFieldWhitelist = []string{
	"createdAt",
	"mode",
	"syncMode",
	"localMode",
	"externalId",
	"externalVersion",
	"forwardablePorts",
	"ingresses",
	"lastMessage",
	"lastError",
	"outputs",
	"runningReplicas",
	"state",
	"updatedAt",
	"version",
	"fetched",
	"fresh",
	"success",
	"exitCode",
	"startedAt",
	"completedAt",
}

// resultDetailWhitelist are the detail keys kept under result.detail.
var resultDetailWhitelist = []string{"fresh", "buildLog", "log", "message"}

// errorDetailWhitelist are the error detail keys kept in an exported error.
var errorDetailWhitelist = []string{
	"aborted",
	"completedAt",
	"description",
	"message",
	"stack",
	"key",
	"name",
	"processed",
	"success",
	"type",
}

// omittedOutputKeys never appear in exported outputs.
var omittedOutputKeys = map[string]bool{
	"resolvedAction": true,
	"executedAction": true,
}

// ExportedResult is the JSON-safe projection of a GraphResult.
type ExportedResult struct {
	Type              string                     `json:"type"`
	Description       string                     `json:"description"`
	Key               string                     `json:"key"`
	Name              string                     `json:"name"`
	Aborted           bool                       `json:"aborted"`
	StartedAt         *time.Time                 `json:"startedAt"`
	CompletedAt       *time.Time                 `json:"completedAt"`
	Version           string                     `json:"version"`
	Processed         bool                       `json:"processed"`
	Success           bool                       `json:"success"`
	InputVersion      string                     `json:"inputVersion"`
	Result            map[string]interface{}     `json:"result"`
	Error             *ExportedError             `json:"error"`
	Outputs           map[string]interface{}     `json:"outputs"`
	DependencyResults map[string]*ExportedResult `json:"dependencyResults"`
}

// ExportedError is the JSON-safe projection of a task error.
type ExportedError struct {
	Message string                 `json:"message"`
	Type    string                 `json:"type"`
	Stack   string                 `json:"stack,omitempty"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Export returns a JSON-safe projection of every settled result, keyed by
// task key. Unsettled keys map to nil.
func (r *GraphResults) Export() map[string]*ExportedResult {
	out := make(map[string]*ExportedResult, r.Len())
	for key, res := range r.GetMap() {
		out[key] = ExportResult(res)
	}
	return out
}

// ExportResult projects a single result. Task references are dropped and
// dependency results are exported recursively.
func ExportResult(res *GraphResult) *ExportedResult {
	if res == nil {
		return nil
	}
	e := &ExportedResult{
		Type:         res.Type,
		Description:  res.Description,
		Key:          res.Key,
		Name:         res.Name,
		Aborted:      res.Aborted,
		StartedAt:    res.StartedAt,
		CompletedAt:  res.CompletedAt,
		Version:      res.Version,
		Processed:    res.Processed,
		Success:      res.Success,
		InputVersion: res.InputVersion,
		Result:       exportStatus(res.Result),
		Error:        exportError(res.Error),
		Outputs:      exportOutputs(res.Outputs),
	}
	if len(res.DependencyResults) > 0 {
		e.DependencyResults = make(map[string]*ExportedResult, len(res.DependencyResults))
		for k, dep := range res.DependencyResults {
			e.DependencyResults[k] = ExportResult(dep)
		}
	}
	return e
}

func exportStatus(s *ActionStatus) map[string]interface{} {
	if s == nil {
		return nil
	}
	source := make(map[string]interface{}, len(s.Detail)+2)
	for k, v := range s.Detail {
		source[k] = v
	}
	source["state"] = string(s.State)
	if s.Outputs != nil {
		source["outputs"] = s.Outputs
	}

	out := pick(source, resultFieldWhitelist)
	if outputs, ok := out["outputs"].(map[string]interface{}); ok {
		out["outputs"] = exportOutputs(outputs)
	}
	if detail := pick(s.Detail, resultDetailWhitelist); len(detail) > 0 {
		out["detail"] = detail
	}
	return out
}

func exportError(err error) *ExportedError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = ToEngineError(err)
	}
	e := &ExportedError{
		Message: ee.Error(),
		Type:    string(ee.Type),
		Stack:   ee.Stack,
	}
	if detail := pick(ee.Detail, errorDetailWhitelist); len(detail) > 0 {
		e.Detail = detail
	}
	return e
}

func exportOutputs(outputs map[string]interface{}) map[string]interface{} {
	if outputs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		if omittedOutputKeys[k] {
			continue
		}
		if safe, ok := sanitizeValue(v); ok {
			out[k] = safe
		}
	}
	return out
}

// sanitizeValue drops engine objects that must never be serialized.
func sanitizeValue(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case *Task, *Action, *ResolvedAction, *GraphResult, *GraphResults:
		return nil, false
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			if safe, ok := sanitizeValue(item); ok {
				out[k] = safe
			}
		}
		return out, true
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if safe, ok := sanitizeValue(item); ok {
				out = append(out, safe)
			}
		}
		return out, true
	default:
		return v, true
	}
}

func pick(m map[string]interface{}, keys []string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if safe, ok := sanitizeValue(v); ok {
				out[k] = safe
			}
		}
	}
	return out
}
