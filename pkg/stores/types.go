package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a recorded run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one Process call of the CLI.
type Run struct {
	// ID is the scheduler session ID.
	ID string `json:"id"`

	// Command is the CLI command, e.g. "deploy".
	Command string `json:"command"`

	// Roots are the requested task keys.
	Roots []string `json:"roots"`

	Status RunStatus `json:"status"`

	// Tasks, Failed and Aborted summarize the settled results.
	Tasks   int `json:"tasks"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
}

// RunSummary holds the counts recorded when a run completes.
type RunSummary struct {
	Status  RunStatus
	Tasks   int
	Failed  int
	Aborted int
	Error   *string
}

// ActionEvent is a recorded task state transition.
type ActionEvent struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	RunID         string     `json:"run_id"`
	ActionKey     string     `json:"action_key"`
	ActionKind    string     `json:"action_kind"`
	ActionName    string     `json:"action_name"`
	ActionType    string     `json:"action_type"`
	ActionVersion string     `json:"action_version"`
	Operation     string     `json:"operation"`
	State         string     `json:"state"`
	Force         bool       `json:"force"`
	Status        *string    `json:"status,omitempty"` // JSON blob
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

// ActionSummary is the last terminal state recorded for an action.
type ActionSummary struct {
	ActionKey     string     `json:"action_key"`
	ActionVersion string     `json:"action_version"`
	State         string     `json:"state"`
	RunID         string     `json:"run_id"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// EventQuery filters GetEvents. Empty fields match everything.
type EventQuery struct {
	RunID     string
	ActionKey string
	States    []string
	Limit     int
	Offset    int
}

// Store is the run history persistence layer. It is write-mostly reporting;
// the engine never reads it back.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, summary RunSummary) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event *ActionEvent) error
	GetEvents(ctx context.Context, q EventQuery) ([]*ActionEvent, error)
	LatestActionStates(ctx context.Context) ([]*ActionSummary, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
