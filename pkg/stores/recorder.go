package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/rs/zerolog"
)

// Recorder writes scheduler events and run summaries to a Store. Emit is
// synchronous, so it is usually attached behind the async event publisher.
type Recorder struct {
	store   Store
	log     zerolog.Logger
	timeout time.Duration
}

var _ engine.EventSink = (*Recorder)(nil)

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     log.With().Str("component", "history").Logger(),
		timeout: 5 * time.Second,
	}
}

// StartRun creates the run record for a session before Process starts.
func (r *Recorder) StartRun(ctx context.Context, runID, command string, roots []string) error {
	return r.store.CreateRun(ctx, &Run{
		ID:        runID,
		Command:   command,
		Roots:     roots,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	})
}

// Emit implements engine.EventSink. Write failures are logged and dropped.
func (r *Recorder) Emit(event engine.ActionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	rec := &ActionEvent{
		EventID:       event.ID,
		RunID:         event.SessionID,
		ActionKey:     event.Key(),
		ActionKind:    string(event.ActionKind),
		ActionName:    event.ActionName,
		ActionType:    event.ActionType,
		ActionVersion: event.ActionVersion,
		Operation:     string(event.Operation),
		State:         string(event.State),
		Force:         event.Force,
		StartedAt:     event.StartedAt,
		CompletedAt:   event.CompletedAt,
	}
	if event.Status != nil {
		if b, err := json.Marshal(event.Status); err == nil {
			s := string(b)
			rec.Status = &s
		}
	}
	if event.Error != "" {
		msg := event.Error
		rec.Error = &msg
	}

	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.log.Warn().Err(err).
			Str("session", event.SessionID).
			Str("action", rec.ActionKey).
			Msg("Failed to record action event")
	}
}

// FinishRun summarizes results into the run record. Aborted tasks never emit
// events during processing, so one aborted event is recorded for each.
func (r *Recorder) FinishRun(ctx context.Context, runID string, results *engine.GraphResults, runErr error) error {
	summary := RunSummary{Status: RunStatusSucceeded}

	if results != nil {
		for _, res := range results.GetAll() {
			if res == nil {
				continue
			}
			summary.Tasks++
			switch {
			case res.Aborted:
				summary.Aborted++
				r.recordAborted(ctx, runID, res)
			case res.Outcome == engine.TaskStateFailed || res.Error != nil:
				summary.Failed++
			}
		}
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		summary.Status = RunStatusCancelled
	case runErr != nil || summary.Failed > 0 || summary.Aborted > 0:
		summary.Status = RunStatusFailed
	}
	if runErr != nil {
		msg := runErr.Error()
		summary.Error = &msg
	}

	return r.store.CompleteRun(ctx, runID, summary)
}

func (r *Recorder) recordAborted(ctx context.Context, runID string, res *engine.GraphResult) {
	rec := &ActionEvent{
		EventID:       runID + ":" + res.Key + ":aborted",
		RunID:         runID,
		ActionKey:     res.Name,
		ActionType:    res.Type,
		ActionVersion: res.Version,
		Operation:     string(engine.OperationProcess),
		State:         string(engine.TaskStateAborted),
		CompletedAt:   res.CompletedAt,
	}
	if task := res.Task(); task != nil {
		ra := task.Action()
		rec.ActionKey = ra.Key()
		rec.ActionKind = string(ra.Kind())
		rec.ActionName = ra.Name()
		rec.ActionType = ra.Type()
		rec.ActionVersion = ra.VersionString()
	}
	if res.StartedAt != nil {
		rec.StartedAt = *res.StartedAt
	} else {
		rec.StartedAt = time.Now().UTC()
	}
	if res.Error != nil {
		msg := res.Error.Error()
		rec.Error = &msg
	}
	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.log.Warn().Err(err).Str("session", runID).Str("action", res.Key).Msg("Failed to record aborted task")
	}
}
