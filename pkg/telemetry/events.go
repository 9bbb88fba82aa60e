package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/google/uuid"
)

// EventSubscriber handles one action event.
type EventSubscriber func(event engine.ActionEvent)

// EventFilter reports whether an event is delivered to a subscriber.
type EventFilter func(event engine.ActionEvent) bool

// EventPublisher fans action events out to subscribers and implements
// engine.EventSink. With Async set, events are queued and delivered in
// emission order by one goroutine; Emit never blocks the scheduler.
type EventPublisher struct {
	config  EventsConfig
	queue   chan queued
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
	dropped atomic.Int64

	mu   sync.RWMutex
	subs []subscription
}

// queued is an event, or a flush marker when flushed is set.
type queued struct {
	event   engine.ActionEvent
	flushed chan struct{}
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

var _ engine.EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher. A disabled publisher discards
// every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}

	ep.queue = make(chan queued, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Emit implements engine.EventSink. Events emitted after Shutdown or while
// the queue is full are dropped and counted.
func (ep *EventPublisher) Emit(event engine.ActionEvent) {
	if !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return
	}
	select {
	case <-ep.stop:
		ep.dropped.Add(1)
		return
	default:
	}
	select {
	case ep.queue <- queued{event: event}:
	default:
		ep.dropped.Add(1)
	}
}

// Flush waits until every event emitted before the call is delivered. The
// publisher keeps running.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if ep.queue == nil {
		return nil
	}
	marker := queued{flushed: make(chan struct{})}
	select {
	case <-ep.stop:
		return nil
	case ep.queue <- marker:
	case <-ctx.Done():
		return fmt.Errorf("event publisher flush: %w", ctx.Err())
	}

	select {
	case <-marker.flushed:
		return nil
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher flush: %w", ctx.Err())
	}
}

// Dropped returns the number of events that were not delivered.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

// Subscribe registers fn. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case q := <-ep.queue:
			ep.handle(q)
		case <-ep.stop:
			for {
				select {
				case q := <-ep.queue:
					ep.handle(q)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) handle(q queued) {
	if q.flushed != nil {
		close(q.flushed)
		return
	}
	ep.deliver(q.event)
}

func (ep *EventPublisher) deliver(event engine.ActionEvent) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subs {
		if sub.filter == nil || sub.filter(event) {
			sub.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued events are
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.queue == nil {
		return nil
	}
	ep.stopped.Do(func() { close(ep.stop) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// All matches events that every filter matches.
func All(filters ...EventFilter) EventFilter {
	return func(event engine.ActionEvent) bool {
		for _, f := range filters {
			if !f(event) {
				return false
			}
		}
		return true
	}
}

// FilterByState matches events that reach one of states.
func FilterByState(states ...engine.TaskState) EventFilter {
	set := make(map[engine.TaskState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return func(event engine.ActionEvent) bool { return set[event.State] }
}

// FilterByKind matches events of the given action kinds.
func FilterByKind(kinds ...engine.ActionKind) EventFilter {
	set := make(map[engine.ActionKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(event engine.ActionEvent) bool { return set[event.ActionKind] }
}

// FilterBySession matches events of one Process call.
func FilterBySession(sessionID string) EventFilter {
	return func(event engine.ActionEvent) bool { return event.SessionID == sessionID }
}

// FilterByAction matches events of one action key.
func FilterByAction(key string) EventFilter {
	return func(event engine.ActionEvent) bool { return event.Key() == key }
}

// FilterTerminal matches events that end an operation.
func FilterTerminal() EventFilter {
	return func(event engine.ActionEvent) bool { return event.CompletedAt != nil }
}
