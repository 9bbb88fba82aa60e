package telemetry

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

func testEvent(kind engine.ActionKind, name string, state engine.TaskState) engine.ActionEvent {
	return engine.ActionEvent{
		SessionID:  "session-1",
		ActionKind: kind,
		ActionName: name,
		Operation:  engine.OperationProcess,
		State:      state,
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []engine.ActionEvent
}

func (c *eventCollector) collect(ev engine.ActionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) getEvents() []engine.ActionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.ActionEvent(nil), c.events...)
}

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 100})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	collector := &eventCollector{}
	ep.Subscribe(collector.collect, nil)

	states := []engine.TaskState{
		engine.TaskStateGettingStatus,
		engine.TaskStateNotReady,
		engine.TaskStateProcessing,
		engine.TaskStateReady,
	}
	for _, s := range states {
		ep.Emit(testEvent(engine.KindBuild, "api", s))
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	events := collector.getEvents()
	if len(events) != len(states) {
		t.Fatalf("Expected %d events, got %d", len(states), len(events))
	}
	for i, ev := range events {
		if ev.State != states[i] {
			t.Errorf("Event %d: expected state %s, got %s", i, states[i], ev.State)
		}
		if ev.ID == "" {
			t.Errorf("Event %d: expected generated ID", i)
		}
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	terminal := &eventCollector{}
	deploys := &eventCollector{}
	api := &eventCollector{}
	ep.Subscribe(terminal.collect, FilterTerminal())
	ep.Subscribe(deploys.collect, FilterByKind(engine.KindDeploy))
	ep.Subscribe(api.collect, FilterByAction("build.api"))

	done := time.Now()
	ep.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateProcessing))
	finished := testEvent(engine.KindBuild, "api", engine.TaskStateReady)
	finished.CompletedAt = &done
	ep.Emit(finished)
	ep.Emit(testEvent(engine.KindDeploy, "api", engine.TaskStateProcessing))

	if got := len(terminal.getEvents()); got != 1 {
		t.Errorf("Expected 1 terminal event, got %d", got)
	}
	if got := len(deploys.getEvents()); got != 1 {
		t.Errorf("Expected 1 deploy event, got %d", got)
	}
	if got := len(api.getEvents()); got != 2 {
		t.Errorf("Expected 2 build.api events, got %d", got)
	}
}

func TestEventPublisher_AllFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	collector := &eventCollector{}
	ep.Subscribe(collector.collect, All(FilterBySession("session-2"), FilterByState(engine.TaskStateFailed)))

	other := testEvent(engine.KindBuild, "api", engine.TaskStateFailed)
	other.SessionID = "session-2"
	ep.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateFailed))
	ep.Emit(other)

	events := collector.getEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].SessionID != "session-2" {
		t.Errorf("Expected session-2, got %s", events[0].SessionID)
	}
}

func TestEventPublisher_DropsWhenFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	release := make(chan struct{})
	ep.Subscribe(func(engine.ActionEvent) { <-release }, nil)

	// The first event is taken by the delivery goroutine and blocks there,
	// the second fills the buffer.
	for i := 0; i < 10; i++ {
		ep.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateProcessing))
	}
	close(release)

	if ep.Dropped() < 8 {
		t.Errorf("Expected at least 8 dropped events, got %d", ep.Dropped())
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	collector := &eventCollector{}
	ep.Subscribe(collector.collect, nil)
	ep.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateReady))

	if len(collector.getEvents()) != 0 {
		t.Error("Expected no events from a disabled publisher")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNewEventPublisher_InvalidBuffer(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true}); err == nil {
		t.Error("Expected error for zero buffer size")
	}
}

func TestEventPublisher_FlushKeepsPublisherRunning(t *testing.T) {
	cfg := DefaultConfig()
	tel, err := NewTelemetry(cfg, io.Discard)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	collector := &eventCollector{}
	tel.Events.Subscribe(collector.collect, nil)

	// A sink captured before the flush, as a scheduler holds it.
	var sink engine.EventSink = tel.Events

	for i := 0; i < 5; i++ {
		sink.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateProcessing))
	}
	if err := tel.Events.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(collector.getEvents()); got != 5 {
		t.Fatalf("Expected 5 delivered events after flush, got %d", got)
	}

	sink.Emit(testEvent(engine.KindBuild, "api", engine.TaskStateReady))
	if err := tel.Events.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(collector.getEvents()); got != 6 {
		t.Errorf("Expected events after a flush to be delivered, got %d", got)
	}
	if dropped := tel.Events.Dropped(); dropped != 0 {
		t.Errorf("Expected no dropped events, got %d", dropped)
	}
}

func TestEventPublisher_FlushAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Flush(ctx); err != nil {
		t.Errorf("Expected flush of a stopped publisher to return, got %v", err)
	}
}
