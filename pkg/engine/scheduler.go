package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultConcurrencyLimit applies when ProcessOptions.ConcurrencyLimit is zero.
const DefaultConcurrencyLimit = 6

// ProcessOptions controls one Process call.
type ProcessOptions struct {
	// Force reprocesses tasks whose status is already ready.
	Force bool

	// StatusOnly only queries status. No mutating operation runs and no
	// events are emitted.
	StatusOnly bool

	// ConcurrencyLimit bounds concurrent handler calls. Zero selects
	// DefaultConcurrencyLimit; negative values are treated as one.
	ConcurrencyLimit int

	// ThrowOnError returns the first failed task's error after the run settles.
	ThrowOnError bool

	// ProceedOnDependencyFailure runs tasks even when a dependency failed or
	// was aborted.
	ProceedOnDependencyFailure bool

	// SessionID identifies the run in events. A random ID is used when empty.
	SessionID string
}

func (o ProcessOptions) limit() int {
	switch {
	case o.ConcurrencyLimit == 0:
		return DefaultConcurrencyLimit
	case o.ConcurrencyLimit < 0:
		return 1
	default:
		return o.ConcurrencyLimit
	}
}

func (o ProcessOptions) mode() string {
	if o.StatusOnly {
		return "status"
	}
	return "process"
}

// SchedulerOption configures a TaskGraphScheduler.
type SchedulerOption func(*TaskGraphScheduler)

// WithEventSink sets the sink that receives action events.
func WithEventSink(sink EventSink) SchedulerOption {
	return func(s *TaskGraphScheduler) {
		s.events = sink
	}
}

// WithTaskObserver sets the observer used for metrics and tracing.
func WithTaskObserver(o TaskObserver) SchedulerOption {
	return func(s *TaskGraphScheduler) {
		s.observer = o
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(log zerolog.Logger) SchedulerOption {
	return func(s *TaskGraphScheduler) {
		s.log = log
	}
}

// WithLocks sets the lock table passed to handlers.
func WithLocks(locks *KeyedMutex) SchedulerOption {
	return func(s *TaskGraphScheduler) {
		s.locks = locks
	}
}

// TaskGraphScheduler drives tasks through the status and process operations
// of their handlers, in dependency order and with bounded concurrency.
type TaskGraphScheduler struct {
	graph    *ResolvedConfigGraph
	handlers HandlerLookup
	events   EventSink
	observer TaskObserver
	log      zerolog.Logger
	locks    *KeyedMutex

	// mu guards inFlight
	mu sync.Mutex

	// inFlight holds the running operation per task key across Process calls
	inFlight map[string]*inFlightOp
}

// inFlightOp is a running task that later requests may join.
type inFlightOp struct {
	cacheKey string
	done     chan struct{}
	result   *GraphResult
}

// NewTaskGraphScheduler creates a scheduler over a resolved graph.
func NewTaskGraphScheduler(graph *ResolvedConfigGraph, handlers HandlerLookup, opts ...SchedulerOption) *TaskGraphScheduler {
	s := &TaskGraphScheduler{
		graph:    graph,
		handlers: handlers,
		observer: noopObserver{},
		log:      zerolog.Nop(),
		locks:    NewKeyedMutex(),
		inFlight: make(map[string]*inFlightOp),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// taskNode is the scheduling state of one task within a Process call.
type taskNode struct {
	task       *Task
	index      int
	deps       []*taskNode
	dependants []*taskNode
	remaining  int
	settled    bool
	abortedBy  string
}

// completion is sent by a task goroutine when its handler calls return.
type completion struct {
	node   *taskNode
	result *GraphResult
}

// Process runs roots and their dependency closure and returns the results.
// Task failures are recorded in the results. The returned error is non-nil
// for engine defects, and for the first task failure when ThrowOnError is set.
func (s *TaskGraphScheduler) Process(ctx context.Context, roots []*Task, opts ProcessOptions) (*GraphResults, error) {
	nodes, err := s.expand(roots, opts)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, len(nodes))
	for i, n := range nodes {
		tasks[i] = n.task
	}
	results := NewGraphResults(tasks)

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	runCtx, endRun := s.observer.RunStarted(ctx, sessionID, len(nodes))
	log := s.log.With().Str("session", sessionID).Logger()
	log.Debug().
		Int("tasks", len(nodes)).
		Int("concurrency", opts.limit()).
		Bool("force", opts.Force).
		Bool("statusOnly", opts.StatusOnly).
		Msg("Processing task graph")

	runErr := s.run(runCtx, nodes, results, opts, sessionID, log)
	if runErr == nil && opts.ThrowOnError {
		runErr = results.FirstError()
	}
	endRun(runErr)
	return results, runErr
}

// expand builds the dependency closure of roots, deduplicated by key. Roots
// come first in their given order, followed by dependencies in discovery order.
func (s *TaskGraphScheduler) expand(roots []*Task, opts ProcessOptions) ([]*taskNode, error) {
	byKey := make(map[string]*taskNode)
	nodes := make([]*taskNode, 0, len(roots))

	add := func(t *Task) *taskNode {
		if n, ok := byKey[t.Key()]; ok {
			return n
		}
		if opts.Force && !t.force {
			t = NewTask(t.action, true)
		}
		n := &taskNode{task: t, index: len(nodes)}
		byKey[t.Key()] = n
		nodes = append(nodes, n)
		return n
	}

	for _, t := range roots {
		if t == nil || t.action == nil {
			return nil, NewInternalError("nil task passed to Process", nil)
		}
		add(t)
	}

	for i := 0; i < len(nodes); i++ {
		n := nodes[i]
		action := n.task.action.action
		deps := s.graph.graph.GetDependencies(action, DependencyQuery{Filter: DependencyFilterExecutedOutputs})
		for _, dep := range deps {
			ra, err := s.graph.Get(dep.Key())
			if err != nil {
				return nil, err
			}
			if ra.IsDisabled() {
				continue
			}
			depNode := add(NewTask(ra, false))
			n.deps = append(n.deps, depNode)
			depNode.dependants = append(depNode.dependants, n)
		}
	}

	return nodes, nil
}

// run is the coordinator loop. It is the only writer of results.
func (s *TaskGraphScheduler) run(
	ctx context.Context,
	nodes []*taskNode,
	results *GraphResults,
	opts ProcessOptions,
	sessionID string,
	log zerolog.Logger,
) error {
	ready := &readyQueue{}
	for _, n := range nodes {
		n.remaining = len(n.deps)
		if n.remaining == 0 {
			heap.Push(ready, n)
		}
	}

	var internalErrs []error
	settledCount := 0
	settle := func(n *taskNode, res *GraphResult) {
		if n.settled {
			return
		}
		n.settled = true
		settledCount++
		if err := results.SetResult(n.task.Key(), res); err != nil {
			log.Error().Err(err).Str("task", n.task.Key()).Msg("Failed to record task result")
			internalErrs = append(internalErrs, err)
		}
		failed := res.Outcome == TaskStateFailed || res.Outcome == TaskStateAborted
		for _, d := range n.dependants {
			if d.settled {
				continue
			}
			if failed && !opts.ProceedOnDependencyFailure && d.abortedBy == "" {
				d.abortedBy = n.task.Key()
			}
			d.remaining--
			if d.remaining == 0 {
				heap.Push(ready, d)
			}
		}
	}

	completions := make(chan completion, len(nodes))
	limit := opts.limit()
	running := 0
	done := ctx.Done()
	cancelled := false

	for settledCount < len(nodes) {
		if !cancelled && ctx.Err() != nil {
			log.Info().Msg("Run cancelled, waiting for in-flight tasks")
			cancelled = true
			done = nil
		}

		for !cancelled && running < limit && ready.Len() > 0 {
			n := heap.Pop(ready).(*taskNode)
			depResults := s.dependencyResults(n, results)
			if n.abortedBy != "" {
				log.Debug().Str("task", n.task.Key()).Str("dependency", n.abortedBy).Msg("Aborting task")
				settle(n, abortedResult(n.task, depResults,
					fmt.Sprintf("%s aborted because dependency %s failed", n.task.Key(), n.abortedBy)))
				continue
			}
			running++
			go func(n *taskNode) {
				completions <- completion{node: n, result: s.runTask(ctx, n.task, depResults, opts, sessionID, log)}
			}(n)
		}

		if settledCount == len(nodes) {
			break
		}
		if running == 0 {
			if !cancelled {
				// Every unsettled task waits on another unsettled task.
				err := NewInternalError("task graph stalled with unsettled tasks", nil)
				internalErrs = append(internalErrs, err)
			}
			for _, n := range nodes {
				if !n.settled {
					settle(n, abortedResult(n.task, s.dependencyResults(n, results),
						fmt.Sprintf("%s aborted because the run was cancelled", n.task.Key())))
				}
			}
			break
		}

		select {
		case c := <-completions:
			running--
			settle(c.node, c.result)
		case <-done:
			log.Info().Msg("Run cancelled, waiting for in-flight tasks")
			cancelled = true
			done = nil
		}
	}

	return errors.Join(internalErrs...)
}

func (s *TaskGraphScheduler) dependencyResults(n *taskNode, results *GraphResults) map[string]*GraphResult {
	if len(n.deps) == 0 {
		return nil
	}
	out := make(map[string]*GraphResult, len(n.deps))
	for _, d := range n.deps {
		if res := results.GetResult(d.task.Key()); res != nil {
			out[d.task.Key()] = res.FilterForGraphResult()
		}
	}
	return out
}

// runTask runs one task, joining an in-flight run of the same key when the
// version and mode match, and waiting for it otherwise.
func (s *TaskGraphScheduler) runTask(
	ctx context.Context,
	task *Task,
	depResults map[string]*GraphResult,
	opts ProcessOptions,
	sessionID string,
	log zerolog.Logger,
) *GraphResult {
	key := task.Key()
	cacheKey := fmt.Sprintf("%s/%s/%t", task.Version(), opts.mode(), task.force)

	s.mu.Lock()
	for {
		op, ok := s.inFlight[key]
		if !ok {
			break
		}
		s.mu.Unlock()
		<-op.done
		if op.cacheKey == cacheKey && op.result != nil {
			log.Debug().Str("task", key).Msg("Joined in-flight task")
			joined := *op.result
			joined.task = nil
			joined.DependencyResults = depResults
			return &joined
		}
		s.mu.Lock()
	}
	op := &inFlightOp{cacheKey: cacheKey, done: make(chan struct{})}
	s.inFlight[key] = op
	s.mu.Unlock()

	res := s.executeTask(ctx, task, depResults, opts, sessionID, log)

	s.mu.Lock()
	op.result = res.FilterForGraphResult()
	delete(s.inFlight, key)
	close(op.done)
	s.mu.Unlock()

	return res
}

// executeTask runs the per-task state machine.
func (s *TaskGraphScheduler) executeTask(
	ctx context.Context,
	task *Task,
	depResults map[string]*GraphResult,
	opts ProcessOptions,
	sessionID string,
	log zerolog.Logger,
) *GraphResult {
	ra := task.action
	log = log.With().Str("task", task.Key()).Str("version", task.Version()).Logger()
	started := time.Now()
	res := newResult(task, depResults, started)

	if ra.IsDisabled() {
		now := time.Now()
		res.CompletedAt = &now
		res.State = StateNotReady
		res.Outcome = TaskStateNotReady
		res.Success = true
		res.Result = &ActionStatus{State: StateNotReady, Detail: map[string]interface{}{"message": "action is disabled"}}
		return res
	}

	handlers, err := s.handlers.Handlers(ra.Kind(), ra.Type())
	if err != nil {
		return s.fail(res, NewPluginError(fmt.Sprintf("no handlers for %s", task.Key()), err).WithAction(task.Key()), log)
	}

	opCtx := ctx
	if !handlers.Interruptible {
		opCtx = context.WithoutCancel(ctx)
	}

	params := &HandlerParams{
		Action:            ra,
		DependencyResults: depResults,
		Force:             task.force,
		Log:               log,
		Locks:             s.locks,
	}
	emit := !opts.StatusOnly

	s.emit(emit, task, sessionID, OperationGetStatus, TaskStateGettingStatus, nil, started, nil, nil)
	log.Debug().Msg("Getting status")

	status, err := s.call(opCtx, handlers, task, OperationGetStatus, params)
	if err != nil {
		s.emit(emit, task, sessionID, OperationGetStatus, TaskStateFailed, nil, started, timeNow(), err)
		return s.fail(res, err, log)
	}
	res.Result = status
	res.Outputs = copyMap(status.Outputs)
	res.Attached = status.Attached

	if status.State == StateReady && !task.force {
		s.observer.CacheHit(task)
		s.emit(emit, task, sessionID, OperationGetStatus, TaskStateCached, status, started, timeNow(), nil)
		log.Debug().Msg("Status is ready, skipping processing")
		return s.succeed(res, status, TaskStateReady, true, false)
	}

	if opts.StatusOnly {
		outcome := TaskStateNotReady
		if status.State == StateReady {
			outcome = TaskStateReady
		}
		return s.succeed(res, status, outcome, false, false)
	}

	processStarted := time.Now()
	s.emit(true, task, sessionID, OperationProcess, TaskStateProcessing, status, processStarted, nil, nil)
	log.Debug().Str("status", string(status.State)).Msg("Processing")

	status, err = s.call(opCtx, handlers, task, OperationProcess, params)
	if err == nil && status.State == StateFailed {
		err = NewRuntimeError(fmt.Sprintf("%s reported a failed state", task.Description()), nil).
			WithAction(task.Key()).
			WithOperation(string(OperationProcess))
		if msg, ok := status.Detail["message"]; ok {
			err.(*EngineError).WithDetail("message", msg)
		}
	}
	if err != nil {
		s.emit(true, task, sessionID, OperationProcess, TaskStateFailed, status, processStarted, timeNow(), err)
		if status != nil {
			res.Result = status
		}
		res.Processed = true
		return s.fail(res, err, log)
	}

	res.Result = status
	res.Outputs = copyMap(status.Outputs)
	res.Attached = status.Attached
	s.emit(true, task, sessionID, OperationProcess, TaskStateReady, status, processStarted, timeNow(), nil)
	log.Info().Dur("duration", since(started)).Msg("Processed")
	return s.succeed(res, status, TaskStateReady, false, true)
}

// call runs one handler operation under the action timeout. A handler that
// ignores its context still times out.
func (s *TaskGraphScheduler) call(
	ctx context.Context,
	handlers *ActionHandlers,
	task *Task,
	op Operation,
	params *HandlerParams,
) (*ActionStatus, error) {
	timeout := task.action.Timeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spanCtx, end := s.observer.OperationStarted(callCtx, task, op)

	type outcome struct {
		status *ActionStatus
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: NewPluginError(fmt.Sprintf("%s handler panicked: %v", op, r), nil)}
			}
		}()
		st, err := handlers.call(spanCtx, taskVariant{Kind: task.action.Kind(), Operation: op}, params)
		ch <- outcome{status: st, err: err}
	}()

	var (
		status *ActionStatus
		err    error
	)
	select {
	case o := <-ch:
		status, err = o.status, o.err
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = timeoutError(task, op, timeout, err)
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = timeoutError(task, op, timeout, callCtx.Err())
		} else {
			err = NewRuntimeError(fmt.Sprintf("%s of %s was cancelled", op, task.Key()), callCtx.Err())
		}
	}

	if err != nil {
		ee := ToEngineError(err)
		if ee.Action == "" {
			ee.WithAction(task.Key())
		}
		if ee.Operation == "" {
			ee.WithOperation(string(op))
		}
		end(TaskStateFailed, ee)
		return nil, ee
	}

	state := TaskStateReady
	if status.State != StateReady {
		state = TaskStateNotReady
	}
	end(state, nil)
	return status, nil
}

func timeoutError(task *Task, op Operation, timeout time.Duration, cause error) *EngineError {
	return NewTimeoutError(
		fmt.Sprintf("%s of %s timed out after %s", op, task.Key(), timeout), cause).
		WithAction(task.Key()).
		WithOperation(string(op)).
		WithDetail("timeout", timeout.String())
}

func (s *TaskGraphScheduler) succeed(res *GraphResult, status *ActionStatus, outcome TaskState, cached, processed bool) *GraphResult {
	res.State = status.State
	res.Outcome = outcome
	res.Cached = cached
	res.Processed = processed
	res.Success = true
	res.CompletedAt = timeNow()
	return res
}

func (s *TaskGraphScheduler) fail(res *GraphResult, err error, log zerolog.Logger) *GraphResult {
	log.Error().Err(err).Msg("Task failed")
	res.State = StateFailed
	res.Outcome = TaskStateFailed
	res.Success = false
	res.Error = err
	res.CompletedAt = timeNow()
	return res
}

// emit publishes an action event unless events are disabled for the run.
func (s *TaskGraphScheduler) emit(
	enabled bool,
	task *Task,
	sessionID string,
	op Operation,
	state TaskState,
	status *ActionStatus,
	startedAt time.Time,
	completedAt *time.Time,
	err error,
) {
	if !enabled || s.events == nil {
		return
	}
	ra := task.action
	event := ActionEvent{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ActionName:    ra.Name(),
		ActionKind:    ra.Kind(),
		ActionType:    ra.Type(),
		ActionVersion: ra.VersionString(),
		ActionUID:     ra.UID(),
		Operation:     op,
		State:         state,
		Force:         task.force,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
	}
	if status != nil {
		st := *status
		event.Status = &st
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.events.Emit(event)
}

func newResult(task *Task, depResults map[string]*GraphResult, started time.Time) *GraphResult {
	return &GraphResult{
		Type:              task.Type(),
		Description:       task.Description(),
		Key:               task.Key(),
		Name:              task.action.Name(),
		State:             StateUnknown,
		Outcome:           TaskStatePending,
		Version:           task.Version(),
		InputVersion:      task.Version(),
		StartedAt:         &started,
		DependencyResults: depResults,
	}
}

func abortedResult(task *Task, depResults map[string]*GraphResult, reason string) *GraphResult {
	now := time.Now()
	res := newResult(task, depResults, now)
	res.CompletedAt = &now
	res.Outcome = TaskStateAborted
	res.Aborted = true
	res.Error = NewRuntimeError(reason, nil).
		WithAction(task.Key()).
		WithDetail("aborted", true).
		WithDetail("key", task.Key())
	return res
}

func timeNow() *time.Time {
	t := time.Now()
	return &t
}

// readyQueue orders ready tasks by insertion index.
type readyQueue []*taskNode

func (q readyQueue) Len() int            { return len(q) }
func (q readyQueue) Less(i, j int) bool  { return q[i].index < q[j].index }
func (q readyQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*taskNode)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
