// Package engine implements a strict-FIFO task queue with bounded
// concurrency, dispatching onto a configured agentexec.Executor-shaped
// dependency and tracking cumulative metrics.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/procmgr"
	"github.com/google/uuid"
)

// TaskExecutor is the slice of agentexec.Executor the engine actually
// needs: one task in, one spawned execution out. Kept narrow so the engine
// can be driven by a test double without pulling in a real executor.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task model.Task) (*agentexec.Spawned, error)
}

// Config controls the engine's admission policy and observability wiring.
type Config struct {
	// MaxConcurrent is the maximum number of tasks running at once. 0
	// halts execution while still allowing submission.
	MaxConcurrent int
	// Bus, if set, receives bus.TopicTaskStateChanged/TaskCompleted/
	// TaskFailed events for every task transition.
	Bus *bus.Bus
	// ProcManager, if set, backs the totalProcessesSpawned/activeProcesses
	// metrics fields.
	ProcManager *procmgr.Manager
	// Store, if set, receives a task_events row for every task state
	// transition (queued, running, completed, failed).
	Store  *persistence.Store
	Logger *slog.Logger
}

// Metrics is a read-only, defensive-copy snapshot of the engine's counters.
type Metrics struct {
	MaxConcurrent         int
	CurrentlyRunning      int
	AvailableSlots        int
	QueuedTasks           int
	CompletedTasks        int
	FailedTasks           int
	AverageDuration       time.Duration
	SuccessRate           float64
	Throughput            float64 // completions per second, rolling window
	TotalProcessesSpawned int
	ActiveProcesses       int
}

const throughputWindow = 60 * time.Second

// Engine owns the FIFO queue, the task-state table, and the scheduler. All
// mutable state is guarded by mu; the scheduler loop and task completion
// handlers run on per-task goroutines but never touch engine state without
// holding the lock.
type Engine struct {
	executor TaskExecutor
	cfg      Config
	log      *slog.Logger

	mu               sync.Mutex
	queue            []queuedTask
	states           map[string]*model.TaskState
	waiters          map[string][]chan struct{}
	currentlyRunning int

	completedTasks  int
	failedTasks     int
	totalDuration    time.Duration
	completionTimes []time.Time
}

type queuedTask struct {
	id   string
	task model.Task
}

// New creates an Engine. executor must not be nil. Go's zero value for
// cfg.MaxConcurrent is 0, which is itself a meaningful "halt execution"
// configuration, so New never substitutes a default; callers that want the
// documented default of 3 should use NewDefault instead.
func New(executor TaskExecutor, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		executor: executor,
		cfg:      cfg,
		log:      cfg.Logger,
		states:   make(map[string]*model.TaskState),
		waiters:  make(map[string][]chan struct{}),
	}
}

// NewDefault creates an Engine with the documented default maxConcurrent
// of 3.
func NewDefault(executor TaskExecutor, logger *slog.Logger) *Engine {
	return New(executor, Config{MaxConcurrent: 3, Logger: logger})
}

// SubmitTask appends one task to the FIFO queue and returns its assigned
// id. The scheduler runs immediately afterward.
func (e *Engine) SubmitTask(task model.Task) string {
	e.mu.Lock()
	id := e.enqueueLocked(task)
	e.mu.Unlock()
	e.schedule()
	return id
}

// SubmitTasks appends every task in order and runs the scheduler once at
// the end.
func (e *Engine) SubmitTasks(tasks []model.Task) []string {
	ids := make([]string, 0, len(tasks))
	e.mu.Lock()
	for _, t := range tasks {
		ids = append(ids, e.enqueueLocked(t))
	}
	e.mu.Unlock()
	e.schedule()
	return ids
}

func (e *Engine) enqueueLocked(task model.Task) string {
	id := uuid.NewString()
	task.ID = id
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	e.queue = append(e.queue, queuedTask{id: id, task: task})
	e.states[id] = &model.TaskState{Status: model.TaskQueued, Position: len(e.queue) - 1}
	e.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: id, NewStatus: string(model.TaskQueued)})
	e.recordTaskEvent(id, model.TaskQueued, nil, "")
	return id
}

// GetTaskStatus returns a copy of one task's current state.
func (e *Engine) GetTaskStatus(id string) (model.TaskState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return model.TaskState{}, false
	}
	return *st, true
}

// WaitForTask blocks until the task reaches a terminal state (or ctx is
// done) and returns its result.
func (e *Engine) WaitForTask(ctx context.Context, id string) (*model.TaskResult, error) {
	e.mu.Lock()
	st, ok := e.states[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: unknown task %q", id)
	}
	if st.Status == model.TaskCompleted || st.Status == model.TaskFailed {
		result, err := st.Result, st.Err
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	done := make(chan struct{})
	e.waiters[id] = append(e.waiters[id], done)
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	st = e.states[id]
	result, err := st.Result, st.Err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetMaxConcurrent updates the admission limit and immediately runs the
// scheduler, so raising the limit starts queued tasks without waiting for
// the next completion.
func (e *Engine) SetMaxConcurrent(n int) {
	e.mu.Lock()
	e.cfg.MaxConcurrent = n
	e.mu.Unlock()
	e.schedule()
}

// GetMetrics returns a point-in-time, defensive-copy snapshot.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.completedTasks + e.failedTasks
	successRate := 1.0
	if total > 0 {
		successRate = float64(e.completedTasks) / float64(total)
	}
	var avg time.Duration
	if total > 0 {
		avg = e.totalDuration / time.Duration(total)
	}

	m := Metrics{
		MaxConcurrent:    e.cfg.MaxConcurrent,
		CurrentlyRunning: e.currentlyRunning,
		AvailableSlots:   e.cfg.MaxConcurrent - e.currentlyRunning,
		QueuedTasks:      len(e.queue),
		CompletedTasks:   e.completedTasks,
		FailedTasks:      e.failedTasks,
		AverageDuration:  avg,
		SuccessRate:      successRate,
		Throughput:       e.throughputLocked(),
	}
	if e.cfg.ProcManager != nil {
		pm := e.cfg.ProcManager.Metrics()
		m.TotalProcessesSpawned = pm.TotalSpawned
		m.ActiveProcesses = pm.CurrentlyActive
	}
	return m
}

func (e *Engine) throughputLocked() float64 {
	cutoff := time.Now().Add(-throughputWindow)
	count := 0
	for _, t := range e.completionTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / throughputWindow.Seconds()
}

// schedule dequeues and launches as many tasks as maxConcurrent allows.
// Safe to call any number of times; it is the only place currentlyRunning
// is incremented.
func (e *Engine) schedule() {
	for {
		e.mu.Lock()
		if e.currentlyRunning >= e.cfg.MaxConcurrent || len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.currentlyRunning++
		e.states[next.id] = &model.TaskState{Status: model.TaskRunning, StartedAt: time.Now()}
		e.reindexQueueLocked()
		e.mu.Unlock()

		e.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: next.id, OldStatus: string(model.TaskQueued), NewStatus: string(model.TaskRunning),
		})
		e.recordTaskEvent(next.id, model.TaskRunning, nil, "")

		go e.run(next.id, next.task)
	}
}

func (e *Engine) reindexQueueLocked() {
	for i, qt := range e.queue {
		if st, ok := e.states[qt.id]; ok {
			st.Position = i
		}
	}
}

func (e *Engine) run(id string, task model.Task) {
	start := time.Now()
	ctx := context.Background()

	spawned, err := e.executor.ExecuteTask(ctx, task)
	if err != nil {
		e.log.Warn("engine: task execution failed to start", "task", id, "class", ClassifyError(err), "err", err)
		e.finish(id, start, nil, err)
		return
	}

	var entries []model.NormalizedEntry
	failed := false
	for entry := range spawned.Entries {
		entries = append(entries, entry)
		if entry.Type == model.EntryError {
			failed = true
		}
	}

	exitCode := 0
	if e.cfg.ProcManager != nil {
		if proc := e.cfg.ProcManager.Get(spawned.Process.ID); proc != nil {
			if proc.ExitCode != nil {
				exitCode = *proc.ExitCode
			}
			if proc.Status == model.StatusCrashed {
				failed = true
			}
		}
	} else if spawned.Process.ExitCode != nil {
		exitCode = *spawned.Process.ExitCode
	}
	if exitCode != 0 {
		failed = true
	}

	result := &model.TaskResult{Entries: entries, ExitCode: exitCode}
	if failed {
		e.finish(id, start, result, fmt.Errorf("task %s: agent reported failure, exit code %d", id, exitCode))
		return
	}
	e.finish(id, start, result, nil)
}

func (e *Engine) finish(id string, start time.Time, result *model.TaskResult, taskErr error) {
	duration := time.Since(start)

	e.mu.Lock()
	e.currentlyRunning--
	e.totalDuration += duration
	if taskErr != nil {
		e.failedTasks++
		e.states[id] = &model.TaskState{Status: model.TaskFailed, StartedAt: start, Err: taskErr}
	} else {
		e.completedTasks++
		e.completionTimes = append(e.completionTimes, time.Now())
		e.states[id] = &model.TaskState{Status: model.TaskCompleted, StartedAt: start, Result: result}
	}
	waiters := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if taskErr != nil {
		e.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: id, NewStatus: string(model.TaskFailed)})
		e.log.Warn("engine: task failed", "task", id, "class", ClassifyError(taskErr), "err", taskErr)
		var exitCode *int
		if result != nil {
			exitCode = &result.ExitCode
		}
		e.recordTaskEvent(id, model.TaskFailed, exitCode, taskErr.Error())
	} else {
		e.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: id, NewStatus: string(model.TaskCompleted)})
		e.recordTaskEvent(id, model.TaskCompleted, &result.ExitCode, "")
	}

	e.schedule()
}

// recordTaskEvent writes one task_events row if a Store is configured. Done
// best-effort: a persistence failure is logged but never blocks or fails
// the task itself.
func (e *Engine) recordTaskEvent(id string, status model.TaskStatus, exitCode *int, errMsg string) {
	if e.cfg.Store == nil {
		return
	}
	ev := persistence.TaskEvent{TaskID: id, Status: status, ExitCode: exitCode, Error: errMsg, CreatedAt: time.Now()}
	if err := e.cfg.Store.RecordTaskEvent(context.Background(), ev); err != nil {
		e.log.Warn("engine: failed to record task event", "task", id, "status", status, "err", err)
	}
}

func (e *Engine) publish(topic string, payload interface{}) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(topic, payload)
}
