package agentexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/go-foreman/internal/model"
)

// Router dispatches a task to the Executor registered for its AgentKind,
// and remembers which Executor spawned which process so that mid-execution
// calls (SendMessage, Interrupt) and resumes reach the right one.
type Router struct {
	mu          sync.Mutex
	executors   map[string]Executor
	defaultKind string
	byProcess   map[string]string // processID -> agent kind
}

// NewRouter creates an empty Router. Register executors with Register
// before submitting any task to it.
func NewRouter() *Router {
	return &Router{
		executors: make(map[string]Executor),
		byProcess: make(map[string]string),
	}
}

// Register adds (or replaces) the Executor responsible for kind. The first
// registered kind becomes the default used for tasks with an empty
// AgentKind.
func (r *Router) Register(kind string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultKind == "" {
		r.defaultKind = kind
	}
	r.executors[kind] = executor
}

// Executor returns the registered Executor for kind, or false if none is
// registered.
func (r *Router) Executor(kind string) (Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[kind]
	return e, ok
}

func (r *Router) resolve(kind string) (string, Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		kind = r.defaultKind
	}
	e, ok := r.executors[kind]
	if !ok {
		return kind, nil, fmt.Errorf("agentexec: no executor registered for agent kind %q", kind)
	}
	return kind, e, nil
}

// ExecuteTask implements engine.TaskExecutor.
func (r *Router) ExecuteTask(ctx context.Context, task model.Task) (*Spawned, error) {
	kind, executor, err := r.resolve(task.AgentKind)
	if err != nil {
		return nil, err
	}
	spawned, err := executor.ExecuteTask(ctx, task)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byProcess[spawned.Process.ID] = kind
	r.mu.Unlock()
	return spawned, nil
}

// ResumeTask resumes task against the Executor for its AgentKind, which
// must support session resume.
func (r *Router) ResumeTask(ctx context.Context, task model.Task, sessionID string) (*Spawned, error) {
	kind, executor, err := r.resolve(task.AgentKind)
	if err != nil {
		return nil, err
	}
	spawned, err := executor.ResumeTask(ctx, task, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byProcess[spawned.Process.ID] = kind
	r.mu.Unlock()
	return spawned, nil
}

// SendMessage forwards to the Executor that owns processID, if it supports
// mid-execution messaging.
func (r *Router) SendMessage(processID string, message string) error {
	executor, err := r.executorForProcess(processID)
	if err != nil {
		return err
	}
	mid, ok := executor.(MidExecutionExecutor)
	if !ok {
		return ErrUnsupported
	}
	return mid.SendMessage(processID, message)
}

// Interrupt forwards to the Executor that owns processID, if it supports
// mid-execution interruption.
func (r *Router) Interrupt(processID string) error {
	executor, err := r.executorForProcess(processID)
	if err != nil {
		return err
	}
	mid, ok := executor.(MidExecutionExecutor)
	if !ok {
		return ErrUnsupported
	}
	return mid.Interrupt(processID)
}

func (r *Router) executorForProcess(processID string) (Executor, error) {
	r.mu.Lock()
	kind, ok := r.byProcess[processID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agentexec: no executor tracked for process %q", processID)
	}
	executor := r.executors[kind]
	r.mu.Unlock()
	return executor, nil
}

// SetApprovalService installs svc on every currently registered Executor
// that supports approvals.
func (r *Router) SetApprovalService(svc ApprovalService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.executors {
		if aware, ok := e.(ApprovalAwareExecutor); ok {
			aware.SetApprovalService(svc)
		}
	}
}

// Kinds returns every registered agent kind.
func (r *Router) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
