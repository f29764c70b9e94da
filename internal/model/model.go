// Package model holds the data types shared across the engine: managed
// process records, normalized output entries, and task/approval records.
package model

import "time"

// ProcessStatus is the lifecycle state of a managed process.
type ProcessStatus string

const (
	StatusSpawning    ProcessStatus = "spawning"
	StatusIdle        ProcessStatus = "idle"
	StatusBusy        ProcessStatus = "busy"
	StatusTerminating ProcessStatus = "terminating"
	StatusCrashed     ProcessStatus = "crashed"
	StatusCompleted   ProcessStatus = "completed"
)

// HandleKind distinguishes the two mutually-exclusive I/O shapes a managed
// process can expose.
type HandleKind string

const (
	HandleStreams HandleKind = "streams"
	HandlePTY     HandleKind = "pty"
)

// ProcessMetrics is the cumulative metrics carried on a managed process.
type ProcessMetrics struct {
	RuntimeMs       int64
	TasksCompleted  int
	TasksFailed     int
	SuccessRate     float64
}

// RecordTask updates the moving success rate after one task finishes on
// this process.
func (m *ProcessMetrics) RecordTask(success bool) {
	if success {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		m.SuccessRate = 1
		return
	}
	m.SuccessRate = float64(m.TasksCompleted) / float64(total)
}

// ManagedProcess is one live (or recently-exited) child process.
type ManagedProcess struct {
	ID         string
	PID        int
	Status     ProcessStatus
	CreatedAt  time.Time
	LastIOAt   time.Time
	ExitCode   *int
	ExitSignal *string
	Metrics    ProcessMetrics
	Handle     HandleKind

	// requestedTermination is set by terminate() before the signal is sent,
	// so the exit handler can tell an asked-for exit from a crash.
	requestedTermination bool
}

// RequestTermination marks this process as intentionally being terminated,
// so a subsequent exit is classified as completed rather than crashed.
func (p *ManagedProcess) RequestTermination() { p.requestedTermination = true }

// WasTerminationRequested reports whether terminate() was called on this
// process before it exited.
func (p *ManagedProcess) WasTerminationRequested() bool { return p.requestedTermination }

// EntryType tags a NormalizedEntry's variant.
type EntryType string

const (
	EntrySystemMessage    EntryType = "system_message"
	EntryUserMessage      EntryType = "user_message"
	EntryAssistantMessage EntryType = "assistant_message"
	EntryThinking         EntryType = "thinking"
	EntryToolUse          EntryType = "tool_use"
	EntryError            EntryType = "error"
)

// ToolStatus is the lifecycle status of a tool_use entry.
type ToolStatus string

const (
	ToolCreated ToolStatus = "created"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolFailed  ToolStatus = "failed"
)

// ActionKind discriminates the tool_use action payload.
type ActionKind string

const (
	ActionFileRead  ActionKind = "file_read"
	ActionFileWrite ActionKind = "file_write"
	ActionFileEdit  ActionKind = "file_edit"
	ActionCommand   ActionKind = "command_run"
	ActionSearch    ActionKind = "search"
	ActionGeneric   ActionKind = "tool"
)

// EditChange is one unified-diff-shaped change within a file_edit action.
type EditChange struct {
	Type        string `json:"type"`
	UnifiedDiff string `json:"unifiedDiff"`
}

// Action is the tagged tool_use action payload.
type Action struct {
	Kind ActionKind `json:"kind"`

	Path    string       `json:"path,omitempty"`
	Changes []EditChange `json:"changes,omitempty"`

	Command string `json:"command,omitempty"`

	Query string `json:"query,omitempty"`

	// Generic fallback.
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	Result *ToolResult `json:"result,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolUse is the payload of a tool_use entry.
type ToolUse struct {
	Tool   string     `json:"tool"`
	Action Action     `json:"action"`
	Status ToolStatus `json:"status"`
	Result *ToolResult `json:"result,omitempty"`
}

// EntryError carries the payload of an error entry.
type EntryError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Metadata carries agent-independent and agent-specific key/value pairs.
// SessionID and Model are promoted fields because every normalizer needs
// them; anything else rides in Extra.
type Metadata struct {
	SessionID string
	Model     string
	Extra     map[string]any
}

// NormalizedEntry is one agent-independent event produced by a Normalizer.
type NormalizedEntry struct {
	Index     int
	Timestamp *time.Time
	Type      EntryType
	Content   string
	Metadata  *Metadata

	Tool  *ToolUse
	Error *EntryError
}

// Task is a unit of execution submitted to the engine.
type Task struct {
	ID        string
	Prompt    string
	WorkDir   string
	CreatedAt time.Time
	// AgentKind selects which registered agentexec.Executor runs this task
	// ("claude", "codex", "cursor", "gemini", "qwen", "copilot"). Empty
	// defaults to whichever executor the router was configured with as its
	// default.
	AgentKind   string
	AgentConfig any
	Priority    int
	DependsOn   []string
	EntityID    string
}

// TaskStatus is the coarse state of a task-state record.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskResult is the payload of a completed task.
type TaskResult struct {
	Entries  []NormalizedEntry
	ExitCode int
}

// TaskState is the engine-owned record for one task.
type TaskState struct {
	Status           TaskStatus
	Position         int // valid when Status == TaskQueued
	ManagedProcessID string // valid when Status == TaskRunning
	StartedAt        time.Time
	Result           *TaskResult // valid when Status == TaskCompleted
	Err              error       // valid when Status == TaskFailed
}

// ApprovalDecisionKind tags an approval decision.
type ApprovalDecisionKind string

const (
	DecisionApproved ApprovalDecisionKind = "approved"
	DecisionDenied   ApprovalDecisionKind = "denied"
	DecisionTimeout  ApprovalDecisionKind = "timeout"
)

// ApprovalDecision is the verdict returned by an approval service.
type ApprovalDecision struct {
	Kind   ApprovalDecisionKind
	Reason string // valid when Kind == DecisionDenied
}

// ApprovalRequest carries the information an approval service needs to
// decide whether a tool use may proceed.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	ToolInput map[string]any
}
