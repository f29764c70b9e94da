// Package cursor is the agentexec façade for the Cursor CLI (cursor-agent):
// JSONL output, a handful of named flags, and --resume <sessionId> support
// on resumeTask.
package cursor

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize/cursorjsonl"
	"github.com/basket/go-foreman/internal/procmgr"
)

const command = "cursor-agent"

// Config is the Cursor-specific slice of a task's AgentConfig.
type Config struct {
	Force       bool
	Model       string
	ApproveMCPs bool
	Browser     bool
	Workspace   string
}

// Executor implements agentexec.Executor for Cursor.
type Executor struct {
	mgr   *procmgr.Manager
	retry procmgr.RetryPolicy
}

// New creates a Cursor Executor backed by mgr.
func New(mgr *procmgr.Manager) *Executor {
	return &Executor{mgr: mgr, retry: procmgr.RetryPolicy{MaxAttempts: 2, BackoffMs: 200}}
}

func (e *Executor) GetCapabilities() agentexec.Capabilities {
	return agentexec.Capabilities{
		SupportsSessionResume: true,
		RequiresSetup:         true,
		SupportsApprovals:     false,
		SupportsMCP:           true,
		SupportsMidExecution:  false,
		Wire:                  agentexec.WireJSONL,
	}
}

func (e *Executor) CheckAvailability() bool {
	return agentexec.CheckExecutableAvailable(command)
}

func (e *Executor) ExecuteTask(ctx context.Context, task model.Task) (*agentexec.Spawned, error) {
	return e.spawn(task, "")
}

func (e *Executor) ResumeTask(ctx context.Context, task model.Task, sessionID string) (*agentexec.Spawned, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("cursor: resume requires a sessionId")
	}
	return e.spawn(task, sessionID)
}

func (e *Executor) spawn(task model.Task, resumeSessionID string) (*agentexec.Spawned, error) {
	if err := agentexec.ValidateTask(task); err != nil {
		return nil, err
	}
	cfg, _ := task.AgentConfig.(*Config)
	if cfg == nil {
		cfg = &Config{}
	}

	args := buildArgs(cfg, task, resumeSessionID)

	plan := agentexec.SpawnPlan{
		Acquire: procmgr.AcquireConfig{
			Command: command,
			Args:    args,
			WorkDir: task.WorkDir,
			Retry:   &e.retry,
			PTY:     wantsPTY(),
		},
		CloseStdinAfterPrompt: true,
	}

	return agentexec.Spawn(e.mgr, plan, cursorjsonl.New())
}

// wantsPTY reports whether this engine's own stdout is attached to a
// terminal. cursor-agent auto-detects a non-tty stdout and downgrades to a
// plainer, less structured output mode; when foreman itself is running
// interactively we allocate a real PTY for the child so it keeps behaving
// as if attached to a terminal.
func wantsPTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func buildArgs(cfg *Config, task model.Task, resumeSessionID string) []string {
	args := []string{"--output-format", "jsonl"}

	if cfg.Force {
		args = append(args, "--force")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ApproveMCPs {
		args = append(args, "--approve-mcps")
	}
	if cfg.Browser {
		args = append(args, "--browser")
	}
	if cfg.Workspace != "" {
		args = append(args, "--workspace", cfg.Workspace)
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, task.Prompt)
	return args
}
