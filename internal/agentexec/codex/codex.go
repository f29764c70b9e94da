// Package codex is the agentexec façade for the Codex CLI: JSONL output on
// stdout, prompt delivered positionally, and a mutually-exclusive sandbox/
// approval flag group that must be validated before spawn.
package codex

import (
	"context"
	"fmt"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize/codexjsonl"
	"github.com/basket/go-foreman/internal/procmgr"
)

const command = "codex"

// Config is the Codex-specific slice of a task's AgentConfig.
type Config struct {
	Sandbox        string
	AskForApproval string
	FullAuto       bool
	Yolo           bool
	AutoApprove    bool
	Model          string
	MCPConfig      []string
	PluginDir      []string
}

// Executor implements agentexec.Executor for Codex.
type Executor struct {
	mgr     *procmgr.Manager
	timeout procmgr.RetryPolicy
}

// New creates a Codex Executor backed by mgr.
func New(mgr *procmgr.Manager) *Executor {
	return &Executor{mgr: mgr, timeout: procmgr.RetryPolicy{MaxAttempts: 2, BackoffMs: 200}}
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
		return nil, fmt.Errorf("codex: resume requires a sessionId")
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

	args, err := buildArgs(cfg, task, resumeSessionID)
	if err != nil {
		return nil, err
	}

	plan := agentexec.SpawnPlan{
		Acquire: procmgr.AcquireConfig{
			Command: command,
			Args:    args,
			WorkDir: task.WorkDir,
			Retry:   &e.timeout,
		},
		// The "-" token in args tells codex exec to read the prompt from
		// stdin; it is written then stdin is closed so the child never
		// blocks waiting for more input.
		Prompt:                task.Prompt,
		CloseStdinAfterPrompt: true,
	}

	return agentexec.Spawn(e.mgr, plan, codexjsonl.New())
}

func buildArgs(cfg *Config, task model.Task, resumeSessionID string) ([]string, error) {
	exclusive := 0
	if cfg.Sandbox != "" {
		exclusive++
	}
	if cfg.AskForApproval != "" {
		exclusive++
	}
	if cfg.FullAuto {
		exclusive++
	}
	if cfg.Yolo {
		exclusive++
	}
	if exclusive > 1 {
		return nil, fmt.Errorf("codex: sandbox, askForApproval, fullAuto, and yolo are mutually exclusive")
	}

	args := []string{"exec"}
	if resumeSessionID != "" {
		args = append(args, "resume", resumeSessionID)
	}
	args = append(args, "-", "--json")
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Sandbox != "" {
		args = append(args, "--sandbox", cfg.Sandbox)
	}
	if cfg.AskForApproval != "" {
		args = append(args, "--ask-for-approval", cfg.AskForApproval)
	}
	if cfg.FullAuto {
		args = append(args, "--full-auto")
	}
	if cfg.Yolo {
		args = append(args, "--yolo")
	}
	if cfg.AutoApprove {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	for _, m := range cfg.MCPConfig {
		args = append(args, "--mcp-config", m)
	}
	for _, p := range cfg.PluginDir {
		args = append(args, "--plugin-dir", p)
	}
	return args, nil
}
