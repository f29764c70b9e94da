// Package acpexec is the agentexec façade shared by every Agent Client
// Protocol agent (Gemini, Qwen) and Copilot's structurally-identical JSON-
// RPC mode: newline-delimited session/new + session/prompt requests on
// stdin, session/update notifications normalized from stdout.
package acpexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize/acp"
	"github.com/basket/go-foreman/internal/procmgr"
)

// Config is the ACP-family slice of a task's AgentConfig.
type Config struct {
	Model         string
	AllowAllTools bool
	AllowTool     []string
	DenyTool      []string
}

// Executor implements agentexec.Executor for one ACP-speaking binary. The
// binary name is supplied at construction so the same façade serves
// Gemini, Qwen, and Copilot.
type Executor struct {
	mgr   *procmgr.Manager
	binary string
	retry procmgr.RetryPolicy
}

// New creates an ACP Executor that spawns binary (e.g. "gemini", "qwen",
// "copilot").
func New(mgr *procmgr.Manager, binary string) *Executor {
	return &Executor{mgr: mgr, binary: binary, retry: procmgr.RetryPolicy{MaxAttempts: 2, BackoffMs: 200}}
}

func (e *Executor) GetCapabilities() agentexec.Capabilities {
	return agentexec.Capabilities{
		SupportsSessionResume: false,
		RequiresSetup:         true,
		SupportsApprovals:     false,
		SupportsMCP:           true,
		SupportsMidExecution:  false,
		Wire:                  agentexec.WireACP,
	}
}

func (e *Executor) CheckAvailability() bool {
	return agentexec.CheckExecutableAvailable(e.binary)
}

func (e *Executor) ExecuteTask(ctx context.Context, task model.Task) (*agentexec.Spawned, error) {
	if err := agentexec.ValidateTask(task); err != nil {
		return nil, err
	}
	cfg, _ := task.AgentConfig.(*Config)
	if cfg == nil {
		cfg = &Config{}
	}
	if err := validateToolFlags(cfg); err != nil {
		return nil, err
	}

	frames, err := buildStdinFrames(task, cfg)
	if err != nil {
		return nil, err
	}

	plan := agentexec.SpawnPlan{
		Acquire: procmgr.AcquireConfig{
			Command: e.binary,
			Args:    buildArgs(cfg),
			WorkDir: task.WorkDir,
			Retry:   &e.retry,
		},
		Prompt:                frames,
		CloseStdinAfterPrompt: true,
	}

	return agentexec.Spawn(e.mgr, plan, acp.New())
}

// ResumeTask is unsupported: ACP's session model in this engine is
// per-process, not backed by a resumable session id.
func (e *Executor) ResumeTask(ctx context.Context, task model.Task, sessionID string) (*agentexec.Spawned, error) {
	return nil, agentexec.ErrUnsupported
}

func validateToolFlags(cfg *Config) error {
	if cfg.AllowAllTools && (len(cfg.AllowTool) > 0 || len(cfg.DenyTool) > 0) {
		return fmt.Errorf("acpexec: allowAllTools is mutually exclusive with allowTool/denyTool")
	}
	return nil
}

func buildArgs(cfg *Config) []string {
	var args []string
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.AllowAllTools {
		args = append(args, "--allow-all-tools")
	}
	for _, t := range cfg.AllowTool {
		args = append(args, "--allow-tool", t)
	}
	for _, t := range cfg.DenyTool {
		args = append(args, "--deny-tool", t)
	}
	return args
}

// buildStdinFrames assembles the newline-delimited session/new and
// session/prompt JSON-RPC requests written to the child's stdin.
func buildStdinFrames(task model.Task, cfg *Config) (string, error) {
	newReq := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "session/new",
		"params":  map[string]any{"cwd": task.WorkDir},
	}
	promptReq := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "session/prompt",
		"params": map[string]any{
			"prompt": []map[string]any{{"type": "text", "text": task.Prompt}},
		},
	}

	var out []byte
	for _, req := range []map[string]any{newReq, promptReq} {
		line, err := json.Marshal(req)
		if err != nil {
			return "", fmt.Errorf("acpexec: marshal request: %w", err)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return string(out), nil
}
