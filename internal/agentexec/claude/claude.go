// Package claude is the agentexec façade for the Claude Code CLI: the only
// supported agent that keeps stdin open and drives a bidirectional control
// channel, so ExecuteTask wires a controlpeer.Peer in front of the
// stream-json normalizer instead of using agentexec.Spawn directly.
package claude

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/basket/go-foreman/internal/agentexec"
	"github.com/basket/go-foreman/internal/approval"
	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/controlpeer"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize/streamjson"
	"github.com/basket/go-foreman/internal/procmgr"
)

const command = "claude"

// defaultHooks lists the control-protocol hooks this engine always wants
// invoked; can_use_tool is the only one the approval handler acts on.
var defaultHooks = []string{"can_use_tool"}

// Config is the Claude-specific slice of a task's AgentConfig.
type Config struct {
	DangerouslySkipPermissions bool
	MCPConfig                  []string
	PluginDir                  []string
	AllowedTools               []string
	DisallowedTools            []string
}

// Executor implements agentexec.Executor, agentexec.MidExecutionExecutor,
// and agentexec.ApprovalAwareExecutor for Claude.
type Executor struct {
	mgr     *procmgr.Manager
	log     *slog.Logger
	retry   procmgr.RetryPolicy
	service agentexec.ApprovalService
	auditor approval.Auditor

	mu    sync.Mutex
	peers map[string]*controlpeer.Peer
}

// New creates a Claude Executor backed by mgr.
func New(mgr *procmgr.Manager, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		mgr:   mgr,
		log:   logger,
		retry: procmgr.RetryPolicy{MaxAttempts: 2, BackoffMs: 200},
		peers: make(map[string]*controlpeer.Peer),
	}
}

func (e *Executor) GetCapabilities() agentexec.Capabilities {
	return agentexec.Capabilities{
		SupportsSessionResume: true,
		RequiresSetup:         true,
		SupportsApprovals:     true,
		SupportsMCP:           true,
		SupportsMidExecution:  true,
		Wire:                  agentexec.WireStreamJSON,
	}
}

func (e *Executor) CheckAvailability() bool {
	return agentexec.CheckExecutableAvailable(command)
}

// SetApprovalService installs the service consulted for can_use_tool
// requests on every subsequently spawned process.
func (e *Executor) SetApprovalService(svc agentexec.ApprovalService) {
	e.service = svc
}

// SetAuditor installs the recorder attached to every approval.Handler this
// Executor creates from this point on.
func (e *Executor) SetAuditor(a approval.Auditor) {
	e.auditor = a
}

func (e *Executor) ExecuteTask(ctx context.Context, task model.Task) (*agentexec.Spawned, error) {
	return e.spawn(ctx, task, "")
}

func (e *Executor) ResumeTask(ctx context.Context, task model.Task, sessionID string) (*agentexec.Spawned, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("claude: resume requires a sessionId")
	}
	return e.spawn(ctx, task, sessionID)
}

func (e *Executor) spawn(ctx context.Context, task model.Task, resumeSessionID string) (*agentexec.Spawned, error) {
	if err := agentexec.ValidateTask(task); err != nil {
		return nil, err
	}
	cfg, _ := task.AgentConfig.(*Config)
	if cfg == nil {
		cfg = &Config{}
	}

	args := buildArgs(cfg, resumeSessionID)

	proc, err := e.mgr.Acquire(procmgr.AcquireConfig{
		Command: command,
		Args:    args,
		WorkDir: task.WorkDir,
		Retry:   &e.retry,
	})
	if err != nil {
		return nil, err
	}

	handler := approval.NewHandler(wrapService(e.service))
	if e.auditor != nil {
		handler.SetAuditor(e.auditor)
	}
	stdoutReader, stdoutWriter := io.Pipe()
	merger := chunkstream.NewMerger(64)

	e.mgr.OnOutput(func(pid, streamType string, data []byte) {
		if pid != proc.ID {
			return
		}
		if streamType == "stderr" {
			merger.Push(chunkstream.Stderr, data)
			return
		}
		_, _ = stdoutWriter.Write(data)
	})

	peer := controlpeer.New(e.log, handler, &agentexec.StdinWriter{Mgr: e.mgr, ID: proc.ID})
	peer.OnMessage(func(line string) {
		merger.Push(chunkstream.Stdout, []byte(line+"\n"))
	})
	peer.OnError(func(err error) {
		e.log.Warn("claude: control peer read loop ended", "id", proc.ID, "err", err)
	})
	peer.Start(ctx, stdoutReader)
	e.trackPeer(proc.ID, peer)

	peer.Initialize(defaultHooks)
	peer.SendUserMessage(task.Prompt, resumeSessionID)

	go func() {
		<-agentexec.WaitTerminal(e.mgr, proc.ID)
		peer.Stop()
		_ = stdoutWriter.Close()
		merger.Close()
		e.untrackPeer(proc.ID)
	}()

	entries := streamjson.New().Normalize(merger.Chunks(), task.WorkDir)
	return &agentexec.Spawned{Process: proc, ExitSignal: proc.ExitSignal, Entries: entries}, nil
}

// SendMessage delivers a mid-execution user turn to a running process.
func (e *Executor) SendMessage(processID string, message string) error {
	peer := e.lookupPeer(processID)
	if peer == nil {
		return fmt.Errorf("claude: no control peer for process %q", processID)
	}
	peer.SendUserMessage(message, "")
	return nil
}

// Interrupt asks a running process to stop its current turn cooperatively.
func (e *Executor) Interrupt(processID string) error {
	peer := e.lookupPeer(processID)
	if peer == nil {
		return fmt.Errorf("claude: no control peer for process %q", processID)
	}
	peer.SendInterrupt()
	return nil
}

func (e *Executor) trackPeer(processID string, peer *controlpeer.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[processID] = peer
}

func (e *Executor) untrackPeer(processID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, processID)
}

func (e *Executor) lookupPeer(processID string) *controlpeer.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[processID]
}

func buildArgs(cfg *Config, resumeSessionID string) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	if cfg.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, m := range cfg.MCPConfig {
		args = append(args, "--mcp-config", m)
	}
	for _, p := range cfg.PluginDir {
		args = append(args, "--plugin-dir", p)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", joinComma(cfg.AllowedTools))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", joinComma(cfg.DisallowedTools))
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return args
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func wrapService(svc agentexec.ApprovalService) approval.Service {
	if svc == nil {
		return nil
	}
	return approvalServiceAdapter{svc}
}

type approvalServiceAdapter struct {
	svc agentexec.ApprovalService
}

func (a approvalServiceAdapter) Decide(ctx context.Context, req model.ApprovalRequest) model.ApprovalDecision {
	return a.svc.Decide(ctx, req)
}
