// Package agentexec defines the uniform façade every agent-kind package
// implements: assemble CLI arguments, spawn via procmgr, wire the output
// through chunkstream into a normalizer, and optionally own a control-peer
// and approval handler for stream-JSON agents.
package agentexec

import (
	"context"
	"errors"
	"os/exec"

	"github.com/basket/go-foreman/internal/model"
)

// WireProtocol tags an agent's output framing, for diagnostics and for the
// engine to pick the right normalizer without a type switch on the
// executor itself.
type WireProtocol string

const (
	WireACP        WireProtocol = "acp"
	WireJSONRPC    WireProtocol = "jsonrpc"
	WireStreamJSON WireProtocol = "stream-json"
	WireJSONL      WireProtocol = "jsonl"
	WireCustom     WireProtocol = "custom"
)

// Capabilities is the static, per-agent-kind description of what an
// Executor supports.
type Capabilities struct {
	SupportsSessionResume bool
	RequiresSetup         bool
	SupportsApprovals     bool
	SupportsMCP           bool
	SupportsMidExecution  bool // sendMessage/interrupt while a task is running
	Wire                  WireProtocol
}

// ErrUnsupported is returned when a capability-gated operation is invoked
// on an executor that doesn't declare it.
var ErrUnsupported = errors.New("agentexec: unsupported by this agent")

// Spawned is the handle returned by ExecuteTask/ResumeTask: the managed
// process plus the normalized entry stream already wired up.
type Spawned struct {
	Process    *model.ManagedProcess
	ExitSignal *string
	Entries    <-chan model.NormalizedEntry
}

// Executor is the contract every per-agent-kind package satisfies. The
// contract is identical across agents; only Capabilities and argument
// assembly differ.
type Executor interface {
	ExecuteTask(ctx context.Context, task model.Task) (*Spawned, error)
	ResumeTask(ctx context.Context, task model.Task, sessionID string) (*Spawned, error)
	GetCapabilities() Capabilities
	CheckAvailability() bool
}

// MidExecutionExecutor is implemented by agents whose Capabilities.
// SupportsMidExecution is true.
type MidExecutionExecutor interface {
	SendMessage(processID string, message string) error
	Interrupt(processID string) error
}

// ApprovalAwareExecutor is implemented by agents whose Capabilities.
// SupportsApprovals is true.
type ApprovalAwareExecutor interface {
	SetApprovalService(svc ApprovalService)
}

// ApprovalService mirrors approval.Service's shape without importing it
// directly, so agentexec has no dependency on the approval package; the
// concrete agent packages wire a real approval.Handler/Service through
// this interface.
type ApprovalService interface {
	Decide(ctx context.Context, req model.ApprovalRequest) model.ApprovalDecision
}

// CheckExecutableAvailable performs the PATH lookup every CheckAvailability
// implementation delegates to. It never panics or returns an error: a
// missing executable is simply unavailable.
func CheckExecutableAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// ValidateTask enforces the constraints common to every agent: a
// non-empty working directory. Per-agent constraints are layered on top
// by each package's own validate function.
func ValidateTask(task model.Task) error {
	if task.WorkDir == "" {
		return errors.New("agentexec: task.WorkDir must not be empty")
	}
	return nil
}
