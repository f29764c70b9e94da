package agentexec

import (
	"time"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize"
	"github.com/basket/go-foreman/internal/procmgr"
)

const pollInterval = 100 * time.Millisecond

// SpawnPlan is what a per-agent package assembles before handing off to
// Spawn: the process manager config plus how the prompt reaches the child.
type SpawnPlan struct {
	Acquire procmgr.AcquireConfig

	// Prompt, when non-empty, is written to the child's stdin after spawn.
	Prompt string
	// CloseStdinAfterPrompt closes stdin once Prompt is written, for the
	// unidirectional-protocol agents (Codex, Cursor, Copilot in plain mode).
	// Stream-JSON agents leave stdin open for the control peer instead.
	CloseStdinAfterPrompt bool
}

// Spawn acquires a managed process per plan, merges its stdout/stderr into
// a chunkstream, and runs it through normalizer. The returned channel
// closes once the normalizer has drained the process's output.
func Spawn(mgr *procmgr.Manager, plan SpawnPlan, normalizer normalize.Normalizer) (*Spawned, error) {
	proc, err := mgr.Acquire(plan.Acquire)
	if err != nil {
		return nil, err
	}

	merger := chunkstream.NewMerger(64)
	id := proc.ID

	attachMerger(mgr, id, merger)
	go func() {
		<-WaitTerminal(mgr, id)
		merger.Close()
	}()

	if plan.Prompt != "" {
		_ = mgr.SendInput(id, []byte(plan.Prompt))
	}
	if plan.CloseStdinAfterPrompt {
		_ = mgr.CloseInput(id)
	}

	entries := normalizer.Normalize(merger.Chunks(), plan.Acquire.WorkDir)

	return &Spawned{Process: proc, ExitSignal: proc.ExitSignal, Entries: entries}, nil
}

// attachMerger wires a Manager's coarse-grained OnOutput callback down to
// one process's Merger, filtering on process id. Manager only exposes a
// single, manager-wide OnOutput registration point, so every
// spawned process's Merger installs its own filtering callback.
func attachMerger(mgr *procmgr.Manager, id string, merger *chunkstream.Merger) {
	mgr.OnOutput(func(pid, streamType string, data []byte) {
		if pid != id {
			return
		}
		st := chunkstream.Stdout
		if streamType == "stderr" {
			st = chunkstream.Stderr
		}
		merger.Push(st, data)
	})
}

// StdinWriter adapts a Manager's id-addressed SendInput into an io.Writer,
// for components (like a control-protocol peer) that expect to own a
// plain stdin stream for one process.
type StdinWriter struct {
	Mgr *procmgr.Manager
	ID  string
}

func (w *StdinWriter) Write(p []byte) (int, error) {
	if err := w.Mgr.SendInput(w.ID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WaitTerminal returns a channel closed once the process reaches a
// terminal status, polling at a short fixed interval. The process manager
// does not expose a native done channel, so polling Get is the simplest
// correct way to detect completion from outside procmgr.
func WaitTerminal(mgr *procmgr.Manager, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			proc := mgr.Get(id)
			if proc == nil {
				return
			}
			switch proc.Status {
			case model.StatusCompleted, model.StatusCrashed:
				return
			}
			time.Sleep(pollInterval)
		}
	}()
	return done
}
