// Package procmgr spawns and tracks agent subprocesses, in pipe mode (three
// anonymous pipes) or PTY mode (a pseudoterminal), and enforces per-process
// timeouts and retry-on-spawn-failure. It is the only package in the engine
// that calls os/exec or creack/pty directly.
package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/creack/pty"
	"github.com/google/uuid"
)

// OutputCallback receives raw bytes read from a managed process's stdout or
// stderr (PTY mode merges both onto the "stdout" callback).
type OutputCallback func(id string, streamType string, data []byte)

// ErrorCallback is invoked when a managed process crashes.
type ErrorCallback func(id string, err error)

// RetryPolicy configures spawn retries when the child fails to obtain a PID.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMs   int
}

// PTYSize is the initial pseudoterminal geometry.
type PTYSize struct {
	Cols uint16
	Rows uint16
}

// DefaultPTYSize is the documented default terminal size (80x24).
var DefaultPTYSize = PTYSize{Cols: 80, Rows: 24}

// AcquireConfig describes how to spawn one child process.
type AcquireConfig struct {
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string // overrides merged onto the parent's environment

	PTY     bool
	PTYSize PTYSize // zero value means DefaultPTYSize

	Timeout time.Duration // 0 disables the per-process timeout
	Retry   *RetryPolicy
}

// ErrSpawnFailed is returned (wrapped) by Acquire when the child never
// obtains a process id, after exhausting any configured retries.
var ErrSpawnFailed = errors.New("spawn-failed")

// handle is the internal, mutually-exclusive I/O surface for one process.
type handle struct {
	// streams (pipe mode)
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// pty mode
	ptyFile *os.File

	cmd *exec.Cmd
}

type record struct {
	mu      sync.Mutex
	proc    *model.ManagedProcess
	handle  *handle
	timer   *time.Timer
	evicted bool
}

// Manager owns every live managed process for the lifetime of the engine.
type Manager struct {
	log *slog.Logger

	mu      sync.RWMutex
	records map[string]*record

	outputCbs map[int]OutputCallback
	errorCbs  map[int]ErrorCallback
	cbMu      sync.Mutex
	nextCbID  int

	metrics struct {
		mu              sync.Mutex
		totalSpawned    int
		currentlyActive int
	}

	// graceWindow is how long an exited process's record survives eviction,
	// so late readers can still observe its final status.
	graceWindow time.Duration

	// store, if set via SetStore, receives a process_events row for every
	// spawn and exit.
	store *persistence.Store
}

// SetStore attaches the durable store that every subsequent spawn/exit is
// recorded into. Safe to call once before any process is spawned.
func (m *Manager) SetStore(store *persistence.Store) {
	m.store = store
}

func (m *Manager) recordProcessEvent(proc *model.ManagedProcess) {
	if m.store == nil {
		return
	}
	ev := persistence.ProcessEvent{
		ProcessID:  proc.ID,
		PID:        proc.PID,
		Status:     proc.Status,
		ExitCode:   proc.ExitCode,
		ExitSignal: proc.ExitSignal,
		CreatedAt:  time.Now(),
	}
	if err := m.store.RecordProcessEvent(context.Background(), ev); err != nil {
		m.log.Warn("procmgr: failed to record process event", "process", proc.ID, "err", err)
	}
}

// New creates a Manager. logger may be nil, in which case logs are dropped.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		log:         logger,
		records:     make(map[string]*record),
		outputCbs:   make(map[int]OutputCallback),
		errorCbs:    make(map[int]ErrorCallback),
		graceWindow: 5 * time.Second,
	}
}

// OnOutput registers a callback invoked for every output chunk from every
// managed process. There is no per-callback unsubscribe; callbacks live for
// the Manager's lifetime, matching its coarse-grained onOutput/onError
// contract.
func (m *Manager) OnOutput(cb OutputCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCbID++
	m.outputCbs[m.nextCbID] = cb
}

// OnError registers a callback invoked when any managed process crashes.
func (m *Manager) OnError(cb ErrorCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCbID++
	m.errorCbs[m.nextCbID] = cb
}

func (m *Manager) emitOutput(id, streamType string, data []byte) {
	m.cbMu.Lock()
	cbs := make([]OutputCallback, 0, len(m.outputCbs))
	for _, cb := range m.outputCbs {
		cbs = append(cbs, cb)
	}
	m.cbMu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("procmgr: output callback panicked", "panic", r)
				}
			}()
			cb(id, streamType, data)
		}()
	}
}

func (m *Manager) emitError(id string, err error) {
	m.cbMu.Lock()
	cbs := make([]ErrorCallback, 0, len(m.errorCbs))
	for _, cb := range m.errorCbs {
		cbs = append(cbs, cb)
	}
	m.cbMu.Unlock()
	for _, cb := range cbs {
		// Catch-and-drop: an exploding error handler must not take down the
		// manager's own bookkeeping.
		func() {
			defer func() { _ = recover() }()
			cb(id, err)
		}()
	}
}

// mergedEnv builds the child's environment: parent environment overridden
// by the caller's map.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Acquire spawns the configured executable and returns its managed-process
// record. The process enters busy status immediately.
func (m *Manager) Acquire(cfg AcquireConfig) (*model.ManagedProcess, error) {
	attempts := 1
	backoff := time.Duration(0)
	if cfg.Retry != nil && cfg.Retry.MaxAttempts > 0 {
		attempts = cfg.Retry.MaxAttempts
		backoff = time.Duration(cfg.Retry.BackoffMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		proc, h, err := m.spawnOnce(cfg)
		if err == nil {
			m.registerAndWatch(proc, h, cfg)
			m.recordProcessEvent(proc)
			return proc, nil
		}
		lastErr = err
		if attempt < attempts {
			m.log.Warn("procmgr: spawn attempt failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, lastErr)
}

func (m *Manager) spawnOnce(cfg AcquireConfig) (*model.ManagedProcess, *handle, error) {
	id := uuid.NewString()
	now := time.Now()

	proc := &model.ManagedProcess{
		ID:        id,
		Status:    model.StatusSpawning,
		CreatedAt: now,
		LastIOAt:  now,
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = mergedEnv(cfg.Env)

	if cfg.PTY {
		size := cfg.PTYSize
		if size.Cols == 0 && size.Rows == 0 {
			size = DefaultPTYSize
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
		if err != nil {
			return nil, nil, fmt.Errorf("pty start: %w", err)
		}
		if cmd.Process == nil {
			_ = ptmx.Close()
			return nil, nil, fmt.Errorf("pty start: no process id obtained")
		}
		proc.PID = cmd.Process.Pid
		proc.Handle = model.HandlePTY
		proc.Status = model.StatusBusy
		return proc, &handle{ptyFile: ptmx, cmd: cmd}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}
	if cmd.Process == nil {
		return nil, nil, fmt.Errorf("start %q: no process id obtained", cfg.Command)
	}

	proc.PID = cmd.Process.Pid
	proc.Handle = model.HandleStreams
	proc.Status = model.StatusBusy
	return proc, &handle{stdin: stdin, stdout: stdout, stderr: stderr, cmd: cmd}, nil
}

func (m *Manager) registerAndWatch(proc *model.ManagedProcess, h *handle, cfg AcquireConfig) {
	rec := &record{proc: proc, handle: h}

	m.mu.Lock()
	m.records[proc.ID] = rec
	m.mu.Unlock()

	m.metrics.mu.Lock()
	m.metrics.totalSpawned++
	m.metrics.currentlyActive++
	m.metrics.mu.Unlock()

	if cfg.Timeout > 0 {
		rec.timer = time.AfterFunc(cfg.Timeout, func() {
			m.log.Warn("procmgr: process timed out, terminating", "id", proc.ID, "timeout", cfg.Timeout)
			_ = m.Terminate(proc.ID, "SIGTERM")
		})
	}

	if h.ptyFile != nil {
		go m.readPTY(rec)
	} else {
		go m.readPipe(rec, "stdout", h.stdout)
		go m.readPipe(rec, "stderr", h.stderr)
	}
	go m.watchExit(rec)
}

func (m *Manager) readPipe(rec *record, streamType string, r io.ReadCloser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			rec.mu.Lock()
			rec.proc.LastIOAt = time.Now()
			rec.mu.Unlock()
			m.emitOutput(rec.proc.ID, streamType, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) readPTY(rec *record) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rec.handle.ptyFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			rec.mu.Lock()
			rec.proc.LastIOAt = time.Now()
			rec.mu.Unlock()
			m.emitOutput(rec.proc.ID, "stdout", chunk)
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) watchExit(rec *record) {
	err := rec.handle.cmd.Wait()

	rec.mu.Lock()
	if rec.timer != nil {
		rec.timer.Stop()
	}
	exitCode := 0
	var sigName *string
	requested := rec.proc.WasTerminationRequested()
	crashed := false

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if name := signalName(exitErr); name != "" {
				sigName = &name
			}
			if exitCode != 0 && !requested {
				crashed = true
			}
		} else {
			crashed = !requested
		}
	}
	if requested {
		crashed = false
	}

	rec.proc.ExitCode = &exitCode
	rec.proc.ExitSignal = sigName
	if crashed {
		rec.proc.Status = model.StatusCrashed
	} else {
		rec.proc.Status = model.StatusCompleted
	}
	rec.proc.LastIOAt = time.Now()
	id := rec.proc.ID
	m.recordProcessEvent(rec.proc)
	rec.mu.Unlock()

	m.metrics.mu.Lock()
	m.metrics.currentlyActive--
	m.metrics.mu.Unlock()

	if crashed {
		m.emitError(id, fmt.Errorf("process %s exited with code %d", id, exitCode))
	}

	// Grace window: keep the record around for late readers, then evict it.
	time.AfterFunc(m.graceWindow, func() {
		m.mu.Lock()
		delete(m.records, id)
		m.mu.Unlock()
	})
}

// SendInput writes bytes to a managed process's stdin (pipe mode) or PTY.
func (m *Manager) SendInput(id string, data []byte) error {
	rec := m.lookup(id)
	if rec == nil {
		return fmt.Errorf("procmgr: unknown process %q", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.handle.ptyFile != nil {
		_, err := rec.handle.ptyFile.Write(data)
		return err
	}
	if rec.handle.stdin == nil {
		return fmt.Errorf("procmgr: process %q has no stdin", id)
	}
	_, err := rec.handle.stdin.Write(data)
	return err
}

// CloseInput closes a pipe-mode process's stdin, signalling EOF to the
// child. A no-op in PTY mode (closing the PTY would kill the whole session).
func (m *Manager) CloseInput(id string) error {
	rec := m.lookup(id)
	if rec == nil {
		return fmt.Errorf("procmgr: unknown process %q", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.handle.stdin == nil {
		return nil
	}
	return rec.handle.stdin.Close()
}

// Resize changes a PTY-mode process's terminal geometry. No-op in pipe mode.
func (m *Manager) Resize(id string, size PTYSize) error {
	rec := m.lookup(id)
	if rec == nil {
		return fmt.Errorf("procmgr: unknown process %q", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.handle.ptyFile == nil {
		return nil
	}
	return pty.Setsize(rec.handle.ptyFile, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

// Terminate sends the given signal (defaulting to SIGTERM) to a managed
// process. Idempotent only once the process has actually exited: a second
// call while still Terminating (e.g. the shutdown manager's SIGKILL
// escalation after a SIGTERM that the child ignored) still delivers the
// signal. A process already Completed or Crashed is a no-op.
func (m *Manager) Terminate(id string, signal string) error {
	if signal == "" {
		signal = "SIGTERM"
	}
	rec := m.lookup(id)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	if rec.proc.Status == model.StatusCompleted || rec.proc.Status == model.StatusCrashed {
		rec.mu.Unlock()
		return nil
	}
	rec.proc.RequestTermination()
	rec.proc.Status = model.StatusTerminating
	cmd := rec.handle.cmd
	rec.mu.Unlock()

	if cmd.Process == nil {
		return nil
	}
	return sendSignal(cmd.Process, signal)
}

// Get returns a snapshot of one managed process, or nil if it is unknown or
// already evicted past its grace window.
func (m *Manager) Get(id string) *model.ManagedProcess {
	rec := m.lookup(id)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cp := *rec.proc
	return &cp
}

// ListActive returns every managed process not yet in a terminal state.
func (m *Manager) ListActive() []*model.ManagedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ManagedProcess, 0, len(m.records))
	for _, rec := range m.records {
		rec.mu.Lock()
		st := rec.proc.Status
		if st != model.StatusCompleted && st != model.StatusCrashed {
			cp := *rec.proc
			out = append(out, &cp)
		}
		rec.mu.Unlock()
	}
	return out
}

// Metrics is a point-in-time snapshot of the manager's aggregate counters.
type Metrics struct {
	TotalSpawned    int
	CurrentlyActive int
}

// Metrics returns a defensive copy of the manager's aggregate counters.
func (m *Manager) Metrics() Metrics {
	m.metrics.mu.Lock()
	defer m.metrics.mu.Unlock()
	return Metrics{TotalSpawned: m.metrics.totalSpawned, CurrentlyActive: m.metrics.currentlyActive}
}

// Shutdown releases every tracked record without signalling children;
// callers that want children killed first should Terminate them (or use
// the shutdown manager, which does both).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.records {
		delete(m.records, id)
	}
}

func (m *Manager) lookup(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}
