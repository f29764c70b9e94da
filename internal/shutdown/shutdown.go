// Package shutdown drives graceful termination of every managed process on
// SIGINT/SIGTERM (or a direct call), escalating to SIGKILL for stragglers.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/basket/go-foreman/internal/model"
)

// registeredProcess is the slice of procmgr.Manager the shutdown manager
// needs for one live child: poll its terminal status, signal it, and
// release its resources once it's gone. *procmgr.Manager satisfies this
// directly.
type registeredProcess interface {
	Get(id string) *model.ManagedProcess
	Terminate(id string, signal string) error
	Shutdown()
}

const (
	pollInterval        = 100 * time.Millisecond
	defaultGraceTimeout = 5 * time.Second
	killWaitTimeout     = 1 * time.Second
)

// Exit code conventions for the caller's os.Exit.
const (
	ExitSIGINT     = 130
	ExitSIGTERM    = 143
	ExitFatalError = 1
)

// ShutdownResult reports the outcome for every registered process.
type ShutdownResult struct {
	Signal    string
	Processes []ProcessOutcome
}

// ProcessOutcome is one process's fate during a shutdown pass.
type ProcessOutcome struct {
	ProcessID string
	Graceful  bool // true if it exited before SIGKILL was needed
	Escalated bool // true if SIGKILL was sent
	Err       error
}

type registration struct {
	processID string
	mgr       registeredProcess
}

// Manager coordinates signal-driven shutdown across every registered
// process. The zero value is not usable; create one with New.
type Manager struct {
	log           *slog.Logger
	graceTimeout  time.Duration
	mu            sync.Mutex
	registrations []registration

	inProgress bool
	done       chan struct{}
	result     ShutdownResult
}

// Config configures a Manager. GraceTimeout defaults to 5 seconds.
type Config struct {
	Logger       *slog.Logger
	GraceTimeout time.Duration
}

// New creates a Manager. Call Listen to begin handling OS signals.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GraceTimeout
	if grace <= 0 {
		grace = defaultGraceTimeout
	}
	return &Manager{log: logger, graceTimeout: grace}
}

// Register makes the shutdown path aware of one live child managed by mgr.
// Multiple registrations, including across different managers, are
// supported.
func (m *Manager) Register(processID string, mgr registeredProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, registration{processID: processID, mgr: mgr})
}

// Unregister removes a process from the shutdown path, e.g. once its task
// has completed normally and its manager has already released it.
func (m *Manager) Unregister(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.registrations[:0]
	for _, r := range m.registrations {
		if r.processID != processID {
			out = append(out, r)
		}
	}
	m.registrations = out
}

// Listen registers for SIGINT and SIGTERM and drives Shutdown when either
// arrives. It runs in a background goroutine and returns immediately; ctx
// cancellation stops listening without shutting anything down.
func (m *Manager) Listen(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			name := SignalName(sig)
			m.log.Info("shutdown: signal received", "signal", name)
			m.Shutdown(context.Background(), name)
		}
	}()
}

// ExitCode maps a signal name to the process's exit code convention.
func ExitCode(signalName string) int {
	switch signalName {
	case "SIGINT":
		return ExitSIGINT
	case "SIGTERM":
		return ExitSIGTERM
	default:
		return ExitFatalError
	}
}

// SignalName maps an os.Signal to the name ExitCode understands.
func SignalName(sig os.Signal) string {
	switch sig {
	case os.Interrupt:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return sig.String()
	}
}

// Shutdown terminates every registered process, escalating to SIGKILL for
// any that outlive the grace window. Concurrent and repeat calls return the
// result of the in-flight (or most recent) shutdown without re-running it.
func (m *Manager) Shutdown(ctx context.Context, signalName string) ShutdownResult {
	m.mu.Lock()
	if m.inProgress {
		done := m.done
		m.mu.Unlock()
		<-done
		return m.result
	}
	m.inProgress = true
	m.done = make(chan struct{})
	regs := append([]registration(nil), m.registrations...)
	m.mu.Unlock()

	outcomes := make([]ProcessOutcome, len(regs))
	var wg sync.WaitGroup
	for i, r := range regs {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			outcomes[i] = m.terminateOne(ctx, r, signalName)
		}(i, r)
	}
	wg.Wait()

	// Release each distinct manager's resources exactly once, now that its
	// registered processes have all reached a terminal state or been killed.
	seen := make(map[registeredProcess]bool)
	for _, r := range regs {
		if !seen[r.mgr] {
			seen[r.mgr] = true
			r.mgr.Shutdown()
		}
	}

	result := ShutdownResult{Signal: signalName, Processes: outcomes}

	m.mu.Lock()
	m.result = result
	close(m.done)
	m.mu.Unlock()

	return result
}

func (m *Manager) terminateOne(ctx context.Context, r registration, signalName string) ProcessOutcome {
	outcome := ProcessOutcome{ProcessID: r.processID}

	if err := r.mgr.Terminate(r.processID, signalName); err != nil {
		outcome.Err = err
	}

	if m.pollUntilTerminal(ctx, r, m.graceTimeout) {
		outcome.Graceful = true
		return outcome
	}

	m.log.Warn("shutdown: grace window elapsed, escalating to SIGKILL", "process_id", r.processID)
	outcome.Escalated = true
	if err := r.mgr.Terminate(r.processID, "SIGKILL"); err != nil && outcome.Err == nil {
		outcome.Err = err
	}

	if !m.pollUntilTerminal(ctx, r, killWaitTimeout) {
		m.log.Error("shutdown: process did not exit after SIGKILL", "process_id", r.processID)
	}

	return outcome
}

// pollUntilTerminal polls the process's status every pollInterval until it
// reaches a terminal state, the deadline elapses, or it is no longer known
// to its manager (treated as terminal). Returns true if it reached terminal.
func (m *Manager) pollUntilTerminal(ctx context.Context, r registration, deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		proc := r.mgr.Get(r.processID)
		if proc == nil || proc.Status == model.StatusCompleted || proc.Status == model.StatusCrashed {
			return true
		}
		if time.Now().After(end) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
