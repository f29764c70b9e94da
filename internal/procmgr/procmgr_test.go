package procmgr

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/persistence"
)

func TestAcquireAndWaitForCompletion(t *testing.T) {
	m := New(nil)
	proc, err := m.Acquire(AcquireConfig{Command: "sh", Args: []string{"-c", "echo hi; exit 0"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if proc.Status != model.StatusBusy {
		t.Fatalf("expected busy status right after acquire, got %s", proc.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get(proc.ID)
		if got != nil && got.Status == model.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process did not reach completed status in time")
}

func TestAcquireCrash(t *testing.T) {
	m := New(nil)
	var gotErr bool
	m.OnError(func(id string, err error) { gotErr = true })

	proc, err := m.Acquire(AcquireConfig{Command: "sh", Args: []string{"-c", "exit 7"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get(proc.ID)
		if got != nil && got.Status == model.StatusCrashed {
			if *got.ExitCode != 7 {
				t.Fatalf("expected exit code 7, got %d", *got.ExitCode)
			}
			if !gotErr {
				t.Fatalf("expected error callback to fire on crash")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process did not reach crashed status in time")
}

func TestTerminateIsIdempotentAndMarksCompleted(t *testing.T) {
	m := New(nil)
	proc, err := m.Acquire(AcquireConfig{Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := m.Terminate(proc.ID, "SIGTERM"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := m.Terminate(proc.ID, "SIGTERM"); err != nil {
		t.Fatalf("second terminate should be a no-op, got: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get(proc.ID)
		if got != nil && got.Status == model.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("terminated process did not reach completed status in time")
}

// TestTerminateEscalatesFromSigtermToSigkill exercises the real shutdown
// manager's grace-then-SIGKILL flow against a child that ignores SIGTERM: a
// second Terminate call while still Terminating must still deliver the
// stronger signal instead of being swallowed as an idempotent no-op.
func TestTerminateEscalatesFromSigtermToSigkill(t *testing.T) {
	m := New(nil)
	proc, err := m.Acquire(AcquireConfig{Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 10"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := m.Terminate(proc.ID, "SIGTERM"); err != nil {
		t.Fatalf("terminate SIGTERM: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := m.Get(proc.ID); got == nil || got.Status != model.StatusTerminating {
		t.Fatalf("expected process still terminating after ignored SIGTERM, got %+v", got)
	}

	if err := m.Terminate(proc.ID, "SIGKILL"); err != nil {
		t.Fatalf("terminate SIGKILL: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get(proc.ID)
		if got != nil && got.Status != model.StatusTerminating && got.Status != model.StatusBusy {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process ignoring SIGTERM was not killed by escalated SIGKILL")
}

func TestListActiveEmptyAfterShutdown(t *testing.T) {
	m := New(nil)
	if _, err := m.Acquire(AcquireConfig{Command: "sleep", Args: []string{"10"}}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(m.ListActive()) == 0 {
		t.Fatalf("expected one active process")
	}
	m.Shutdown()
	if len(m.ListActive()) != 0 {
		t.Fatalf("expected no active processes after shutdown")
	}
}

func TestSetStoreRecordsSpawnAndExit(t *testing.T) {
	store, err := persistence.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	m := New(nil)
	m.SetStore(store)

	proc, err := m.Acquire(AcquireConfig{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get(proc.ID)
		if got != nil && got.Status == model.StatusCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	events, err := store.ProcessHistory(context.Background(), proc.ID)
	if err != nil {
		t.Fatalf("process history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected spawn and exit events recorded, got %d", len(events))
	}
	if events[0].Status != model.StatusBusy {
		t.Fatalf("expected first event to be the spawn, got %s", events[0].Status)
	}
	if events[1].Status != model.StatusCompleted {
		t.Fatalf("expected second event to be the exit, got %s", events[1].Status)
	}
}
