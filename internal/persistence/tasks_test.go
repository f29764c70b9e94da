package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/model"
)

func TestRecordAndReadTaskHistory(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.RecordTaskEvent(ctx, TaskEvent{TaskID: "t1", Status: model.TaskQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("RecordTaskEvent queued: %v", err)
	}
	code := 0
	if err := s.RecordTaskEvent(ctx, TaskEvent{TaskID: "t1", Status: model.TaskCompleted, ExitCode: &code, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("RecordTaskEvent completed: %v", err)
	}

	history, err := s.TaskHistory(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].Status != model.TaskQueued || history[1].Status != model.TaskCompleted {
		t.Fatalf("unexpected event order: %+v", history)
	}
	if history[1].ExitCode == nil || *history[1].ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", history[1].ExitCode)
	}
}

func TestRecordProcessEvent(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	sig := "SIGTERM"
	err = s.RecordProcessEvent(context.Background(), ProcessEvent{
		ProcessID: "p1", PID: 4242, Status: model.StatusCompleted, ExitSignal: &sig, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordProcessEvent: %v", err)
	}
}
