package cron_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/cron"
	"github.com/basket/go-foreman/internal/model"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// fakeSubmitter records every task submitted to it.
type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (f *fakeSubmitter) SubmitTask(task model.Task) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.ID = "t" + time.Now().Format("150405.000000000")
	f.tasks = append(f.tasks, task)
	return task.ID
}

func (f *fakeSubmitter) submitted() []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	sub := &fakeSubmitter{}
	sched := cron.NewScheduler(cron.Config{Engine: sub, Logger: slog.Default(), Interval: 20 * time.Millisecond})

	if _, err := sched.AddSchedule("daily-report", "*/1 * * * *", model.Task{Prompt: "housekeeping"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	// The schedule's first NextRunTime is in the future (cron semantics),
	// so nothing should fire within a short window.
	time.Sleep(100 * time.Millisecond)
	if len(sub.submitted()) != 0 {
		t.Fatalf("expected no tasks submitted before the next minute boundary, got %d", len(sub.submitted()))
	}
}

func TestNextRunTimeAdvancesPastNow(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 4, 30, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("expected next run after %v, got %v", now, next)
	}
	if next.Minute()%5 != 0 {
		t.Fatalf("expected next run minute to be a multiple of 5, got %d", next.Minute())
	}
}

func TestAddScheduleRejectsInvalidCronExpr(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Engine: &fakeSubmitter{}})
	if _, err := sched.AddSchedule("bad", "not-a-cron-expr", model.Task{}); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Engine: &fakeSubmitter{}, Interval: time.Hour})
	sched.Start(context.Background())
	sched.Stop()
	waitFor(t, time.Second, func() bool { return true })
}
