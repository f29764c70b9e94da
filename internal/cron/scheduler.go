// Package cron periodically submits configured housekeeping tasks onto the
// engine's FIFO queue. It only ever submits; it never reorders or pre-empts
// whatever the engine is already running.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/basket/go-foreman/internal/model"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskSubmitter is the slice of engine.Engine the scheduler needs.
type TaskSubmitter interface {
	SubmitTask(task model.Task) string
}

// schedule is one registered periodic task.
type schedule struct {
	id        string
	name      string
	cronExpr  string
	template  model.Task
	nextRunAt time.Time
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Engine   TaskSubmitter
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval, submitting any schedule whose
// nextRunAt has passed onto the engine's queue.
type Scheduler struct {
	engine   TaskSubmitter
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules []*schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   cfg.Engine,
		logger:   logger,
		interval: interval,
	}
}

// AddSchedule registers a periodic task. task is used as a template: every
// firing submits a copy with a fresh CreatedAt.
func (s *Scheduler) AddSchedule(name, cronExpr string, task model.Task) (string, error) {
	nextRun, err := NextRunTime(cronExpr, time.Now())
	if err != nil {
		return "", fmt.Errorf("cron: invalid cron expression %q: %w", cronExpr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.schedules = append(s.schedules, &schedule{
		id: id, name: name, cronExpr: cronExpr, template: task, nextRunAt: nextRun,
	})
	return id, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick submits every schedule whose nextRunAt has passed and recomputes it.
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	var due []*schedule
	for _, sched := range s.schedules {
		if !sched.nextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(sched, now)
	}
}

func (s *Scheduler) fire(sched *schedule, now time.Time) {
	task := sched.template
	task.CreatedAt = now
	taskID := s.engine.SubmitTask(task)

	nextRun, err := NextRunTime(sched.cronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.id, "cron_expr", sched.cronExpr, "error", err)
		return
	}

	s.mu.Lock()
	sched.nextRunAt = nextRun
	s.mu.Unlock()

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.id, "schedule_name", sched.name,
		"task_id", taskID, "next_run_at", nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
