package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/go-foreman/internal/model"
)

// TaskEvent is one recorded transition of a task's lifecycle.
type TaskEvent struct {
	TaskID    string
	Status    model.TaskStatus
	ExitCode  *int
	Error     string
	CreatedAt time.Time
}

// RecordTaskEvent appends a task lifecycle transition to the audit trail.
func (s *Store) RecordTaskEvent(ctx context.Context, ev TaskEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, status, exit_code, error, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.TaskID, string(ev.Status), nullableInt(ev.ExitCode), nullableString(ev.Error), ev.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// TaskHistory returns every recorded event for one task, oldest first.
func (s *Store) TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, status, exit_code, error, created_at FROM task_events WHERE task_id = ? ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var exitCode sql.NullInt64
		var errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.TaskID, &ev.Status, &exitCode, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		ev.Error = errMsg.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ProcessEvent is one recorded transition of a managed process's lifecycle.
type ProcessEvent struct {
	ProcessID  string
	PID        int
	Status     model.ProcessStatus
	ExitCode   *int
	ExitSignal *string
	CreatedAt  time.Time
}

// RecordProcessEvent appends a managed-process lifecycle transition.
func (s *Store) RecordProcessEvent(ctx context.Context, ev ProcessEvent) error {
	var exitSignal string
	if ev.ExitSignal != nil {
		exitSignal = *ev.ExitSignal
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_events (process_id, pid, status, exit_code, exit_signal, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProcessID, ev.PID, string(ev.Status), nullableInt(ev.ExitCode), nullableString(exitSignal), ev.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// ProcessHistory returns every recorded event for one process, oldest
// first.
func (s *Store) ProcessHistory(ctx context.Context, processID string) ([]ProcessEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT process_id, pid, status, exit_code, exit_signal, created_at FROM process_events WHERE process_id = ? ORDER BY id ASC`,
		processID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ProcessEvent
	for rows.Next() {
		var ev ProcessEvent
		var exitCode sql.NullInt64
		var exitSignal sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ProcessID, &ev.PID, &ev.Status, &exitCode, &exitSignal, &createdAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		if exitSignal.Valid {
			sig := exitSignal.String
			ev.ExitSignal = &sig
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
