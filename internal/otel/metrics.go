package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all engine metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	TaskDuration         metric.Float64Histogram
	ProcessSpawnDuration metric.Float64Histogram
	ToolCallDuration     metric.Float64Histogram
	ToolCallErrors       metric.Int64Counter
	ApprovalDecisions    metric.Int64Counter
	TasksQueued          metric.Int64UpDownCounter
	TasksRunning         metric.Int64UpDownCounter
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("foreman.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("foreman.task.duration",
		metric.WithDescription("Task execution duration in seconds, from dequeue to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessSpawnDuration, err = meter.Float64Histogram("foreman.process.spawn_duration",
		metric.WithDescription("Time from spawn request to the child process's first observed output"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("foreman.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("foreman.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalDecisions, err = meter.Int64Counter("foreman.approval.decisions",
		metric.WithDescription("Approval requests resolved, by decision"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksQueued, err = meter.Int64UpDownCounter("foreman.tasks.queued",
		metric.WithDescription("Number of tasks currently waiting in the FIFO queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("foreman.tasks.running",
		metric.WithDescription("Number of tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("foreman.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
