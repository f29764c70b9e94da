package engine

import "strings"

// ErrorClass categorizes a task failure by the part of the pipeline that
// produced it, independent of which agent or executor was involved.
type ErrorClass string

const (
	// ErrorClassAvailability indicates the agent binary is missing or
	// unauthenticated.
	ErrorClassAvailability ErrorClass = "AVAILABILITY"

	// ErrorClassSpawn indicates the child never obtained a process id, or
	// exited before the prompt could be delivered.
	ErrorClassSpawn ErrorClass = "SPAWN"

	// ErrorClassProtocol indicates malformed or unrecognized wire framing.
	// Normally recovered locally by the normalizer/peer; this class only
	// applies when an executor surfaces one up as a hard failure.
	ErrorClassProtocol ErrorClass = "PROTOCOL"

	// ErrorClassApproval indicates an approval-service exception or timeout.
	ErrorClassApproval ErrorClass = "APPROVAL"

	// ErrorClassTask indicates the agent reported isError or exited non-zero.
	ErrorClassTask ErrorClass = "TASK"

	// ErrorClassShutdown indicates a child survived its grace window and
	// needed SIGKILL.
	ErrorClassShutdown ErrorClass = "SHUTDOWN"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects a task failure's message for known patterns and
// returns the most specific class that matches, for logging and metrics
// only — it never changes how a failure is handled.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "not authenticated") ||
		strings.Contains(msg, "executable not found") {
		return ErrorClassAvailability
	}

	if strings.Contains(msg, "spawn-failed") ||
		strings.Contains(msg, "spawn attempt") {
		return ErrorClassSpawn
	}

	if strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "truncated") ||
		strings.Contains(msg, "unknown message type") {
		return ErrorClassProtocol
	}

	if strings.Contains(msg, "approval") ||
		strings.Contains(msg, "denied") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassApproval
	}

	if strings.Contains(msg, "exited with code") ||
		strings.Contains(msg, "iserror") {
		return ErrorClassTask
	}

	if strings.Contains(msg, "forced") ||
		strings.Contains(msg, "grace window") {
		return ErrorClassShutdown
	}

	return ErrorClassUnknown
}
