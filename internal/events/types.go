// Package events provides event type constants and subject utilities for
// the A2A event system.
package events

import "strings"

// Event types for A2A tasks
const (
	TaskUpdated = "task.updated"
	MessageSent = "message.sent"
)

// Event types for the agent registry
const (
	AgentRegistered   = "agent.registered"
	AgentUnregistered = "agent.unregistered"
)

// Event types for the work queue
const (
	QueueTaskCreated   = "queue.task.created"
	QueueTaskAssigned  = "queue.task.assigned"
	QueueTaskStarted   = "queue.task.started"
	QueueTaskCompleted = "queue.task.completed"
	QueueTaskFailed    = "queue.task.failed"
	QueueTaskCancelled = "queue.task.cancelled"
	QueueTaskRequeued  = "queue.task.requeued"
	QueueTaskOutput    = "queue.task.output"
)

// Event types for workers
const (
	WorkerRegistered   = "worker.registered"
	WorkerUnregistered = "worker.unregistered"
	WorkerStale        = "worker.stale"
)

// Event types for codebases
const (
	CodebaseRegistered   = "codebase.registered"
	CodebaseWatchStarted = "codebase.watch.started"
	CodebaseWatchStopped = "codebase.watch.stopped"
	CodebaseWatchError   = "codebase.watch.error"
)

// Broker channel prefixes. Typed broadcast events go to events:<type>,
// per-task streams go to task:<task_id>.
const (
	EventChannelPrefix = "events:"
	TaskChannelPrefix  = "task:"
)

// subjectRoot prefixes every bus subject so multiple applications can
// share one NATS deployment.
const subjectRoot = "a2a."

// EventChannel returns the broadcast channel name for an event type.
func EventChannel(eventType string) string {
	return EventChannelPrefix + eventType
}

// TaskChannel returns the per-task channel name for task-scoped updates.
func TaskChannel(taskID string) string {
	return TaskChannelPrefix + taskID
}

// IsEventChannel reports whether the channel carries typed broadcast events.
func IsEventChannel(channel string) bool {
	return strings.HasPrefix(channel, EventChannelPrefix)
}

// ChannelSubject maps a broker channel to its bus subject. The channel
// separator becomes a subject token boundary so NATS-style wildcards can
// span channel families.
func ChannelSubject(channel string) string {
	return subjectRoot + strings.Replace(channel, ":", ".", 1)
}

// AllEventsSubject is the wildcard subject matching every typed broadcast
// event mirrored onto the bus.
func AllEventsSubject() string {
	return subjectRoot + "events.>"
}
