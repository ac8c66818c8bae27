// Package queue implements the persistent work queue: codebases, agent
// tasks, and the workers that execute them. Tasks move through a small
// state machine; claims are linearised through a conditional update so
// exactly one worker wins each task.
package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CodebaseStatus describes what a registered codebase is currently doing.
type CodebaseStatus string

const (
	CodebaseIdle     CodebaseStatus = "idle"
	CodebaseRunning  CodebaseStatus = "running"
	CodebaseBusy     CodebaseStatus = "busy"
	CodebaseWatching CodebaseStatus = "watching"
	CodebaseError    CodebaseStatus = "error"
	CodebaseStopped  CodebaseStatus = "stopped"
)

// Valid reports whether the status is a known codebase status.
func (s CodebaseStatus) Valid() bool {
	switch s {
	case CodebaseIdle, CodebaseRunning, CodebaseBusy, CodebaseWatching, CodebaseError, CodebaseStopped:
		return true
	}
	return false
}

// AgentTaskStatus is the queue task lifecycle state.
type AgentTaskStatus string

const (
	StatusPending   AgentTaskStatus = "pending"
	StatusAssigned  AgentTaskStatus = "assigned"
	StatusRunning   AgentTaskStatus = "running"
	StatusCompleted AgentTaskStatus = "completed"
	StatusFailed    AgentTaskStatus = "failed"
	StatusCancelled AgentTaskStatus = "cancelled"
)

// Valid reports whether the status is a known task status.
func (s AgentTaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is absorbing.
func (s AgentTaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a task in this status may still be
// cancelled by a client. Running tasks are interrupted through the
// worker instead.
func (s AgentTaskStatus) Cancellable() bool {
	return s == StatusPending || s == StatusAssigned
}

// taskTransitions lists the allowed moves of the task state machine.
// A pending task may be claimed straight to running or through the
// assigned intermediate. Assigned and running tasks may return to
// pending when their worker disappears; that re-entry is how the queue
// stays at-least-once.
var taskTransitions = map[AgentTaskStatus][]AgentTaskStatus{
	StatusPending:  {StatusAssigned, StatusRunning, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusPending, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether a task may move from one status to
// another. Terminal statuses allow no moves.
func CanTransition(from, to AgentTaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Codebase is a repository registered with the queue. Tasks are always
// enqueued against a codebase; watch mode runs a local execution loop
// for it.
type Codebase struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Path          string         `db:"path" json:"path"`
	Status        CodebaseStatus `db:"status" json:"status"`
	WatchMode     bool           `db:"watch_mode" json:"watch_mode"`
	WatchInterval int            `db:"watch_interval" json:"watch_interval"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// AgentTask is one unit of queued work against a codebase.
type AgentTask struct {
	ID          string          `db:"id" json:"id"`
	CodebaseID  string          `db:"codebase_id" json:"codebase_id"`
	Title       string          `db:"title" json:"title"`
	Prompt      string          `db:"prompt" json:"prompt"`
	Priority    int             `db:"priority" json:"priority"`
	Status      AgentTaskStatus `db:"status" json:"status"`
	WorkerID    string          `db:"worker_id" json:"worker_id,omitempty"`
	Result      string          `db:"result" json:"result,omitempty"`
	Error       string          `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Worker is a registered task executor. Stale is computed at read time
// from last_seen and the configured heartbeat interval.
type Worker struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Capabilities []string  `db:"-" json:"capabilities"`
	Hostname     string    `db:"hostname" json:"hostname"`
	RegisteredAt time.Time `db:"registered_at" json:"registered_at"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	Stale        bool      `db:"-" json:"stale"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status     AgentTaskStatus
	CodebaseID string
	WorkerID   string
}

// NewCodebaseID returns a short codebase identifier.
func NewCodebaseID() string {
	return uuid.New().String()[:8]
}

// NewTaskID returns a queue task identifier.
func NewTaskID() string {
	return uuid.New().String()
}

// NewWorkerID returns a 12 character hex worker identifier.
func NewWorkerID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
