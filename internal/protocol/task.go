// Package protocol defines the A2A wire types: tasks, messages, agent
// cards, and the JSON-RPC envelope.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	// TaskPending - task created, no processing started
	TaskPending TaskStatus = "pending"
	// TaskWorking - task is being processed
	TaskWorking TaskStatus = "working"
	// TaskCompleted - task finished successfully
	TaskCompleted TaskStatus = "completed"
	// TaskFailed - task finished with an error
	TaskFailed TaskStatus = "failed"
	// TaskCancelled - task was cancelled before completion
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is an end state. Terminal
// statuses absorb: no transition leaves them.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskWorking, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task represents a stateful unit of work processed for a client.
// Messages is the append-only conversation log; entries are immutable
// once appended.
type Task struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Progress    *float64   `json:"progress,omitempty"` // 0.0 to 1.0
	Messages    []*Message `json:"messages,omitempty"`
}

// NewTask creates a pending task with a fresh UUID
func NewTask(title, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Title:       title,
		Description: description,
	}
}

// Clone returns a copy of the task safe to hand to callers. The
// message log slice is copied; the messages themselves are shared
// because they are immutable once appended.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.Messages != nil {
		c.Messages = make([]*Message, len(t.Messages))
		copy(c.Messages, t.Messages)
	}
	return &c
}

// TaskStatusUpdateEvent is emitted on every task status change. Exactly
// one event per task carries final=true: the transition into a terminal
// status.
type TaskStatusUpdateEvent struct {
	Task    *Task    `json:"task"`
	Message *Message `json:"message,omitempty"`
	Final   bool     `json:"final"`
}
