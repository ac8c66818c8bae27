// Package task manages the lifecycle of A2A tasks: creation, validated
// status transitions, per-task update handlers, and persistence through
// a pluggable storage adapter.
package task

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

var (
	// ErrTaskNotFound is returned when no task exists for the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change violates the
	// task state machine.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Storage persists tasks. The manager serialises writes per task, so
// implementations only need atomic single-row semantics. List with an
// empty status returns every task, ordered by creation time.
type Storage interface {
	Upsert(ctx context.Context, task *protocol.Task) error
	Get(ctx context.Context, id string) (*protocol.Task, error)
	List(ctx context.Context, status protocol.TaskStatus) ([]*protocol.Task, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStorage keeps tasks in a process-local map. It is the default
// backend; contents are lost on restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[string]*protocol.Task
}

// NewMemoryStorage creates an empty in-memory task store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[string]*protocol.Task)}
}

// Upsert stores a copy of the task so later mutations by the caller do
// not leak into the store.
func (m *MemoryStorage) Upsert(ctx context.Context, task *protocol.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a copy of the stored task.
func (m *MemoryStorage) Get(ctx context.Context, id string) (*protocol.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List returns copies of all tasks, optionally filtered by status,
// ordered by creation time.
func (m *MemoryStorage) List(ctx context.Context, status protocol.TaskStatus) ([]*protocol.Task, error) {
	m.mu.RLock()
	tasks := make([]*protocol.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Delete removes a task from the store.
func (m *MemoryStorage) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
