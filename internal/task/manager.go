package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// handlerQueueSize bounds the per-subscriber event queue. A subscriber
// that falls this far behind is dropped rather than allowed to stall
// task updates.
const handlerQueueSize = 16

// Publisher mirrors task status updates onto the pub/sub broker so
// streaming consumers on this and peer instances observe them.
type Publisher interface {
	PublishTaskEvent(ctx context.Context, event *protocol.TaskStatusUpdateEvent) error
	PublishTaskUpdate(ctx context.Context, agentName string, event *protocol.TaskStatusUpdateEvent) error
}

// UpdateHandler receives task status update events. Handlers run on a
// dedicated goroutine per registration and must not block for long;
// a handler whose queue overflows is dropped with a logged warning.
type UpdateHandler func(event *protocol.TaskStatusUpdateEvent)

// subscriber is one registered update handler with its bounded queue.
type subscriber struct {
	taskID string
	queue  chan *protocol.TaskStatusUpdateEvent
	done   chan struct{}
}

// Manager owns all task records. Status changes are validated against
// the lifecycle state machine and serialised per task: the task's lock
// guards mutate, persist, and event hand-off, so subscribers observe
// events in transition order. Handler invocation happens outside the
// lock on per-subscriber goroutines.
type Manager struct {
	storage   Storage
	publisher Publisher
	agentName string
	log       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	handlerMu sync.Mutex
	handlers  map[string][]*subscriber
	closed    bool
}

// NewManager creates a task manager on the given storage backend.
// publisher may be nil when broker mirroring is not wanted; agentName
// identifies this server in published task.updated events.
func NewManager(storage Storage, publisher Publisher, agentName string, log *logger.Logger) *Manager {
	return &Manager{
		storage:   storage,
		publisher: publisher,
		agentName: agentName,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
		handlers:  make(map[string][]*subscriber),
	}
}

// CreateTask stores a new pending task. Creation emits no event; the
// first event is the transition out of pending.
func (m *Manager) CreateTask(ctx context.Context, title, description string) (*protocol.Task, error) {
	task := protocol.NewTask(title, description)
	if err := m.storage.Upsert(ctx, task); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}
	m.log.Debug("Task created",
		zap.String("task_id", task.ID),
		zap.String("title", title))
	return task, nil
}

// GetTask retrieves a task by id.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	return m.storage.Get(ctx, taskID)
}

// ListTasks returns all tasks, optionally filtered by status.
func (m *Manager) ListTasks(ctx context.Context, status protocol.TaskStatus) ([]*protocol.Task, error) {
	return m.storage.List(ctx, status)
}

// UpdateStatus transitions a task, persists it, and emits the update
// event to per-task subscribers and the broker. message, when present,
// is appended to the task's message log and carried on the event.
// progress applies only within [0,1] and may not decrease on
// working-to-working refreshes. The event is final iff the new status
// is terminal; terminal states accept no further transitions.
func (m *Manager) UpdateStatus(ctx context.Context, taskID string, status protocol.TaskStatus, message *protocol.Message, progress *float64) (*protocol.TaskStatusUpdateEvent, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := m.storage.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(task, status, progress); err != nil {
		return nil, err
	}

	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if progress != nil {
		p := *progress
		task.Progress = &p
	}
	if message != nil {
		task.Messages = append(task.Messages, message)
	}

	if err := m.storage.Upsert(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task update: %w", err)
	}

	event := &protocol.TaskStatusUpdateEvent{
		Task:    task.Clone(),
		Message: message,
		Final:   status.IsTerminal(),
	}

	// Hand the event off while still holding the task lock so
	// subscribers and the broker see events in transition order.
	m.notifyHandlers(event)
	m.publish(ctx, event)

	return event, nil
}

// CancelTask transitions a task to cancelled. It fails for tasks that
// already reached a terminal status.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	event, err := m.UpdateStatus(ctx, taskID, protocol.TaskCancelled, nil, nil)
	if err != nil {
		return nil, err
	}
	return event.Task, nil
}

// DeleteTask removes a task and releases its lock and subscribers.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) error {
	lock := m.taskLock(taskID)
	lock.Lock()
	err := m.storage.Delete(ctx, taskID)
	lock.Unlock()
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, taskID)
	m.mu.Unlock()

	m.handlerMu.Lock()
	for _, h := range m.handlers[taskID] {
		close(h.done)
	}
	delete(m.handlers, taskID)
	m.handlerMu.Unlock()

	m.log.Debug("Task deleted", zap.String("task_id", taskID))
	return nil
}

// RegisterHandler subscribes fn to status updates for one task. The
// returned function unregisters it and is safe to call more than once.
func (m *Manager) RegisterHandler(taskID string, fn UpdateHandler) (unregister func()) {
	h := &subscriber{
		taskID: taskID,
		queue:  make(chan *protocol.TaskStatusUpdateEvent, handlerQueueSize),
		done:   make(chan struct{}),
	}

	m.handlerMu.Lock()
	if m.closed {
		m.handlerMu.Unlock()
		close(h.done)
		return func() {}
	}
	m.handlers[taskID] = append(m.handlers[taskID], h)
	m.handlerMu.Unlock()

	go m.dispatchLoop(h, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlerMu.Lock()
			m.removeHandlerLocked(h)
			m.handlerMu.Unlock()
		})
	}
}

// Close stops all subscriber goroutines. Pending queued events are
// discarded.
func (m *Manager) Close() {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for taskID, subs := range m.handlers {
		for _, h := range subs {
			close(h.done)
		}
		delete(m.handlers, taskID)
	}
}

// taskLock returns the mutex guarding one task's update sequence.
func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[taskID] = lock
	}
	return lock
}

// notifyHandlers enqueues the event for every subscriber of the task.
// Subscribers with full queues are dropped so they cannot stall the
// update path. Called with the task lock held; the enqueue is
// non-blocking so this never waits on a handler.
func (m *Manager) notifyHandlers(event *protocol.TaskStatusUpdateEvent) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	taskID := event.Task.ID
	var dropped []*subscriber
	for _, h := range m.handlers[taskID] {
		select {
		case h.queue <- event:
		default:
			m.log.Warn("Dropping slow task subscriber",
				zap.String("task_id", taskID),
				zap.Int("queue_size", handlerQueueSize))
			dropped = append(dropped, h)
		}
	}
	for _, h := range dropped {
		m.removeHandlerLocked(h)
	}
}

// removeHandlerLocked detaches a subscriber and stops its dispatch
// goroutine. Caller holds handlerMu.
func (m *Manager) removeHandlerLocked(h *subscriber) {
	subs := m.handlers[h.taskID]
	for i, s := range subs {
		if s == h {
			m.handlers[h.taskID] = append(subs[:i], subs[i+1:]...)
			close(h.done)
			break
		}
	}
	if len(m.handlers[h.taskID]) == 0 {
		delete(m.handlers, h.taskID)
	}
}

// dispatchLoop delivers queued events to one handler until the
// subscription ends. Panics in the handler are recovered so one bad
// subscriber cannot take down the manager.
func (m *Manager) dispatchLoop(h *subscriber, fn UpdateHandler) {
	for {
		select {
		case <-h.done:
			return
		case event := <-h.queue:
			m.invokeHandler(h.taskID, fn, event)
		}
	}
}

func (m *Manager) invokeHandler(taskID string, fn UpdateHandler, event *protocol.TaskStatusUpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Task update handler panicked",
				zap.String("task_id", taskID),
				zap.Any("panic", r))
		}
	}()
	fn(event)
}

// publish mirrors the event onto the broker. The update is already
// persisted and handed to local subscribers, so broker failures are
// logged rather than returned.
func (m *Manager) publish(ctx context.Context, event *protocol.TaskStatusUpdateEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishTaskEvent(ctx, event); err != nil {
		m.log.Warn("Failed to publish task event",
			zap.String("task_id", event.Task.ID),
			zap.Error(err))
	}
	if err := m.publisher.PublishTaskUpdate(ctx, m.agentName, event); err != nil {
		m.log.Warn("Failed to publish task update",
			zap.String("task_id", event.Task.ID),
			zap.Error(err))
	}
}

// validateTransition enforces the task state machine:
//
//	pending -> working | cancelled
//	working -> working | completed | failed | cancelled
//
// Terminal states absorb. Progress must stay within [0,1] and may not
// decrease on a working-to-working refresh.
func validateTransition(task *protocol.Task, next protocol.TaskStatus, progress *float64) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	cur := task.Status
	switch {
	case cur.IsTerminal():
		return fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, task.ID, cur)
	case cur == protocol.TaskPending && (next == protocol.TaskWorking || next == protocol.TaskCancelled):
	case cur == protocol.TaskWorking && next != protocol.TaskPending:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	if progress != nil {
		p := *progress
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: progress %v outside [0,1]", ErrInvalidTransition, p)
		}
		if cur == protocol.TaskWorking && next == protocol.TaskWorking &&
			task.Progress != nil && p < *task.Progress {
			return fmt.Errorf("%w: progress cannot decrease (%v -> %v)", ErrInvalidTransition, *task.Progress, p)
		}
	}
	return nil
}
