package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(NewMemoryStorage(), nil, "test-agent", logger.Default())
	t.Cleanup(m.Close)
	return m
}

// eventRecorder collects events delivered to a registered handler.
type eventRecorder struct {
	ch chan *protocol.TaskStatusUpdateEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan *protocol.TaskStatusUpdateEvent, 64)}
}

func (r *eventRecorder) handle(event *protocol.TaskStatusUpdateEvent) {
	r.ch <- event
}

func (r *eventRecorder) next(t *testing.T) *protocol.TaskStatusUpdateEvent {
	t.Helper()
	select {
	case event := <-r.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task event")
		return nil
	}
}

func (r *eventRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-r.ch:
		t.Fatalf("unexpected event: status=%s final=%v", event.Task.Status, event.Final)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_CreateTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "Message processing", "Processing incoming message")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" {
		t.Error("expected a generated task id")
	}
	if task.Status != protocol.TaskPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}
	if task.CreatedAt.IsZero() || !task.UpdatedAt.Equal(task.CreatedAt) {
		t.Errorf("expected matching creation timestamps, got %v / %v", task.CreatedAt, task.UpdatedAt)
	}

	stored, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Title != "Message processing" {
		t.Errorf("expected title to persist, got %q", stored.Title)
	}

	other, err := m.CreateTask(ctx, "", "")
	if err != nil {
		t.Fatalf("second CreateTask failed: %v", err)
	}
	if other.ID == task.ID {
		t.Error("expected unique task ids")
	}
}

func TestManager_UpdateStatus_Transitions(t *testing.T) {
	statuses := []protocol.TaskStatus{
		protocol.TaskPending, protocol.TaskWorking, protocol.TaskCompleted,
		protocol.TaskFailed, protocol.TaskCancelled,
	}
	allowed := map[protocol.TaskStatus]map[protocol.TaskStatus]bool{
		protocol.TaskPending: {protocol.TaskWorking: true, protocol.TaskCancelled: true},
		protocol.TaskWorking: {
			protocol.TaskWorking: true, protocol.TaskCompleted: true,
			protocol.TaskFailed: true, protocol.TaskCancelled: true,
		},
	}

	m := newTestManager(t)
	ctx := context.Background()

	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				task := protocol.NewTask("t", "")
				task.Status = from
				if err := m.storage.Upsert(ctx, task); err != nil {
					t.Fatalf("seed failed: %v", err)
				}

				event, err := m.UpdateStatus(ctx, task.ID, to, nil, nil)
				if allowed[from][to] {
					if err != nil {
						t.Fatalf("expected transition %s -> %s to succeed: %v", from, to, err)
					}
					if event.Task.Status != to {
						t.Errorf("expected status %s, got %s", to, event.Task.Status)
					}
					if event.Final != to.IsTerminal() {
						t.Errorf("expected final=%v for %s", to.IsTerminal(), to)
					}
				} else {
					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("expected ErrInvalidTransition for %s -> %s, got %v", from, to, err)
					}
					stored, getErr := m.GetTask(ctx, task.ID)
					if getErr != nil {
						t.Fatalf("GetTask failed: %v", getErr)
					}
					if stored.Status != from {
						t.Errorf("rejected transition mutated status: %s", stored.Status)
					}
				}
			})
		}
	}
}

func TestManager_UpdateStatus_UnknownStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskStatus("paused"), nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}

func TestManager_UpdateStatus_MissingTask(t *testing.T) {
	m := newTestManager(t)
	_, err := m.UpdateStatus(context.Background(), "no-such-task", protocol.TaskWorking, nil, nil)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestManager_ProgressRules(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, progressPtr(0.2)); err != nil {
		t.Fatalf("pending -> working with progress failed: %v", err)
	}

	cases := []struct {
		name     string
		progress *float64
		wantErr  bool
	}{
		{"refresh_without_progress", nil, false},
		{"equal_progress", progressPtr(0.2), false},
		{"increasing_progress", progressPtr(0.6), false},
		{"decreasing_progress", progressPtr(0.3), true},
		{"negative_progress", progressPtr(-0.1), true},
		{"progress_above_one", progressPtr(1.1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, tc.progress)
			if tc.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected success, got %v", err)
			}
		})
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Progress == nil || *got.Progress != 0.6 {
		t.Errorf("expected progress 0.6 after rejected updates, got %v", got.Progress)
	}
}

func TestManager_ExactlyOneFinalEvent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rec := newEventRecorder()
	unregister := m.RegisterHandler(task.ID, rec.handle)
	defer unregister()

	steps := []struct {
		status   protocol.TaskStatus
		progress *float64
	}{
		{protocol.TaskWorking, nil},
		{protocol.TaskWorking, progressPtr(0.5)},
		{protocol.TaskWorking, progressPtr(1.0)},
		{protocol.TaskCompleted, nil},
	}
	for _, step := range steps {
		if _, err := m.UpdateStatus(ctx, task.ID, step.status, nil, step.progress); err != nil {
			t.Fatalf("UpdateStatus(%s) failed: %v", step.status, err)
		}
	}

	var finals int
	for i, step := range steps {
		event := rec.next(t)
		if event.Task.Status != step.status {
			t.Errorf("event %d: expected status %s, got %s", i, step.status, event.Task.Status)
		}
		if event.Final {
			finals++
			if i != len(steps)-1 {
				t.Errorf("final event arrived at position %d", i)
			}
		}
	}
	if finals != 1 {
		t.Errorf("expected exactly one final event, got %d", finals)
	}

	// Terminal is absorbing, so nothing further may be delivered.
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after terminal, got %v", err)
	}
	rec.expectNone(t)
}

func TestManager_EventsCarrySnapshots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	first, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, progressPtr(0.2))
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, progressPtr(0.9)); err != nil {
		t.Fatalf("second update failed: %v", err)
	}

	if *first.Task.Progress != 0.2 {
		t.Errorf("earlier event mutated by later update: progress %v", *first.Task.Progress)
	}
}

func TestManager_MessageLogAppends(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	inbound := protocol.NewTextMessage("hi")
	outbound := protocol.NewTextMessage("Echo: hi")
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, inbound, nil); err != nil {
		t.Fatalf("working update failed: %v", err)
	}
	event, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, outbound, nil)
	if err != nil {
		t.Fatalf("completed update failed: %v", err)
	}
	if event.Message == nil || event.Message.TextContent() != "Echo: hi" {
		t.Errorf("expected event to carry the outbound message")
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 logged messages, got %d", len(got.Messages))
	}
	if got.Messages[0].TextContent() != "hi" || got.Messages[1].TextContent() != "Echo: hi" {
		t.Errorf("message log out of order: %q, %q",
			got.Messages[0].TextContent(), got.Messages[1].TextContent())
	}
}

func TestManager_CancelTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rec := newEventRecorder()
	defer m.RegisterHandler(task.ID, rec.handle)()

	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("working update failed: %v", err)
	}
	cancelled, err := m.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if cancelled.Status != protocol.TaskCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}

	if _, err := m.CancelTask(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double cancel, got %v", err)
	}

	working := rec.next(t)
	if working.Task.Status != protocol.TaskWorking || working.Final {
		t.Errorf("unexpected first event: status=%s final=%v", working.Task.Status, working.Final)
	}
	final := rec.next(t)
	if final.Task.Status != protocol.TaskCancelled || !final.Final {
		t.Errorf("unexpected final event: status=%s final=%v", final.Task.Status, final.Final)
	}
	rec.expectNone(t)
}

func TestManager_HandlerPanicRecovered(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	defer m.RegisterHandler(task.ID, func(event *protocol.TaskStatusUpdateEvent) {
		panic("boom")
	})()
	rec := newEventRecorder()
	defer m.RegisterHandler(task.ID, rec.handle)()

	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("update alongside panicking handler failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, nil, nil); err != nil {
		t.Fatalf("second update failed: %v", err)
	}

	if event := rec.next(t); event.Task.Status != protocol.TaskWorking {
		t.Errorf("expected working event, got %s", event.Task.Status)
	}
	if event := rec.next(t); event.Task.Status != protocol.TaskCompleted {
		t.Errorf("expected completed event, got %s", event.Task.Status)
	}
}

func TestManager_UnregisterStopsDelivery(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rec := newEventRecorder()
	unregister := m.RegisterHandler(task.ID, rec.handle)

	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	rec.next(t)

	unregister()
	unregister() // safe to call twice

	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, nil, nil); err != nil {
		t.Fatalf("update after unregister failed: %v", err)
	}
	rec.expectNone(t)
}

func TestManager_SlowSubscriberDropped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	release := make(chan struct{})
	var stuck sync.Once
	m.RegisterHandler(task.ID, func(event *protocol.TaskStatusUpdateEvent) {
		stuck.Do(func() { <-release })
	})
	defer close(release)

	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("working update failed: %v", err)
	}
	// Overflow the bounded queue: at most one event is parked in the
	// blocked handler, so queue size + 2 more guarantee a drop.
	for i := 0; i < handlerQueueSize+2; i++ {
		p := float64(i+1) / float64(handlerQueueSize+2)
		if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, &p); err != nil {
			t.Fatalf("progress update %d failed: %v", i, err)
		}
	}

	m.handlerMu.Lock()
	remaining := len(m.handlers[task.ID])
	m.handlerMu.Unlock()
	if remaining != 0 {
		t.Errorf("expected slow subscriber to be dropped, %d still registered", remaining)
	}

	// Updates keep flowing after the drop.
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, nil, nil); err != nil {
		t.Fatalf("completion after drop failed: %v", err)
	}
}

func TestManager_DeleteTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rec := newEventRecorder()
	m.RegisterHandler(task.ID, rec.handle)

	if err := m.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := m.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound after delete, got %v", err)
	}
	if err := m.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on second delete, got %v", err)
	}

	m.handlerMu.Lock()
	remaining := len(m.handlers[task.ID])
	m.handlerMu.Unlock()
	if remaining != 0 {
		t.Errorf("expected handlers to be purged on delete, %d remain", remaining)
	}
}

func TestManager_ListTasks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateTask(ctx, "first", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.CreateTask(ctx, "second", ""); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, first.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	all, err := m.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}

	working, err := m.ListTasks(ctx, protocol.TaskWorking)
	if err != nil {
		t.Fatalf("ListTasks(working) failed: %v", err)
	}
	if len(working) != 1 || working[0].ID != first.ID {
		t.Errorf("expected only the working task, got %d tasks", len(working))
	}
}

// recordingPublisher captures broker publications from the manager.
type recordingPublisher struct {
	mu      sync.Mutex
	events  []*protocol.TaskStatusUpdateEvent
	updates []string
	fail    bool
}

func (p *recordingPublisher) PublishTaskEvent(ctx context.Context, event *protocol.TaskStatusUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus down")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) PublishTaskUpdate(ctx context.Context, agentName string, event *protocol.TaskStatusUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus down")
	}
	p.updates = append(p.updates, agentName)
	return nil
}

func TestManager_PublishesToBroker(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(NewMemoryStorage(), pub, "echo-agent", logger.Default())
	defer m.Close()
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("working update failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, nil, nil); err != nil {
		t.Fatalf("completed update failed: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.events))
	}
	if pub.events[0].Task.Status != protocol.TaskWorking || pub.events[0].Final {
		t.Errorf("unexpected first publication: %s final=%v", pub.events[0].Task.Status, pub.events[0].Final)
	}
	if pub.events[1].Task.Status != protocol.TaskCompleted || !pub.events[1].Final {
		t.Errorf("unexpected second publication: %s final=%v", pub.events[1].Task.Status, pub.events[1].Final)
	}
	for _, name := range pub.updates {
		if name != "echo-agent" {
			t.Errorf("expected agent name echo-agent, got %s", name)
		}
	}
}

func TestManager_PublisherFailureDoesNotFailUpdate(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	m := NewManager(NewMemoryStorage(), pub, "echo-agent", logger.Default())
	defer m.Close()
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("update must succeed despite publisher failure: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != protocol.TaskWorking {
		t.Errorf("expected persisted working status, got %s", got.Status)
	}
}

func TestManager_SQLStorageRoundTrip(t *testing.T) {
	m := NewManager(newTestSQLStorage(t), nil, "test-agent", logger.Default())
	defer m.Close()
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "durable", "kept in sqlite")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, protocol.NewTextMessage("hi"), progressPtr(0.4)); err != nil {
		t.Fatalf("working update failed: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != protocol.TaskWorking || got.Progress == nil || *got.Progress != 0.4 {
		t.Errorf("unexpected task state: status=%s progress=%v", got.Status, got.Progress)
	}
	if len(got.Messages) != 1 {
		t.Errorf("expected 1 logged message, got %d", len(got.Messages))
	}

	cancelled, err := m.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if cancelled.Status != protocol.TaskCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	final, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("final GetTask failed: %v", err)
	}
	if final.Status != protocol.TaskCancelled {
		t.Errorf("expected persisted cancelled status, got %s", final.Status)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected terminal task to reject updates, got %v", err)
	}
}

func TestManager_ConcurrentRefreshesSerialized(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "t", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
		t.Fatalf("working update failed: %v", err)
	}

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := m.UpdateStatus(ctx, task.ID, protocol.TaskWorking, nil, nil); err != nil {
					t.Errorf("concurrent refresh failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	event, err := m.UpdateStatus(ctx, task.ID, protocol.TaskCompleted, nil, nil)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !event.Final {
		t.Error("expected the completion event to be final")
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != protocol.TaskCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}
