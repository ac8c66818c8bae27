package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/events"
)

type fakeExecutor struct {
	mu   sync.Mutex
	seen []*AgentTask
	err  error
}

func (f *fakeExecutor) run(_ context.Context, task *AgentTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, task)
	if f.err != nil {
		return "", f.err
	}
	return "done: " + task.Title, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func newTestWatcher(t *testing.T, svc *Service, exec Executor) *Watcher {
	t.Helper()
	w := NewWatcher(svc, exec, testQueueConfig(), logger.Default())
	t.Cleanup(func() { w.StopAll(context.Background()) })
	return w
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcher_ProcessesQueuedTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)
	task := seedTask(t, svc, cb.ID, 0)

	exec := &fakeExecutor{}
	w := newTestWatcher(t, svc, exec.run)

	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	watching, err := svc.GetCodebase(ctx, cb.ID)
	if err != nil {
		t.Fatalf("GetCodebase failed: %v", err)
	}
	if watching.Status != CodebaseWatching || !watching.WatchMode {
		t.Errorf("expected watching codebase, got %+v", watching)
	}
	if _, running := w.Running(cb.ID); !running {
		t.Error("expected Running to report the loop")
	}

	waitFor(t, 5*time.Second, "task never completed", func() bool {
		got, err := svc.GetTask(ctx, task.ID)
		return err == nil && got.Status == StatusCompleted
	})

	got, err := svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != "done: fix build" {
		t.Errorf("unexpected result %q", got.Result)
	}
	if exec.count() != 1 {
		t.Errorf("expected executor to run once, ran %d times", exec.count())
	}
}

func TestWatcher_DrainsInPriorityOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)

	var order []string
	var mu sync.Mutex
	exec := func(_ context.Context, task *AgentTask) (string, error) {
		mu.Lock()
		order = append(order, task.Title)
		mu.Unlock()
		return "ok", nil
	}

	for i, priority := range []int{1, 9, 5} {
		if _, err := svc.EnqueueTask(ctx, cb.ID, fmt.Sprintf("p%d", priority), "prompt", priority); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	w := newTestWatcher(t, svc, exec)
	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 10*time.Second, "queue never drained", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"p9", "p5", "p1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order mismatch: got %v, want %v", order, want)
		}
	}
}

func TestWatcher_StartIdempotent(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)

	w := newTestWatcher(t, svc, (&fakeExecutor{}).run)
	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	workers, err := svc.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(workers) != 1 {
		t.Errorf("expected a single watch worker, got %d", len(workers))
	}
	if sink.countType(events.CodebaseWatchStarted) != 1 {
		t.Errorf("expected one watch started event, got %d", sink.countType(events.CodebaseWatchStarted))
	}
}

func TestWatcher_StopRestoresIdle(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)

	w := newTestWatcher(t, svc, (&fakeExecutor{}).run)
	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Stop(ctx, cb.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stopped, err := svc.GetCodebase(ctx, cb.ID)
	if err != nil {
		t.Fatalf("GetCodebase failed: %v", err)
	}
	if stopped.Status != CodebaseIdle || stopped.WatchMode {
		t.Errorf("expected idle codebase after stop, got %+v", stopped)
	}
	if _, running := w.Running(cb.ID); running {
		t.Error("expected loop to be gone")
	}

	workers, err := svc.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("expected watch worker to unregister, got %d workers", len(workers))
	}
	if sink.countType(events.CodebaseWatchStopped) != 1 {
		t.Error("expected a watch stopped event")
	}

	if err := w.Stop(ctx, cb.ID); !errors.Is(err, ErrNotWatching) {
		t.Errorf("expected ErrNotWatching on second stop, got %v", err)
	}
}

func TestWatcher_ExecutorErrorStopsLoop(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)
	task := seedTask(t, svc, cb.ID, 0)

	exec := &fakeExecutor{err: errors.New("agent process crashed")}
	w := newTestWatcher(t, svc, exec.run)
	if err := w.Start(ctx, cb.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 5*time.Second, "codebase never entered error status", func() bool {
		got, err := svc.GetCodebase(ctx, cb.ID)
		return err == nil && got.Status == CodebaseError
	})

	if _, running := w.Running(cb.ID); running {
		t.Error("expected loop to terminate on executor error")
	}

	got, err := svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed task, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "agent process crashed") {
		t.Errorf("expected recorded cause, got %q", got.Error)
	}
	if sink.countType(events.CodebaseWatchError) != 1 {
		t.Error("expected a watch error event")
	}
}

func TestWatcher_Resume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cb := seedCodebase(t, svc)

	// Simulate a codebase left in watch mode by a previous run.
	if err := svc.SetCodebaseWatch(ctx, cb.ID, true, 1, CodebaseWatching); err != nil {
		t.Fatalf("SetCodebaseWatch failed: %v", err)
	}
	other, err := svc.RegisterCodebase(ctx, "docs", "/srv/docs", 1)
	if err != nil {
		t.Fatalf("RegisterCodebase failed: %v", err)
	}

	w := newTestWatcher(t, svc, (&fakeExecutor{}).run)
	if err := w.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if _, running := w.Running(cb.ID); !running {
		t.Error("expected watch loop to resume")
	}
	if _, running := w.Running(other.ID); running {
		t.Error("expected non-watching codebase to stay idle")
	}
}

func TestWatcher_StartErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	noExec := NewWatcher(svc, nil, testQueueConfig(), logger.Default())
	if err := noExec.Start(ctx, "anything"); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("expected ErrNoExecutor, got %v", err)
	}

	w := newTestWatcher(t, svc, (&fakeExecutor{}).run)
	if err := w.Start(ctx, "no-such-codebase"); !errors.Is(err, ErrCodebaseNotFound) {
		t.Errorf("expected ErrCodebaseNotFound, got %v", err)
	}
}
