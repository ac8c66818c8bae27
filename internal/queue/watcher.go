package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/events"
)

var (
	ErrNotWatching = errors.New("codebase is not being watched")
	ErrNoExecutor  = errors.New("no watch executor configured")
)

// teardownTimeout bounds the persistence calls that end a watch loop.
const teardownTimeout = 10 * time.Second

// Executor runs one queued task locally and returns its result text.
// The watch loop reports the task completed or failed from its outcome.
type Executor func(ctx context.Context, task *AgentTask) (string, error)

// Watcher runs watch mode: one background loop per watching codebase
// that drains the codebase's queue through a local executor. Each loop
// registers itself as a worker so its claims follow the same lease
// rules as remote workers.
type Watcher struct {
	service  *Service
	executor Executor
	cfg      config.QueueConfig
	log      *logger.Logger

	mu    sync.Mutex
	loops map[string]*watchLoop
}

type watchLoop struct {
	codebaseID string
	workerID   string
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates the watch mode runner.
func NewWatcher(service *Service, executor Executor, cfg config.QueueConfig, log *logger.Logger) *Watcher {
	return &Watcher{
		service:  service,
		executor: executor,
		cfg:      cfg,
		log:      log,
		loops:    make(map[string]*watchLoop),
	}
}

// Start begins watching a codebase. Starting an already watched
// codebase is a no-op.
func (w *Watcher) Start(ctx context.Context, codebaseID string) error {
	if w.executor == nil {
		return ErrNoExecutor
	}

	w.mu.Lock()
	_, watching := w.loops[codebaseID]
	w.mu.Unlock()
	if watching {
		return nil
	}

	cb, err := w.service.GetCodebase(ctx, codebaseID)
	if err != nil {
		return err
	}

	interval := time.Duration(cb.WatchInterval) * time.Second
	if interval <= 0 {
		interval = time.Duration(w.cfg.WatchInterval) * time.Second
	}

	hostname, _ := os.Hostname()
	worker, err := w.service.RegisterWorker(ctx, "", "watch:"+cb.Name, []string{"watch"}, hostname)
	if err != nil {
		return fmt.Errorf("register watch worker: %w", err)
	}

	if err := w.service.SetCodebaseWatch(ctx, codebaseID, true, cb.WatchInterval, CodebaseWatching); err != nil {
		_ = w.service.UnregisterWorker(ctx, worker.ID)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &watchLoop{
		codebaseID: codebaseID,
		workerID:   worker.ID,
		interval:   interval,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	// The loop only enters the map together with its goroutine, so a
	// concurrent Stop always finds a loop it can cancel and wait on.
	w.mu.Lock()
	if _, ok := w.loops[codebaseID]; ok {
		w.mu.Unlock()
		cancel()
		_ = w.service.UnregisterWorker(ctx, worker.ID)
		return nil
	}
	w.loops[codebaseID] = loop
	w.mu.Unlock()
	go w.run(loopCtx, loop)

	w.service.publish(ctx, events.CodebaseWatchStarted, map[string]interface{}{
		"codebase_id": codebaseID,
		"interval":    int(interval.Seconds()),
	})
	w.log.Info("Watch mode started",
		zap.String("codebase_id", codebaseID),
		zap.Duration("interval", interval))
	return nil
}

// Stop ends the watch loop for a codebase and waits for it to exit.
func (w *Watcher) Stop(ctx context.Context, codebaseID string) error {
	w.mu.Lock()
	loop, ok := w.loops[codebaseID]
	if !ok {
		w.mu.Unlock()
		return ErrNotWatching
	}
	delete(w.loops, codebaseID)
	w.mu.Unlock()

	loop.cancel()
	<-loop.done

	// Unregistering requeues whatever the loop had in flight.
	if err := w.service.UnregisterWorker(ctx, loop.workerID); err != nil && !errors.Is(err, ErrWorkerNotFound) {
		w.log.Warn("Failed to unregister watch worker",
			zap.String("worker_id", loop.workerID), zap.Error(err))
	}
	if err := w.service.SetCodebaseWatch(ctx, codebaseID, false, int(loop.interval.Seconds()), CodebaseIdle); err != nil && !errors.Is(err, ErrCodebaseNotFound) {
		return err
	}

	w.service.publish(ctx, events.CodebaseWatchStopped, map[string]interface{}{
		"codebase_id": codebaseID,
	})
	w.log.Info("Watch mode stopped", zap.String("codebase_id", codebaseID))
	return nil
}

// Running reports whether a codebase is being watched and at what
// interval.
func (w *Watcher) Running(codebaseID string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	loop, ok := w.loops[codebaseID]
	if !ok {
		return 0, false
	}
	return loop.interval, true
}

// Resume restarts watch loops for codebases that were watching when the
// server last shut down.
func (w *Watcher) Resume(ctx context.Context) error {
	codebases, err := w.service.ListCodebases(ctx)
	if err != nil {
		return err
	}
	for _, cb := range codebases {
		if !cb.WatchMode {
			continue
		}
		if err := w.Start(ctx, cb.ID); err != nil {
			w.log.Warn("Failed to resume watch mode",
				zap.String("codebase_id", cb.ID), zap.Error(err))
		}
	}
	return nil
}

// StopAll ends every watch loop. Used at shutdown.
func (w *Watcher) StopAll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.loops))
	for id := range w.loops {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotWatching) {
			w.log.Warn("Failed to stop watch mode",
				zap.String("codebase_id", id), zap.Error(err))
		}
	}
}

func (w *Watcher) run(ctx context.Context, loop *watchLoop) {
	defer close(loop.done)

	for {
		if err := w.processNext(ctx, loop); err != nil {
			if ctx.Err() != nil {
				// Stop asked the loop to exit; worker teardown requeues
				// anything in flight.
				return
			}
			w.fail(loop, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(loop.interval):
		}
	}
}

// processNext claims and executes the next pending task for the
// codebase, if any. Losing a claim race to a remote worker is not an
// error.
func (w *Watcher) processNext(ctx context.Context, loop *watchLoop) error {
	next, err := w.service.NextPendingTask(ctx, loop.codebaseID)
	if err != nil || next == nil {
		return err
	}

	claimed, err := w.service.ClaimTask(ctx, next.ID, loop.workerID)
	if errors.Is(err, ErrTaskNotClaimable) || errors.Is(err, ErrAgentTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := w.service.UpdateTaskStatus(ctx, claimed.ID, StatusRunning, loop.workerID, "", ""); err != nil {
		return err
	}

	// Heartbeat while the executor runs so the reaper keeps treating
	// this loop as a live worker.
	hbCtx, hbCancel := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, loop.workerID)
	result, execErr := w.executor(ctx, claimed)
	hbCancel()

	if execErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.service.UpdateTaskStatus(ctx, claimed.ID, StatusFailed, loop.workerID, "", execErr.Error()); err != nil {
			return err
		}
		return fmt.Errorf("execute task %s: %w", claimed.ID, execErr)
	}

	_, err = w.service.UpdateTaskStatus(ctx, claimed.ID, StatusCompleted, loop.workerID, result, "")
	return err
}

func (w *Watcher) heartbeat(ctx context.Context, workerID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.service.HeartbeatWorker(ctx, workerID); err != nil && ctx.Err() == nil {
				w.log.Warn("Watch worker heartbeat failed",
					zap.String("worker_id", workerID), zap.Error(err))
			}
		}
	}
}

// fail ends a broken watch loop: the codebase moves to error status and
// the cause is announced. A concurrent Stop wins the teardown instead.
func (w *Watcher) fail(loop *watchLoop, cause error) {
	if !w.removeLoop(loop.codebaseID, loop) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := w.service.UnregisterWorker(ctx, loop.workerID); err != nil && !errors.Is(err, ErrWorkerNotFound) {
		w.log.Warn("Failed to unregister watch worker",
			zap.String("worker_id", loop.workerID), zap.Error(err))
	}
	if err := w.service.SetCodebaseWatch(ctx, loop.codebaseID, false, int(loop.interval.Seconds()), CodebaseError); err != nil {
		w.log.Error("Failed to record watch error status",
			zap.String("codebase_id", loop.codebaseID), zap.Error(err))
	}

	w.service.publish(ctx, events.CodebaseWatchError, map[string]interface{}{
		"codebase_id": loop.codebaseID,
		"error":       cause.Error(),
	})
	w.log.Error("Watch mode stopped on error",
		zap.String("codebase_id", loop.codebaseID), zap.Error(cause))
}

func (w *Watcher) removeLoop(codebaseID string, loop *watchLoop) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loops[codebaseID] != loop {
		return false
	}
	delete(w.loops, codebaseID)
	return true
}
