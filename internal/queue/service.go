package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/events"
)

// Lifecycle errors surfaced to API callers.
var (
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrInvalidTransition  = errors.New("invalid task transition")
	ErrTaskNotClaimable   = errors.New("task is not claimable")
	ErrTaskNotCancellable = errors.New("task can no longer be cancelled")
	ErrTaskNotOwned       = errors.New("task is held by another worker")
	ErrWorkerIDRequired   = errors.New("worker_id is required")
)

// truncationSuffix marks results cut at the persistence limit.
const truncationSuffix = "... [truncated]"

// Events is the broker surface the queue publishes through.
type Events interface {
	PublishEvent(ctx context.Context, eventType string, data map[string]interface{}) error
	Publish(ctx context.Context, channel, eventType string, data map[string]interface{}) error
}

// Service owns the work queue: codebase registry, task lifecycle, and
// worker registry. Every state change is persisted first and then
// announced on the event broker.
type Service struct {
	repo   *Repository
	events Events
	cfg    config.QueueConfig
	log    *logger.Logger
}

// NewService creates the queue service.
func NewService(repo *Repository, ev Events, cfg config.QueueConfig, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		events: ev,
		cfg:    cfg,
		log:    log,
	}
}

// --- codebases ---

// RegisterCodebase adds a codebase to the registry.
func (s *Service) RegisterCodebase(ctx context.Context, name, path string, watchInterval int) (*Codebase, error) {
	if name == "" {
		return nil, fmt.Errorf("codebase name is required")
	}
	if watchInterval <= 0 {
		watchInterval = s.cfg.WatchInterval
	}

	now := time.Now().UTC()
	cb := &Codebase{
		ID:            NewCodebaseID(),
		Name:          name,
		Path:          path,
		Status:        CodebaseIdle,
		WatchMode:     false,
		WatchInterval: watchInterval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateCodebase(ctx, cb); err != nil {
		return nil, fmt.Errorf("create codebase: %w", err)
	}

	s.publish(ctx, events.CodebaseRegistered, map[string]interface{}{
		"codebase_id": cb.ID,
		"name":        cb.Name,
		"path":        cb.Path,
	})
	return cb, nil
}

// GetCodebase returns one codebase.
func (s *Service) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	return s.repo.GetCodebase(ctx, id)
}

// ListCodebases returns all registered codebases.
func (s *Service) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	return s.repo.ListCodebases(ctx)
}

// DeleteCodebase removes a codebase from the registry.
func (s *Service) DeleteCodebase(ctx context.Context, id string) error {
	return s.repo.DeleteCodebase(ctx, id)
}

// SetCodebaseStatus records a codebase status change.
func (s *Service) SetCodebaseStatus(ctx context.Context, id string, status CodebaseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, status)
	}
	return s.repo.UpdateCodebaseStatus(ctx, id, status)
}

// SetCodebaseWatch persists the watch flag and the status it leaves the
// codebase in. The watcher calls this around loop start and stop.
func (s *Service) SetCodebaseWatch(ctx context.Context, id string, watch bool, interval int, status CodebaseStatus) error {
	return s.repo.SetCodebaseWatch(ctx, id, watch, interval, status)
}

// --- agent tasks ---

// EnqueueTask adds a task to a codebase's queue.
func (s *Service) EnqueueTask(ctx context.Context, codebaseID, title, prompt string, priority int) (*AgentTask, error) {
	if _, err := s.repo.GetCodebase(ctx, codebaseID); err != nil {
		return nil, err
	}

	t := &AgentTask{
		ID:         NewTaskID(),
		CodebaseID: codebaseID,
		Title:      title,
		Prompt:     prompt,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.publishTask(ctx, events.QueueTaskCreated, t)
	return t, nil
}

// GetTask returns one queued task.
func (s *Service) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	return s.repo.GetTask(ctx, id)
}

// ListTasks returns tasks in claim order. A worker identifying itself
// through the filter gets its last_seen refreshed, so polling doubles
// as a heartbeat. On a pending listing the worker id only identifies
// the poller: pending tasks have no worker yet, so it never narrows
// the result.
func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskStatus, filter.Status)
	}
	if filter.WorkerID != "" {
		if err := s.repo.TouchWorker(ctx, filter.WorkerID); err != nil && !errors.Is(err, ErrWorkerNotFound) {
			return nil, err
		}
		if filter.Status == StatusPending {
			filter.WorkerID = ""
		}
	}
	return s.repo.ListTasks(ctx, filter)
}

// NextPendingTask returns the next claimable task for a codebase, or
// nil when its queue is empty.
func (s *Service) NextPendingTask(ctx context.Context, codebaseID string) (*AgentTask, error) {
	return s.repo.NextPendingTask(ctx, codebaseID)
}

// ClaimTask assigns a pending task to a worker. Exactly one concurrent
// claimer succeeds; the rest get ErrTaskNotClaimable.
func (s *Service) ClaimTask(ctx context.Context, taskID, workerID string) (*AgentTask, error) {
	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}

	ok, err := s.repo.ClaimTask(ctx, taskID, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		// Distinguish a missing task from a lost race.
		if _, err := s.repo.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimable, taskID)
	}

	s.touchWorker(ctx, workerID)

	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishTask(ctx, events.QueueTaskAssigned, t)
	return t, nil
}

// UpdateTaskStatus drives the task state machine from worker reports.
// A pending task moves to assigned or directly to running as a claim:
// the compare-and-swap on the previous status makes either form
// single-winner. All other moves are validated against the machine and
// persisted the same way.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status AgentTaskStatus, workerID, result, errMsg string) (*AgentTask, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskStatus, status)
	}

	if status == StatusAssigned {
		return s.ClaimTask(ctx, taskID, workerID)
	}

	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, status) {
		// A claimer arriving after the winner committed lost a race,
		// not the protocol.
		if status == StatusRunning && t.Status == StatusRunning && workerID != "" && t.WorkerID != workerID {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimable, taskID)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	if workerID != "" && t.WorkerID != "" && t.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotOwned, taskID)
	}

	from := t.Status
	now := time.Now().UTC()
	t.Status = status
	switch status {
	case StatusRunning:
		t.StartedAt = &now
		if from == StatusPending {
			// Direct claim: running on a pending task takes it in one
			// step, recording the claimant.
			if workerID == "" {
				return nil, ErrWorkerIDRequired
			}
			t.WorkerID = workerID
		}
	case StatusCompleted:
		t.Result = s.truncateResult(result)
		t.CompletedAt = &now
	case StatusFailed:
		t.Error = errMsg
		t.CompletedAt = &now
	case StatusCancelled:
		t.CompletedAt = &now
	case StatusPending:
		t.WorkerID = ""
		t.StartedAt = nil
	}

	ok, err := s.repo.TransitionTask(ctx, t, from)
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	if !ok {
		if from == StatusPending {
			// Lost a claim race, not a protocol violation.
			return nil, fmt.Errorf("%w: %s", ErrTaskNotClaimable, taskID)
		}
		return nil, fmt.Errorf("%w: %s moved during update", ErrInvalidTransition, taskID)
	}

	if workerID != "" {
		s.touchWorker(ctx, workerID)
	}
	s.publishTask(ctx, statusEventType(status), t)
	return t, nil
}

// CancelTask cancels a task that has not started running. Running tasks
// are interrupted through their worker instead.
func (s *Service) CancelTask(ctx context.Context, taskID string) (*AgentTask, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Cancellable() {
		return nil, fmt.Errorf("%w: status is %s", ErrTaskNotCancellable, t.Status)
	}

	from := t.Status
	now := time.Now().UTC()
	t.Status = StatusCancelled
	t.CompletedAt = &now

	ok, err := s.repo.TransitionTask(ctx, t, from)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotCancellable, taskID)
	}

	s.publishTask(ctx, events.QueueTaskCancelled, t)
	return t, nil
}

// AppendOutput fans a worker's output chunk onto the task's stream
// channel for live observers. Output is not persisted.
func (s *Service) AppendOutput(ctx context.Context, taskID, workerID, output string) error {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> output", ErrInvalidTransition, t.Status)
	}

	if workerID != "" {
		s.touchWorker(ctx, workerID)
	}
	err = s.events.Publish(ctx, events.TaskChannel(taskID), events.QueueTaskOutput, map[string]interface{}{
		"task_id":   taskID,
		"worker_id": workerID,
		"output":    output,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.log.Warn("Failed to publish task output", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// ReviveExpired returns abandoned tasks to the queue: running tasks
// whose lease ran out and claimed tasks whose worker stopped
// heartbeating. It reports how many tasks were requeued.
func (s *Service) ReviveExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	leaseCutoff := now.Add(-s.cfg.LeaseTimeoutDuration())
	staleCutoff := now.Add(-s.StaleAfter())

	expired, err := s.repo.ExpiredTasks(ctx, leaseCutoff, staleCutoff)
	if err != nil {
		return 0, fmt.Errorf("find expired tasks: %w", err)
	}

	revived := 0
	staleWorkers := make(map[string]bool)
	for _, t := range expired {
		ok, err := s.repo.RequeueTask(ctx, t.ID, t.Status)
		if err != nil {
			return revived, fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		if !ok {
			// The worker reported a terminal status between the scan
			// and the requeue. Its result wins.
			continue
		}
		revived++
		if t.WorkerID != "" && !staleWorkers[t.WorkerID] {
			staleWorkers[t.WorkerID] = true
			s.publish(ctx, events.WorkerStale, map[string]interface{}{
				"worker_id": t.WorkerID,
			})
		}

		requeued, err := s.repo.GetTask(ctx, t.ID)
		if err != nil {
			requeued = t
		}
		s.publishTask(ctx, events.QueueTaskRequeued, requeued)
		s.log.Info("Revived abandoned task",
			zap.String("task_id", t.ID),
			zap.String("worker_id", t.WorkerID),
			zap.String("previous_status", string(t.Status)))
	}
	return revived, nil
}

// CountTasksByStatus reports queue depth per status for monitoring.
func (s *Service) CountTasksByStatus(ctx context.Context) (map[AgentTaskStatus]int, error) {
	return s.repo.CountTasksByStatus(ctx)
}

// --- workers ---

// RegisterWorker upserts a worker registration. A worker without an id
// is assigned one.
func (s *Service) RegisterWorker(ctx context.Context, id, name string, capabilities []string, hostname string) (*Worker, error) {
	if id == "" {
		id = NewWorkerID()
	}

	now := time.Now().UTC()
	w := &Worker{
		ID:           id,
		Name:         name,
		Capabilities: capabilities,
		Hostname:     hostname,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := s.repo.UpsertWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}

	s.publish(ctx, events.WorkerRegistered, map[string]interface{}{
		"worker_id": w.ID,
		"name":      w.Name,
		"hostname":  w.Hostname,
	})
	return w, nil
}

// HeartbeatWorker refreshes a worker's last_seen timestamp.
func (s *Service) HeartbeatWorker(ctx context.Context, id string) error {
	return s.repo.TouchWorker(ctx, id)
}

// UnregisterWorker removes a worker and returns its unfinished tasks to
// the queue so another worker can pick them up.
func (s *Service) UnregisterWorker(ctx context.Context, id string) error {
	held, err := s.repo.TasksForWorker(ctx, id)
	if err != nil {
		return fmt.Errorf("list worker tasks: %w", err)
	}
	for _, t := range held {
		ok, err := s.repo.RequeueTask(ctx, t.ID, t.Status)
		if err != nil {
			return fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		if ok {
			if requeued, err := s.repo.GetTask(ctx, t.ID); err == nil {
				t = requeued
			}
			s.publishTask(ctx, events.QueueTaskRequeued, t)
		}
	}

	if err := s.repo.DeleteWorker(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.WorkerUnregistered, map[string]interface{}{
		"worker_id": id,
	})
	return nil
}

// GetWorker returns one worker with its staleness flag set.
func (s *Service) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := s.repo.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	w.Stale = s.isStale(w.LastSeen, time.Now().UTC())
	return w, nil
}

// ListWorkers returns all workers with staleness flags.
func (s *Service) ListWorkers(ctx context.Context) ([]*Worker, error) {
	workers, err := s.repo.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, w := range workers {
		w.Stale = s.isStale(w.LastSeen, now)
	}
	return workers, nil
}

// StaleAfter is the silence after which a worker counts as stale.
func (s *Service) StaleAfter() time.Duration {
	return 3 * s.cfg.HeartbeatIntervalDuration()
}

func (s *Service) isStale(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) > s.StaleAfter()
}

// touchWorker refreshes last_seen without failing the caller's request.
func (s *Service) touchWorker(ctx context.Context, id string) {
	if err := s.repo.TouchWorker(ctx, id); err != nil && !errors.Is(err, ErrWorkerNotFound) {
		s.log.Warn("Failed to touch worker", zap.String("worker_id", id), zap.Error(err))
	}
}

func (s *Service) truncateResult(result string) string {
	limit := s.cfg.ResultLimit
	if limit <= 0 || len(result) <= limit {
		return result
	}
	return result[:limit] + truncationSuffix
}

// publishTask announces a task lifecycle change on the broadcast events
// channel and mirrors it onto the task's own stream channel.
func (s *Service) publishTask(ctx context.Context, eventType string, t *AgentTask) {
	data := map[string]interface{}{
		"task_id":     t.ID,
		"codebase_id": t.CodebaseID,
		"title":       t.Title,
		"status":      string(t.Status),
		"priority":    t.Priority,
	}
	if t.WorkerID != "" {
		data["worker_id"] = t.WorkerID
	}
	if t.Error != "" {
		data["error"] = t.Error
	}

	s.publish(ctx, eventType, data)
	if err := s.events.Publish(ctx, events.TaskChannel(t.ID), eventType, data); err != nil {
		s.log.Warn("Failed to publish task channel event",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if err := s.events.PublishEvent(ctx, eventType, data); err != nil {
		s.log.Warn("Failed to publish queue event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// statusEventType maps a task status to the event announcing it.
func statusEventType(status AgentTaskStatus) string {
	switch status {
	case StatusAssigned:
		return events.QueueTaskAssigned
	case StatusRunning:
		return events.QueueTaskStarted
	case StatusCompleted:
		return events.QueueTaskCompleted
	case StatusFailed:
		return events.QueueTaskFailed
	case StatusCancelled:
		return events.QueueTaskCancelled
	default:
		return events.QueueTaskRequeued
	}
}
