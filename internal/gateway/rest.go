package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/queue"
)

// registerWorkerRequest is the worker announcement body. WorkerID is
// optional; the server assigns one when absent.
type registerWorkerRequest struct {
	WorkerID     string   `json:"worker_id"`
	Name         string   `json:"name" binding:"required"`
	Capabilities []string `json:"capabilities"`
	Hostname     string   `json:"hostname"`
}

// taskStatusUpdateRequest is a worker's task status report.
type taskStatusUpdateRequest struct {
	Status   string `json:"status" binding:"required"`
	WorkerID string `json:"worker_id"`
	Result   string `json:"result"`
	Error    string `json:"error"`
}

type taskOutputRequest struct {
	WorkerID string `json:"worker_id"`
	Output   string `json:"output" binding:"required"`
}

type registerCodebaseRequest struct {
	Name          string `json:"name" binding:"required"`
	Path          string `json:"path" binding:"required"`
	WatchInterval int    `json:"watch_interval"`
}

type enqueueTaskRequest struct {
	Title    string `json:"title" binding:"required"`
	Prompt   string `json:"prompt" binding:"required"`
	Priority int    `json:"priority"`
}

type watchModeRequest struct {
	Interval int `json:"interval"`
}

func (g *Gateway) handleRegisterWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	worker, err := g.queue.RegisterWorker(c.Request.Context(), req.WorkerID, req.Name, req.Capabilities, req.Hostname)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "worker": worker})
}

func (g *Gateway) handleWorkerHeartbeat(c *gin.Context) {
	if err := g.queue.HeartbeatWorker(c.Request.Context(), c.Param("id")); err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (g *Gateway) handleUnregisterWorker(c *gin.Context) {
	err := g.queue.UnregisterWorker(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrWorkerNotFound) {
		// Unregister is part of worker shutdown; a worker the server
		// already forgot is not an error worth failing that for.
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Worker not found"})
		return
	}
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Worker unregistered"})
}

func (g *Gateway) handleListWorkers(c *gin.Context) {
	workers, err := g.queue.ListWorkers(c.Request.Context())
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

// handleListQueueTasks serves worker polls. Identifying as a worker via
// the worker_id query refreshes that worker's last_seen.
func (g *Gateway) handleListQueueTasks(c *gin.Context) {
	filter := queue.TaskFilter{
		Status:     queue.AgentTaskStatus(c.Query("status")),
		CodebaseID: c.Query("codebase_id"),
		WorkerID:   c.Query("worker_id"),
	}

	tasks, err := g.queue.ListTasks(c.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTaskStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid status: " + c.Query("status")})
			return
		}
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (g *Gateway) handleGetQueueTask(c *gin.Context) {
	task, err := g.queue.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (g *Gateway) handleUpdateQueueTaskStatus(c *gin.Context) {
	var req taskStatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	status := queue.AgentTaskStatus(req.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid status: " + req.Status})
		return
	}

	task, err := g.queue.UpdateTaskStatus(c.Request.Context(), c.Param("id"), status, req.WorkerID, req.Result, req.Error)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (g *Gateway) handleQueueTaskOutput(c *gin.Context) {
	var req taskOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := g.queue.AppendOutput(c.Request.Context(), c.Param("id"), req.WorkerID, req.Output); err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (g *Gateway) handleCancelQueueTask(c *gin.Context) {
	task, err := g.queue.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Task cancelled", "task": task})
}

func (g *Gateway) handleRegisterCodebase(c *gin.Context) {
	var req registerCodebaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	codebase, err := g.queue.RegisterCodebase(c.Request.Context(), req.Name, req.Path, req.WatchInterval)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "codebase": codebase})
}

func (g *Gateway) handleListCodebases(c *gin.Context) {
	codebases, err := g.queue.ListCodebases(c.Request.Context())
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, codebases)
}

func (g *Gateway) handleDeleteCodebase(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	// Stop a live watch loop before the rows go away.
	if err := g.watcher.Stop(ctx, id); err != nil && !errors.Is(err, queue.ErrNotWatching) {
		g.writeQueueError(c, err)
		return
	}
	if err := g.queue.DeleteCodebase(ctx, id); err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (g *Gateway) handleEnqueueTask(c *gin.Context) {
	var req enqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	task, err := g.queue.EnqueueTask(c.Request.Context(), c.Param("id"), req.Title, req.Prompt, req.Priority)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (g *Gateway) handleWatchStart(c *gin.Context) {
	// The body is optional; an absent one keeps the stored interval.
	var req watchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	codebase, err := g.queue.GetCodebase(ctx, id)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	// Record a requested interval before Start re-reads the codebase.
	if req.Interval > 0 && req.Interval != codebase.WatchInterval {
		if err := g.queue.SetCodebaseWatch(ctx, id, codebase.WatchMode, req.Interval, codebase.Status); err != nil {
			g.writeQueueError(c, err)
			return
		}
	}
	if err := g.watcher.Start(ctx, id); err != nil {
		g.writeQueueError(c, err)
		return
	}

	interval, _ := g.watcher.Running(id)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "Watch mode started for " + codebase.Name,
		"interval": int(interval.Seconds()),
	})
}

func (g *Gateway) handleWatchStop(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	codebase, err := g.queue.GetCodebase(ctx, id)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	if err := g.watcher.Stop(ctx, id); err != nil {
		g.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Watch mode stopped for " + codebase.Name})
}

func (g *Gateway) handleWatchStatus(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	codebase, err := g.queue.GetCodebase(ctx, id)
	if err != nil {
		g.writeQueueError(c, err)
		return
	}

	pending, err := g.queue.ListTasks(ctx, queue.TaskFilter{CodebaseID: id, Status: queue.StatusPending})
	if err != nil {
		g.writeQueueError(c, err)
		return
	}
	running, err := g.queue.ListTasks(ctx, queue.TaskFilter{CodebaseID: id, Status: queue.StatusRunning})
	if err != nil {
		g.writeQueueError(c, err)
		return
	}

	interval := codebase.WatchInterval
	loopInterval, watching := g.watcher.Running(id)
	if watching {
		interval = int(loopInterval.Seconds())
	}
	c.JSON(http.StatusOK, gin.H{
		"codebase_id":   codebase.ID,
		"name":          codebase.Name,
		"watch_mode":    watching,
		"status":        codebase.Status,
		"interval":      interval,
		"pending_tasks": len(pending),
		"running_tasks": len(running),
	})
}

// writeQueueError maps queue failures onto REST responses. Bodies use
// the {"detail": ...} shape shared by every non-RPC surface.
func (g *Gateway) writeQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrCodebaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Codebase not found"})
	case errors.Is(err, queue.ErrAgentTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
	case errors.Is(err, queue.ErrWorkerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Worker not found"})
	case errors.Is(err, queue.ErrTaskNotCancellable):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Cannot cancel task (may already be running or completed)"})
	case errors.Is(err, queue.ErrNotWatching):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Codebase is not being watched"})
	case errors.Is(err, queue.ErrInvalidTaskStatus),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrWorkerIDRequired):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, queue.ErrTaskNotClaimable),
		errors.Is(err, queue.ErrTaskNotOwned):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	default:
		g.log.Error("Queue request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Request failed"})
	}
}
