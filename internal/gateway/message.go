package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/agent"
	"github.com/quantum-forge/a2a-server/internal/common/appctx"
	"github.com/quantum-forge/a2a-server/internal/protocol"
	"github.com/quantum-forge/a2a-server/internal/task"
)

const (
	sendTaskTitle         = "Message processing"
	sendTaskDescription   = "Processing incoming message"
	streamTaskTitle       = "Streaming message processing"
	streamTaskDescription = "Processing streaming message"

	// streamSteps is the number of intermediate progress updates a
	// streamed message produces before its handler runs.
	streamSteps = 5
)

// rpcSendMessage implements message/send: route the message through a
// handler inside a task's WORKING window and reply with the terminal
// task plus the handler's response.
func (g *Gateway) rpcSendMessage(c *gin.Context, req *protocol.JSONRPCRequest) {
	params, ok := g.bindSendParams(c, req)
	if !ok {
		return
	}

	// Resolve before touching any task so a bad target never leaves a
	// half-transitioned task behind.
	handler, err := g.agents.Resolve(params.Message)
	if err != nil {
		g.writeInvalidParams(c, req.ID, err.Error())
		return
	}

	ctx := c.Request.Context()
	tsk, err := g.lookupOrCreateTask(ctx, params.TaskID, sendTaskTitle, sendTaskDescription)
	if err != nil {
		g.writeTaskError(c, req.ID, params.TaskID, err)
		return
	}

	if _, err := g.tasks.UpdateStatus(ctx, tsk.ID, protocol.TaskWorking, params.Message, nil); err != nil {
		g.writeTaskError(c, req.ID, tsk.ID, err)
		return
	}

	response, err := handler.ProcessMessage(ctx, params.Message, params.SkillID)
	if err != nil {
		// Handler failures land on the task, not the RPC envelope: the
		// caller gets the terminal FAILED snapshot in a normal reply.
		g.failTask(ctx, tsk.ID, err)
		g.replyWithSnapshot(c, req.ID, tsk.ID, nil)
		return
	}

	event, err := g.tasks.UpdateStatus(ctx, tsk.ID, protocol.TaskCompleted, response, nil)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// A concurrent cancel won the race; report the task as it
			// ended up.
			g.replyWithSnapshot(c, req.ID, tsk.ID, response)
			return
		}
		g.writeTaskError(c, req.ID, tsk.ID, err)
		return
	}

	if err := g.broker.PublishMessage(ctx, "external", g.card.Name, params.Message); err != nil {
		g.log.Warn("Failed to publish message event",
			zap.String("task_id", tsk.ID),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, protocol.NewResponse(req.ID, &protocol.SendMessageResult{
		Task:    event.Task,
		Message: response,
	}))
}

// rpcStreamMessage implements message/stream: create a task, subscribe
// the connection to its updates, process in the background, and stream
// every transition as an SSE frame until the final one.
func (g *Gateway) rpcStreamMessage(c *gin.Context, req *protocol.JSONRPCRequest) {
	params, ok := g.bindSendParams(c, req)
	if !ok {
		return
	}

	if !g.card.Capabilities.Streaming {
		g.writeError(c, http.StatusBadRequest, req.ID, protocol.ErrCodeMethodNotFound, "Streaming not supported")
		return
	}

	handler, err := g.agents.Resolve(params.Message)
	if err != nil {
		g.writeInvalidParams(c, req.ID, err.Error())
		return
	}

	tsk, err := g.tasks.CreateTask(c.Request.Context(), streamTaskTitle, streamTaskDescription)
	if err != nil {
		g.writeError(c, http.StatusInternalServerError, req.ID, protocol.ErrCodeInternal, "Internal error: "+err.Error())
		return
	}

	// Subscribe before the first transition so the WORKING event is
	// never missed.
	events, cleanup := g.subscribeTask(tsk.ID)

	procCtx, procCancel := appctx.Detached(c.Request.Context(), g.stopCh, processTimeout)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer procCancel()
		g.processStream(procCtx, tsk.ID, handler, params)
	}()

	g.streamTask(c, tsk.ID, events, cleanup)
}

// rpcGetTask implements tasks/get.
func (g *Gateway) rpcGetTask(c *gin.Context, req *protocol.JSONRPCRequest) {
	params, ok := g.bindTaskQuery(c, req)
	if !ok {
		return
	}

	tsk, err := g.tasks.GetTask(c.Request.Context(), params.TaskID)
	if err != nil {
		g.writeTaskError(c, req.ID, params.TaskID, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewResponse(req.ID, &protocol.TaskResult{Task: tsk}))
}

// rpcCancelTask implements tasks/cancel. The cancellation is the task's
// final transition, so any live stream observes its final frame here.
func (g *Gateway) rpcCancelTask(c *gin.Context, req *protocol.JSONRPCRequest) {
	params, ok := g.bindTaskQuery(c, req)
	if !ok {
		return
	}

	tsk, err := g.tasks.CancelTask(c.Request.Context(), params.TaskID)
	if err != nil {
		g.writeTaskError(c, req.ID, params.TaskID, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewResponse(req.ID, &protocol.TaskResult{Task: tsk}))
}

// rpcResubscribeTask implements tasks/resubscribe: attach this
// connection to an existing task's update stream. A task that already
// ended replays its terminal snapshot so the caller gets closure
// instead of an idle stream.
func (g *Gateway) rpcResubscribeTask(c *gin.Context, req *protocol.JSONRPCRequest) {
	params, ok := g.bindTaskQuery(c, req)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	tsk, err := g.tasks.GetTask(ctx, params.TaskID)
	if err != nil {
		g.writeTaskError(c, req.ID, params.TaskID, err)
		return
	}
	if tsk.Status.IsTerminal() {
		g.streamSnapshot(c, tsk)
		return
	}

	events, cleanup := g.subscribeTask(tsk.ID)

	// The task may have finished between the lookup and the
	// subscription; re-check so the stream cannot hang waiting for an
	// event that already fired.
	if snapshot, err := g.tasks.GetTask(ctx, tsk.ID); err == nil && snapshot.Status.IsTerminal() {
		cleanup()
		g.streamSnapshot(c, snapshot)
		return
	}

	g.streamTask(c, tsk.ID, events, cleanup)
}

// processStream drives a streamed task: WORKING with the inbound
// message, a fixed ladder of progress refreshes, then the handler's
// response as the COMPLETED transition. Handler errors end the task as
// FAILED; a concurrent cancel ends the ladder quietly.
func (g *Gateway) processStream(ctx context.Context, taskID string, handler agent.Handler, params *protocol.SendMessageParams) {
	if _, err := g.tasks.UpdateStatus(ctx, taskID, protocol.TaskWorking, params.Message, nil); err != nil {
		g.log.Warn("Streaming task never started",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	for i := 1; i <= streamSteps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.streamDelay):
		}
		progress := float64(i) / streamSteps
		if _, err := g.tasks.UpdateStatus(ctx, taskID, protocol.TaskWorking, nil, &progress); err != nil {
			// The task reached a terminal status under us, typically a
			// client cancel. Its final event is already on the stream.
			return
		}
	}

	response, err := handler.ProcessMessage(ctx, params.Message, params.SkillID)
	if err != nil {
		g.failTask(ctx, taskID, err)
		return
	}

	if _, err := g.tasks.UpdateStatus(ctx, taskID, protocol.TaskCompleted, response, nil); err != nil {
		g.log.Debug("Streaming task finished elsewhere",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// failTask records a handler failure as the task's terminal state, with
// the error text preserved on the message log.
func (g *Gateway) failTask(ctx context.Context, taskID string, cause error) {
	msg := protocol.NewTextMessage("Error: " + cause.Error())
	if _, err := g.tasks.UpdateStatus(ctx, taskID, protocol.TaskFailed, msg, nil); err != nil {
		g.log.Warn("Failed to record task failure",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// lookupOrCreateTask resolves the task a message belongs to: the named
// one when the client supplied an id, a fresh pending task otherwise.
func (g *Gateway) lookupOrCreateTask(ctx context.Context, taskID, title, description string) (*protocol.Task, error) {
	if taskID != "" {
		return g.tasks.GetTask(ctx, taskID)
	}
	return g.tasks.CreateTask(ctx, title, description)
}

// replyWithSnapshot answers an RPC with the task's current state. Used
// when processing ended on the task rather than in the reply path.
func (g *Gateway) replyWithSnapshot(c *gin.Context, id interface{}, taskID string, response *protocol.Message) {
	snapshot, err := g.tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		g.writeTaskError(c, id, taskID, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewResponse(id, &protocol.SendMessageResult{
		Task:    snapshot,
		Message: response,
	}))
}

// subscribeTask bridges one task's update events onto a channel sized
// for a single SSE connection. The returned cleanup detaches the
// subscription and is safe to call more than once.
func (g *Gateway) subscribeTask(taskID string) (<-chan *protocol.TaskStatusUpdateEvent, func()) {
	events := make(chan *protocol.TaskStatusUpdateEvent, streamQueueSize)
	done := make(chan struct{})
	unregister := g.tasks.RegisterHandler(taskID, func(event *protocol.TaskStatusUpdateEvent) {
		select {
		case events <- event:
		case <-done:
		}
	})

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			unregister()
		})
	}
	return events, cleanup
}

// bindSendParams decodes message/send and message/stream params.
func (g *Gateway) bindSendParams(c *gin.Context, req *protocol.JSONRPCRequest) (*protocol.SendMessageParams, bool) {
	var params protocol.SendMessageParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeInvalidParams(c, req.ID, err.Error())
			return nil, false
		}
	}
	if params.Message == nil {
		g.writeInvalidParams(c, req.ID, "message is required")
		return nil, false
	}
	return &params, true
}

// bindTaskQuery decodes tasks/get, tasks/cancel and tasks/resubscribe
// params.
func (g *Gateway) bindTaskQuery(c *gin.Context, req *protocol.JSONRPCRequest) (*protocol.TaskQueryParams, bool) {
	var params protocol.TaskQueryParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeInvalidParams(c, req.ID, err.Error())
			return nil, false
		}
	}
	if params.TaskID == "" {
		g.writeInvalidParams(c, req.ID, "task_id is required")
		return nil, false
	}
	return &params, true
}
