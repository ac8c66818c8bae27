package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

const (
	// streamQueueSize bounds one SSE connection's pending events.
	streamQueueSize = 16

	// heartbeatInterval is the idle period after which a comment frame
	// keeps intermediaries from timing the stream out.
	heartbeatInterval = 30 * time.Second
)

// streamTask writes task update events to the client as SSE frames
// until the final event, a disconnect, or server shutdown. cleanup runs
// on every exit path.
func (g *Gateway) streamTask(c *gin.Context, taskID string, events <-chan *protocol.TaskStatusUpdateEvent, cleanup func()) {
	defer cleanup()

	writeSSEHeaders(c)

	idle := time.NewTimer(g.heartbeatEvery)
	defer idle.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-g.stopCh:
			return
		case event := <-events:
			if err := writeSSEFrame(c.Writer, taskID, event); err != nil {
				g.log.Debug("SSE write failed",
					zap.String("task_id", taskID),
					zap.Error(err))
				return
			}
			if event.Final {
				return
			}
			resetTimer(idle, g.heartbeatEvery)
		case <-idle.C:
			if err := writeSSEComment(c.Writer, "heartbeat"); err != nil {
				return
			}
			idle.Reset(g.heartbeatEvery)
		}
	}
}

// streamSnapshot emits one terminal frame for a task that already ended
// and closes the stream.
func (g *Gateway) streamSnapshot(c *gin.Context, tsk *protocol.Task) {
	writeSSEHeaders(c)
	event := &protocol.TaskStatusUpdateEvent{Task: tsk, Final: true}
	if err := writeSSEFrame(c.Writer, tsk.ID, event); err != nil {
		g.log.Debug("Client left before snapshot frame",
			zap.String("task_id", tsk.ID))
	}
}

func writeSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeSSEFrame wraps one task event in the JSON-RPC envelope streamed
// to A2A clients: {jsonrpc, id: <task_id>, result: {event}}.
func writeSSEFrame(w gin.ResponseWriter, taskID string, event *protocol.TaskStatusUpdateEvent) error {
	frame, err := json.Marshal(protocol.NewResponse(taskID, &protocol.StreamEventResult{Event: event}))
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	return writeSSEData(w, frame)
}

func writeSSEData(w gin.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func writeSSEComment(w gin.ResponseWriter, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// resetTimer re-arms an idle timer that may have fired concurrently.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
